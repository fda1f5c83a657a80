package store

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/movement"
)

// MovementStore is the dedup index for judicial movement records. The
// unique index on hash_unica is authoritative: Insert either persists the
// record or reports it as a duplicate, never both.
type MovementStore struct {
	col *mongo.Collection
}

// Insert persists a movement record. Returns ErrDuplicate when a record
// with the same content hash was already ingested.
func (ms *MovementStore) Insert(ctx context.Context, m *movement.Movement) error {
	if _, err := ms.col.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			slog.Info("duplicate movement discarded",
				"numero_processo", m.NumeroProcesso,
				"hash", m.HashUnica)
		}
		return mapErr("insert movement", err)
	}

	slog.Info("movement ingested",
		"numero_processo", m.NumeroProcesso,
		"tribunal", m.Tribunal,
		"fonte", m.Fonte,
		"hash", m.HashUnica)
	return nil
}

// Exists reports whether a movement with the given content hash was already
// ingested. A pre-check only; Insert remains the authority under races.
func (ms *MovementStore) Exists(ctx context.Context, hash string) (bool, error) {
	count, err := ms.col.CountDocuments(ctx, bson.M{"hash_unica": hash})
	if err != nil {
		return false, mapErr("check movement hash", err)
	}
	return count > 0, nil
}

// FindByHash fetches a movement by its content hash.
func (ms *MovementStore) FindByHash(ctx context.Context, hash string) (*movement.Movement, error) {
	var m movement.Movement
	if err := ms.col.FindOne(ctx, bson.M{"hash_unica": hash}).Decode(&m); err != nil {
		return nil, mapErr("find movement", err)
	}
	return &m, nil
}
