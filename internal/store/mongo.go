// Package store is the MongoDB persistence layer: task state machine, audit
// log of marking attempts, movement dedup index, and worker registry. The
// document store is the single source of truth for task status; the broker
// only delivers.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	tasksCollection     = "tasks"
	auditLogsCollection = "logs_marcacao"
	movementsCollection = "movimentacoes"
	workersCollection   = "workers"
)

// Store wraps a Mongo database and hands out the per-collection stores.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, mapErr("connect", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, mapErr("ping", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	slog.Info("connected to document store", "database", database)
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Tasks returns the task store.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{col: s.db.Collection(tasksCollection)}
}

// AuditLogs returns the marking-attempt log store.
func (s *Store) AuditLogs() *AuditLogStore {
	return &AuditLogStore{col: s.db.Collection(auditLogsCollection)}
}

// Movements returns the movement dedup store.
func (s *Store) Movements() *MovementStore {
	return &MovementStore{col: s.db.Collection(movementsCollection)}
}

// Workers returns the worker registry.
func (s *Store) Workers() *WorkerStore {
	return &WorkerStore{col: s.db.Collection(workersCollection)}
}

// Ping verifies the store is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.client.Ping(ctx, readpref.Primary()))
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	// Unique hash index is what makes duplicate ingestion impossible even
	// under concurrent inserts.
	_, err := s.db.Collection(movementsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "hash_unica", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create movement hash index: %w", err)
	}

	_, err = s.db.Collection(tasksCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "topic", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "worker_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create task indexes: %w", err)
	}

	_, err = s.db.Collection(auditLogsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "lote_id", Value: 1}}},
		{Keys: bson.D{{Key: "ultima_tentativa", Value: -1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit log indexes: %w", err)
	}

	return nil
}
