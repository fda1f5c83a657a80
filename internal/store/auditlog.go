package store

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AttemptStatus is the outcome of one marking attempt.
type AttemptStatus string

const (
	AttemptPendente       AttemptStatus = "pendente"
	AttemptSucesso        AttemptStatus = "sucesso"
	AttemptFalhaWebjur    AttemptStatus = "falha_webjur"
	AttemptFalhaMongoDB   AttemptStatus = "falha_mongodb"
	AttemptFalhaTimeout   AttemptStatus = "falha_timeout"
	AttemptFalhaValidacao AttemptStatus = "falha_validacao"
	AttemptErroInterno    AttemptStatus = "erro_interno"
)

// Attempt records a single marking attempt for a publication.
type Attempt struct {
	NumeroTentativa int                    `bson:"numero_tentativa" json:"numero_tentativa"`
	Timestamp       time.Time              `bson:"timestamp" json:"timestamp"`
	Status          AttemptStatus          `bson:"status" json:"status"`
	DuracaoMS       int64                  `bson:"duracao_ms" json:"duracao_ms"`
	ErrorMessage    string                 `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Detalhes        map[string]interface{} `bson:"detalhes,omitempty" json:"detalhes,omitempty"`
}

// MarkingLog is the append-only attempt history for one publication code.
// Only status_atual and the aggregate counters mutate; past attempts never
// change.
type MarkingLog struct {
	CodPublicacao     string                 `bson:"_id" json:"cod_publicacao"`
	LoteID            string                 `bson:"lote_id,omitempty" json:"lote_id,omitempty"`
	StatusAtual       AttemptStatus          `bson:"status_atual" json:"status_atual"`
	Tentativas        []Attempt              `bson:"tentativas" json:"tentativas"`
	MarcadaComSucesso bool                   `bson:"marcada_com_sucesso" json:"marcada_com_sucesso"`
	PrimeiraTentativa time.Time              `bson:"primeira_tentativa" json:"primeira_tentativa"`
	UltimaTentativa   time.Time              `bson:"ultima_tentativa" json:"ultima_tentativa"`
	SucessoEm         *time.Time             `bson:"sucesso_em,omitempty" json:"sucesso_em,omitempty"`
	TotalTentativas   int                    `bson:"total_tentativas" json:"total_tentativas"`
	DuracaoTotalMS    int64                  `bson:"duracao_total_ms" json:"duracao_total_ms"`
	Publicacao        map[string]interface{} `bson:"publicacao,omitempty" json:"publicacao,omitempty"`
}

// QueryFilter narrows an audit log query. Zero values mean "no filter".
type QueryFilter struct {
	CodPublicacao string
	LoteID        string
	Status        AttemptStatus
	From          time.Time
	To            time.Time
	FailuresOnly  bool
	Offset        int64
	Limit         int64
}

// QueryStats aggregates over the full (unpaginated) filter match.
type QueryStats struct {
	Total          int64 `json:"total"`
	Sucessos       int64 `json:"sucessos"`
	Falhas         int64 `json:"falhas"`
	DuracaoTotalMS int64 `json:"duracao_total_ms"`
}

// LoteStats aggregates marking outcomes for one batch.
type LoteStats struct {
	LoteID         string `json:"lote_id"`
	Total          int64  `json:"total"`
	Sucessos       int64  `json:"sucessos"`
	Falhas         int64  `json:"falhas"`
	DuracaoTotalMS int64  `json:"duracao_total_ms"`
}

// maxQueryLimit caps a single page so one query cannot overwhelm the API
// layer.
const maxQueryLimit = 1000

// AuditLogStore persists marking-attempt logs.
type AuditLogStore struct {
	col *mongo.Collection
}

// RecordAttempt appends an attempt to the log for a publication, creating
// the log on the first attempt. Attempt numbering and the aggregates are
// maintained here, never by callers.
func (as *AuditLogStore) RecordAttempt(ctx context.Context, codPublicacao, loteID string, attempt Attempt, publicacao map[string]interface{}) (*MarkingLog, error) {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	// Concurrent markers for the same publication race on the attempt list.
	// The write is guarded by the attempt count it was derived from; losing
	// the race re-reads and re-applies, so no attempt is ever dropped.
	for {
		if err := ctx.Err(); err != nil {
			return nil, mapErr("record marking attempt", err)
		}

		var log MarkingLog
		err := as.col.FindOne(ctx, bson.M{"_id": codPublicacao}).Decode(&log)
		if err != nil && err != mongo.ErrNoDocuments {
			return nil, mapErr("load marking log", err)
		}

		next := attempt
		if err == mongo.ErrNoDocuments {
			next.NumeroTentativa = 1
			log = MarkingLog{
				CodPublicacao:     codPublicacao,
				LoteID:            loteID,
				Tentativas:        []Attempt{next},
				PrimeiraTentativa: next.Timestamp,
				Publicacao:        publicacao,
			}
			log.applyAttempt(next)

			if _, err := as.col.InsertOne(ctx, log); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					// Lost the creation race; append to the winner's log.
					continue
				}
				return nil, mapErr("record marking attempt", err)
			}
			logAttemptRecorded(codPublicacao, next)
			return &log, nil
		}

		prior := log.TotalTentativas
		next.NumeroTentativa = len(log.Tentativas) + 1
		log.Tentativas = append(log.Tentativas, next)
		if loteID != "" {
			log.LoteID = loteID
		}
		if publicacao != nil {
			log.Publicacao = publicacao
		}
		log.applyAttempt(next)

		res, err := as.col.ReplaceOne(ctx,
			bson.M{"_id": codPublicacao, "total_tentativas": prior}, log)
		if err != nil {
			return nil, mapErr("record marking attempt", err)
		}
		if res.MatchedCount == 0 {
			// A concurrent append won; re-read and retry.
			continue
		}
		logAttemptRecorded(codPublicacao, next)
		return &log, nil
	}
}

// applyAttempt folds one attempt into the aggregates. The invariants
// (total == len(tentativas), success flag iff a sucesso attempt exists,
// sucesso_em set once) hold by construction.
func (log *MarkingLog) applyAttempt(attempt Attempt) {
	log.StatusAtual = attempt.Status
	log.UltimaTentativa = attempt.Timestamp
	log.TotalTentativas = len(log.Tentativas)
	log.DuracaoTotalMS += attempt.DuracaoMS
	if attempt.Status == AttemptSucesso {
		log.MarcadaComSucesso = true
		if log.SucessoEm == nil {
			t := attempt.Timestamp
			log.SucessoEm = &t
		}
	}
}

func logAttemptRecorded(codPublicacao string, attempt Attempt) {
	slog.Info("marking attempt recorded",
		"cod_publicacao", codPublicacao,
		"tentativa", attempt.NumeroTentativa,
		"status", attempt.Status)
}

// Get fetches the marking log for one publication.
func (as *AuditLogStore) Get(ctx context.Context, codPublicacao string) (*MarkingLog, error) {
	var log MarkingLog
	if err := as.col.FindOne(ctx, bson.M{"_id": codPublicacao}).Decode(&log); err != nil {
		return nil, mapErr("get marking log", err)
	}
	return &log, nil
}

// Query returns the total match count, one page of logs and aggregate stats.
// Logs come back most-recent-attempt first; ties break by publication code
// ascending so pagination is deterministic.
func (as *AuditLogStore) Query(ctx context.Context, f QueryFilter) (int64, []MarkingLog, *QueryStats, error) {
	filter := f.toBSON()

	total, err := as.col.CountDocuments(ctx, filter)
	if err != nil {
		return 0, nil, nil, mapErr("count marking logs", err)
	}

	limit := f.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "ultima_tentativa", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(offset).
		SetLimit(limit)

	cursor, err := as.col.Find(ctx, filter, opts)
	if err != nil {
		return 0, nil, nil, mapErr("query marking logs", err)
	}
	defer cursor.Close(ctx)

	var logs []MarkingLog
	if err := cursor.All(ctx, &logs); err != nil {
		return 0, nil, nil, mapErr("decode marking logs", err)
	}

	stats, err := as.aggregate(ctx, filter)
	if err != nil {
		return 0, nil, nil, err
	}

	return total, logs, stats, nil
}

// StatsForLote aggregates marking outcomes for one batch.
func (as *AuditLogStore) StatsForLote(ctx context.Context, loteID string) (*LoteStats, error) {
	stats, err := as.aggregate(ctx, bson.M{"lote_id": loteID})
	if err != nil {
		return nil, err
	}
	return &LoteStats{
		LoteID:         loteID,
		Total:          stats.Total,
		Sucessos:       stats.Sucessos,
		Falhas:         stats.Falhas,
		DuracaoTotalMS: stats.DuracaoTotalMS,
	}, nil
}

func (as *AuditLogStore) aggregate(ctx context.Context, filter bson.M) (*QueryStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": 1},
			"sucessos": bson.M{"$sum": bson.M{
				"$cond": bson.A{"$marcada_com_sucesso", 1, 0},
			}},
			"duracao_total_ms": bson.M{"$sum": "$duracao_total_ms"},
		}}},
	}

	cursor, err := as.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, mapErr("aggregate marking logs", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total          int64 `bson:"total"`
		Sucessos       int64 `bson:"sucessos"`
		DuracaoTotalMS int64 `bson:"duracao_total_ms"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapErr("decode marking log aggregate", err)
	}

	stats := &QueryStats{}
	if len(rows) > 0 {
		stats.Total = rows[0].Total
		stats.Sucessos = rows[0].Sucessos
		stats.Falhas = rows[0].Total - rows[0].Sucessos
		stats.DuracaoTotalMS = rows[0].DuracaoTotalMS
	}
	return stats, nil
}

func (f QueryFilter) toBSON() bson.M {
	filter := bson.M{}
	if f.CodPublicacao != "" {
		filter["_id"] = f.CodPublicacao
	}
	if f.LoteID != "" {
		filter["lote_id"] = f.LoteID
	}
	if f.Status != "" {
		filter["status_atual"] = f.Status
	}
	if f.FailuresOnly {
		filter["marcada_com_sucesso"] = false
	}

	timeRange := bson.M{}
	if !f.From.IsZero() {
		timeRange["$gte"] = f.From
	}
	if !f.To.IsZero() {
		timeRange["$lte"] = f.To
	}
	if len(timeRange) > 0 {
		filter["ultima_tentativa"] = timeRange
	}

	return filter
}

// ValidAttemptStatus reports whether s is one of the known outcomes.
func ValidAttemptStatus(s string) bool {
	switch AttemptStatus(s) {
	case AttemptPendente, AttemptSucesso, AttemptFalhaWebjur, AttemptFalhaMongoDB,
		AttemptFalhaTimeout, AttemptFalhaValidacao, AttemptErroInterno:
		return true
	}
	return false
}
