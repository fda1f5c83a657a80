package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/movement"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/store"
	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// MovementInserter is the dedup-index slice of the store.
type MovementInserter interface {
	Insert(ctx context.Context, m *movement.Movement) error
}

// AttemptRecorder is the audit-log slice of the store.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, codPublicacao, loteID string, attempt store.Attempt, publicacao map[string]interface{}) (*store.MarkingLog, error)
}

// MovementIngestor handles the ingest_movimentacao topic: validate the
// record, compute its content hash, consult the dedup index and either
// persist or discard, recording a marking attempt either way.
type MovementIngestor struct {
	movements MovementInserter
	audit     AttemptRecorder
}

// NewMovementIngestor wires the ingestion processor.
func NewMovementIngestor(movements MovementInserter, audit AttemptRecorder) *MovementIngestor {
	return &MovementIngestor{movements: movements, audit: audit}
}

// Process implements Processor.
func (p *MovementIngestor) Process(ctx context.Context, task *tasks.Task) Result {
	start := time.Now()

	codPublicacao := stringVar(task, "cod_publicacao")
	loteID := stringVar(task, "lote_id")

	fonte, err := movement.ParseSource(stringVar(task, "fonte"))
	if err != nil {
		p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptFalhaValidacao, err, start, nil)
		return Fail(KindValidation, err, time.Since(start))
	}

	m, err := movement.New(
		stringVar(task, "numero_processo"),
		stringVar(task, "data_publicacao"),
		stringVar(task, "texto_publicacao"),
		stringVar(task, "tribunal"),
		fonte,
	)
	if err != nil {
		// Both bad hash inputs and format failures are permanent.
		p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptFalhaValidacao, err, start, nil)
		return Fail(KindValidation, err, time.Since(start))
	}
	m.TextoLimpo = stringVar(task, "texto_limpo")
	m.Instancia = stringVar(task, "instancia")

	if err := p.movements.Insert(ctx, m); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			// Duplicates are a normal outcome: the record was already
			// ingested under the same content hash.
			p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptSucesso, nil, start,
				map[string]interface{}{"duplicada": true, "hash_unica": m.HashUnica})
			return Ok(map[string]interface{}{
				"duplicada":  true,
				"hash_unica": m.HashUnica,
			}, time.Since(start))
		case errors.Is(err, store.ErrUnavailable):
			p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptFalhaMongoDB, err, start, nil)
			return Fail(KindTransient, err, time.Since(start))
		default:
			p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptErroInterno, err, start, nil)
			return Fail(KindBusiness, err, time.Since(start))
		}
	}

	p.recordAttempt(ctx, codPublicacao, loteID, store.AttemptSucesso, nil, start,
		map[string]interface{}{"hash_unica": m.HashUnica})

	return Ok(map[string]interface{}{
		"duplicada":  false,
		"hash_unica": m.HashUnica,
	}, time.Since(start))
}

// recordAttempt logs the marking attempt. Best-effort: a failure to write
// the audit entry never changes the processing outcome.
func (p *MovementIngestor) recordAttempt(ctx context.Context, codPublicacao, loteID string, status store.AttemptStatus, cause error, start time.Time, detalhes map[string]interface{}) {
	if codPublicacao == "" {
		return
	}

	attempt := store.Attempt{
		Timestamp: time.Now().UTC(),
		Status:    status,
		DuracaoMS: time.Since(start).Milliseconds(),
		Detalhes:  detalhes,
	}
	if cause != nil {
		attempt.ErrorMessage = cause.Error()
	}

	if _, err := p.audit.RecordAttempt(ctx, codPublicacao, loteID, attempt, nil); err != nil {
		slog.Warn("failed to record marking attempt",
			"cod_publicacao", codPublicacao,
			"status", status,
			"error", err)
	}
}

func stringVar(task *tasks.Task, key string) string {
	v, _ := task.Variables[key].(string)
	return v
}
