package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/movement"
	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// setupTestStore connects to a throwaway test database and returns a cleanup
// function that drops it.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	uri := os.Getenv("TEST_MONGO_URL")
	if uri == "" {
		t.Skip("TEST_MONGO_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbName := fmt.Sprintf("gateway_test_%d", time.Now().UnixNano())
	s, err := Connect(ctx, uri, dbName)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.db.Drop(ctx)
		s.Close(ctx)
	}
	return s, cleanup
}

func TestTaskCreateIdempotent(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	ts := s.Tasks()

	first, err := ts.Create(ctx, "t1", "worker-1", "say_hello", map[string]interface{}{"name": "Ana"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first.Status != tasks.StatusInProgress {
		t.Errorf("new task should be in_progress, got %s", first.Status)
	}

	// Same id while in flight: no-op, same task back.
	second, err := ts.Create(ctx, "t1", "worker-2", "other_topic", nil)
	if err != nil {
		t.Fatalf("duplicate Create should be idempotent, got: %v", err)
	}
	if second.Topic != "say_hello" || second.WorkerID != "worker-1" {
		t.Errorf("duplicate Create must not overwrite the existing task: %+v", second)
	}

	// Terminal tasks reject re-creation.
	if err := ts.RecordResult(ctx, "t1", true, map[string]interface{}{"ok": true}, "", 12); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if _, err := ts.Create(ctx, "t1", "worker-1", "say_hello", nil); !errors.Is(err, ErrConflict) {
		t.Errorf("Create on completed task should return ErrConflict, got: %v", err)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	ts := s.Tasks()

	if _, err := ts.Create(ctx, "t1", "w", "say_hello", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := ts.UpdateStatus(ctx, "t1", tasks.StatusWaiting, "queued", ""); err != nil {
		t.Fatalf("in_progress -> waiting should be allowed: %v", err)
	}

	// Terminal transition sets completed_at exactly once.
	if err := ts.UpdateStatus(ctx, "t1", tasks.StatusSuccess, "", ""); err != nil {
		t.Fatalf("waiting -> success should be allowed: %v", err)
	}
	task, err := ts.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at must be set on terminal transition")
	}

	// success is final.
	err = ts.UpdateStatus(ctx, "t1", tasks.StatusInProgress, "", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("success -> in_progress should return ErrInvalidTransition, got: %v", err)
	}
}

func TestTaskMarkRetry(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	ts := s.Tasks()

	if _, err := ts.Create(ctx, "t1", "w", "say_hello", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Only failed tasks re-enter.
	if _, err := ts.MarkRetry(ctx, "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("retry of in-flight task should return ErrInvalidTransition, got: %v", err)
	}

	if err := ts.RecordResult(ctx, "t1", false, nil, "boom", 5); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	task, err := ts.MarkRetry(ctx, "t1")
	if err != nil {
		t.Fatalf("MarkRetry failed: %v", err)
	}
	if task.Status != tasks.StatusInProgress {
		t.Errorf("retried task should be in_progress, got %s", task.Status)
	}
	if task.Retries != 1 {
		t.Errorf("retry counter should be 1, got %d", task.Retries)
	}
	if task.CompletedAt != nil {
		t.Error("completed_at must be cleared on retry")
	}
	if task.ErrorMessage != "" {
		t.Errorf("error_message must be cleared on retry, got %q", task.ErrorMessage)
	}
}

func TestMovementDedup(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	ms := s.Movements()

	m, err := movement.New(
		"0001234-56.2024.8.26.0100",
		"15/03/2024",
		"Intimação da parte autora.",
		"TJSP",
		movement.SourceDW,
	)
	if err != nil {
		t.Fatalf("movement.New failed: %v", err)
	}
	if err := ms.Insert(ctx, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Same content hashes identically and hits the unique index.
	dup, err := movement.New(
		"  0001234-56.2024.8.26.0100 ",
		"15/03/2024",
		"Intimação da parte autora.",
		"tjsp",
		movement.SourceManual,
	)
	if err != nil {
		t.Fatalf("movement.New failed: %v", err)
	}
	if err := ms.Insert(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate hash should return ErrDuplicate, got: %v", err)
	}

	exists, err := ms.Exists(ctx, m.HashUnica)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("inserted hash should exist")
	}
	exists, err = ms.Exists(ctx, "nope")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("unknown hash should not exist")
	}
}

func TestAuditRecordAttempt(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	as := s.AuditLogs()

	log, err := as.RecordAttempt(ctx, "pub-1", "lote-1", Attempt{
		Status:    AttemptFalhaWebjur,
		DuracaoMS: 100,
	}, nil)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if log.TotalTentativas != 1 || log.Tentativas[0].NumeroTentativa != 1 {
		t.Errorf("first attempt should be numbered 1: %+v", log)
	}
	if log.MarcadaComSucesso {
		t.Error("failed attempt must not mark success")
	}

	log, err = as.RecordAttempt(ctx, "pub-1", "", Attempt{
		Status:    AttemptSucesso,
		DuracaoMS: 50,
	}, nil)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if log.TotalTentativas != 2 || len(log.Tentativas) != 2 {
		t.Errorf("expected 2 attempts, got %+v", log)
	}
	if log.Tentativas[1].NumeroTentativa != 2 {
		t.Errorf("second attempt should be numbered 2, got %d", log.Tentativas[1].NumeroTentativa)
	}
	if !log.MarcadaComSucesso || log.SucessoEm == nil {
		t.Error("success attempt must set the success flag and timestamp")
	}
	if log.StatusAtual != AttemptSucesso {
		t.Errorf("status_atual should follow the latest attempt, got %s", log.StatusAtual)
	}
	if log.DuracaoTotalMS != 150 {
		t.Errorf("total duration should accumulate, got %d", log.DuracaoTotalMS)
	}
	if log.LoteID != "lote-1" {
		t.Errorf("lote_id should survive an attempt without one, got %q", log.LoteID)
	}
}

func TestAuditRecordAttemptConcurrent(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	as := s.AuditLogs()

	// Concurrent markers for the same publication must not drop attempts.
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := as.RecordAttempt(ctx, "pub-1", "lote-1", Attempt{
				Status:    AttemptFalhaWebjur,
				DuracaoMS: 1,
			}, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	log, err := as.Get(ctx, "pub-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if log.TotalTentativas != writers || len(log.Tentativas) != writers {
		t.Errorf("expected %d attempts, got total=%d len=%d",
			writers, log.TotalTentativas, len(log.Tentativas))
	}
	for i, a := range log.Tentativas {
		if a.NumeroTentativa != i+1 {
			t.Errorf("attempt %d numbered %d, numbering must be gapless", i, a.NumeroTentativa)
		}
	}
	if log.DuracaoTotalMS != writers {
		t.Errorf("expected accumulated duration %d, got %d", writers, log.DuracaoTotalMS)
	}
}

func TestAuditQueryAndStats(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	as := s.AuditLogs()

	for i := 0; i < 3; i++ {
		status := AttemptSucesso
		if i == 0 {
			status = AttemptFalhaWebjur
		}
		_, err := as.RecordAttempt(ctx, fmt.Sprintf("pub-%d", i), "lote-1", Attempt{
			Status:    status,
			DuracaoMS: 10,
		}, nil)
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	total, logs, stats, err := as.Query(ctx, QueryFilter{LoteID: "lote-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 3 || len(logs) != 3 {
		t.Errorf("expected 3 logs, got total=%d len=%d", total, len(logs))
	}
	if stats.Sucessos != 2 || stats.Falhas != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	total, logs, _, err = as.Query(ctx, QueryFilter{LoteID: "lote-1", FailuresOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 1 || len(logs) != 1 || logs[0].CodPublicacao != "pub-0" {
		t.Errorf("failures_only should match only pub-0, got total=%d logs=%+v", total, logs)
	}

	loteStats, err := as.StatsForLote(ctx, "lote-1")
	if err != nil {
		t.Fatalf("StatsForLote failed: %v", err)
	}
	if loteStats.Total != 3 || loteStats.Sucessos != 2 {
		t.Errorf("unexpected lote stats: %+v", loteStats)
	}
}

func TestWorkerRegistry(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	ws := s.Workers()

	worker := &Worker{ID: "w1", Hostname: "host-a", PrefetchCount: 5, Version: "test"}
	if err := ws.Register(ctx, worker); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ws.Heartbeat(ctx, "w1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := ws.Heartbeat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat for unknown worker should return ErrNotFound, got: %v", err)
	}

	active, err := ws.ActiveWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ActiveWorkers failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "w1" {
		t.Errorf("expected w1 active, got %+v", active)
	}

	// A worker with an old heartbeat gets swept, the current one survives.
	stale := &Worker{ID: "w2", Hostname: "host-b"}
	if err := ws.Register(ctx, stale); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	removed, err := ws.CleanupDeadWorkers(ctx, 10*time.Millisecond, "w1")
	if err != nil {
		t.Fatalf("CleanupDeadWorkers failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 dead worker removed, got %d", removed)
	}
}

func TestQueryFilterToBSON(t *testing.T) {
	if got := (QueryFilter{}).toBSON(); len(got) != 0 {
		t.Errorf("empty filter should produce empty bson, got %v", got)
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	f := QueryFilter{
		CodPublicacao: "pub-1",
		LoteID:        "lote-1",
		Status:        AttemptSucesso,
		From:          from,
		To:            to,
		FailuresOnly:  true,
	}
	got := f.toBSON()

	if got["_id"] != "pub-1" || got["lote_id"] != "lote-1" {
		t.Errorf("unexpected id filters: %v", got)
	}
	if got["status_atual"] != AttemptSucesso {
		t.Errorf("unexpected status filter: %v", got["status_atual"])
	}
	if got["marcada_com_sucesso"] != false {
		t.Errorf("failures_only should filter on the success flag: %v", got)
	}
	timeRange, ok := got["ultima_tentativa"].(bson.M)
	if !ok || !timeRange["$gte"].(time.Time).Equal(from) || !timeRange["$lte"].(time.Time).Equal(to) {
		t.Errorf("unexpected time range: %v", got["ultima_tentativa"])
	}
}

func TestValidAttemptStatus(t *testing.T) {
	for _, valid := range []string{"pendente", "sucesso", "falha_webjur", "falha_mongodb",
		"falha_timeout", "falha_validacao", "erro_interno"} {
		if !ValidAttemptStatus(valid) {
			t.Errorf("%q should be a valid status", valid)
		}
	}
	for _, invalid := range []string{"", "ok", "SUCESSO", "done"} {
		if ValidAttemptStatus(invalid) {
			t.Errorf("%q should not be a valid status", invalid)
		}
	}
}
