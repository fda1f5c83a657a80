package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/broker"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/config"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/gateway"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/metrics"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/processor"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/store"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting task gateway", "version", version)

	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Document store: single source of truth for task state.
	db, err := store.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		slog.Error("failed to connect to document store", "error", err)
		os.Exit(1)
	}
	defer db.Close(context.Background())

	m := metrics.New()

	// Topic processors. Registered explicitly here; nothing is global.
	registry := processor.NewRegistry()
	registry.Register("say_hello", processor.SayHello())
	registry.Register("ingest_movimentacao", processor.NewMovementIngestor(db.Movements(), db.AuditLogs()))

	// Worker identity, registered with heartbeats.
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	workerID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])

	worker := &store.Worker{
		ID:            workerID,
		Hostname:      hostname,
		PrefetchCount: cfg.PrefetchCount,
		Version:       version,
	}
	if err := db.Workers().Register(ctx, worker); err != nil {
		slog.Error("failed to register worker", "error", err)
		os.Exit(1)
	}
	defer db.Workers().Deregister(context.Background(), workerID)
	go heartbeatLoop(ctx, db.Workers(), workerID, cfg)

	// Broker adapter: consumes topic queues, publishes results.
	adapter := broker.New(broker.Options{
		URL:           cfg.RabbitMQURL,
		ExchangeName:  cfg.ExchangeName,
		QueuePrefix:   cfg.QueuePrefix,
		PrefetchCount: cfg.PrefetchCount,
		Topics:        cfg.Topics,
		TaskTimeout:   cfg.TaskTimeout,
		RetryLimit:    cfg.RetryLimit,
		RetryDelay:    cfg.RetryDelay,
		MessageTTL:    cfg.MessageTTL,
	}, db.Tasks(), registry, m)

	if err := adapter.Connect(ctx); err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	// HTTP gateway.
	server := gateway.NewServer(gateway.Options{
		Tasks:       db.Tasks(),
		Audit:       db.AuditLogs(),
		Broker:      adapter,
		DB:          db,
		Registry:    registry,
		Metrics:     m,
		WorkerID:    workerID,
		Version:     version,
		RetryLimit:  cfg.RetryLimit,
		TaskTimeout: cfg.TaskTimeout,
	})

	httpServer := &http.Server{
		Addr:    cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		slog.Info("gateway listening", "addr", cfg.Port, "topics", cfg.Topics)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := adapter.Close(); err != nil {
		slog.Error("broker shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

// heartbeatLoop keeps the worker record fresh and lets this instance clean
// up records of workers that died without deregistering.
func heartbeatLoop(ctx context.Context, workers *store.WorkerStore, workerID string, cfg *config.Config) {
	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	cleanup := time.NewTicker(cfg.WorkerTimeout * 2)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := workers.Heartbeat(ctx, workerID); err != nil {
				slog.Error("heartbeat failed", "worker_id", workerID, "error", err)
			}
		case <-cleanup.C:
			if _, err := workers.CleanupDeadWorkers(ctx, cfg.WorkerTimeout, workerID); err != nil {
				slog.Error("cleanup dead workers failed", "error", err)
			}
		}
	}
}
