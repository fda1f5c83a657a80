package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Worker is one gateway instance consuming task queues.
type Worker struct {
	ID            string    `bson:"_id" json:"id"`
	Hostname      string    `bson:"hostname" json:"hostname"`
	PrefetchCount int       `bson:"prefetch_count" json:"prefetch_count"`
	Version       string    `bson:"version" json:"version"`
	StartedAt     time.Time `bson:"started_at" json:"started_at"`
	LastHeartbeat time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
}

// WorkerStore handles worker registration and heartbeats.
type WorkerStore struct {
	col *mongo.Collection
}

// Register upserts a worker record.
func (ws *WorkerStore) Register(ctx context.Context, worker *Worker) error {
	now := time.Now().UTC()
	_, err := ws.col.UpdateOne(ctx,
		bson.M{"_id": worker.ID},
		bson.M{
			"$set": bson.M{
				"hostname":       worker.Hostname,
				"prefetch_count": worker.PrefetchCount,
				"version":        worker.Version,
				"last_heartbeat": now,
			},
			"$setOnInsert": bson.M{"started_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return mapErr("register worker", err)
	}

	slog.Info("worker registered", "worker_id", worker.ID, "hostname", worker.Hostname)
	return nil
}

// Heartbeat bumps the worker's last heartbeat timestamp.
func (ws *WorkerStore) Heartbeat(ctx context.Context, workerID string) error {
	res, err := ws.col.UpdateOne(ctx,
		bson.M{"_id": workerID},
		bson.M{"$set": bson.M{"last_heartbeat": time.Now().UTC()}},
	)
	if err != nil {
		return mapErr("worker heartbeat", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("worker heartbeat: %s: %w", workerID, ErrNotFound)
	}

	slog.Debug("heartbeat sent", "worker_id", workerID)
	return nil
}

// Deregister removes a worker record.
func (ws *WorkerStore) Deregister(ctx context.Context, workerID string) error {
	if _, err := ws.col.DeleteOne(ctx, bson.M{"_id": workerID}); err != nil {
		return mapErr("deregister worker", err)
	}

	slog.Info("worker deregistered", "worker_id", workerID)
	return nil
}

// ActiveWorkers returns workers whose heartbeat is within the timeout.
func (ws *WorkerStore) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]Worker, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	cursor, err := ws.col.Find(ctx,
		bson.M{"last_heartbeat": bson.M{"$gt": cutoff}},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}),
	)
	if err != nil {
		return nil, mapErr("list active workers", err)
	}
	defer cursor.Close(ctx)

	var workers []Worker
	if err := cursor.All(ctx, &workers); err != nil {
		return nil, mapErr("decode workers", err)
	}
	return workers, nil
}

// CleanupDeadWorkers removes workers that stopped heartbeating.
func (ws *WorkerStore) CleanupDeadWorkers(ctx context.Context, timeout time.Duration, currentWorkerID string) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := ws.col.DeleteMany(ctx, bson.M{
		"last_heartbeat": bson.M{"$lt": cutoff},
		"_id":            bson.M{"$ne": currentWorkerID},
	})
	if err != nil {
		return 0, mapErr("cleanup dead workers", err)
	}

	if res.DeletedCount > 0 {
		slog.Warn("cleaned up dead workers", "count", res.DeletedCount)
	}
	return int(res.DeletedCount), nil
}
