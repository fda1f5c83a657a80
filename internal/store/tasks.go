package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// TaskStore persists the task state machine. Updates to a single task are
// serialized by the broker's at-most-one-in-flight delivery, so the store
// only needs atomic single-document updates, no locking.
type TaskStore struct {
	col *mongo.Collection
}

// Create inserts a new task with status in_progress. Submitting an id that
// is still in flight is idempotent and returns the existing task untouched.
// An id in a terminal state returns ErrConflict: success never restarts, and
// a failed task re-enters through MarkRetry, not Create.
func (ts *TaskStore) Create(ctx context.Context, taskID, workerID, topic string, variables map[string]interface{}) (*tasks.Task, error) {
	existing, err := ts.Get(ctx, taskID)
	if err == nil {
		if !existing.Status.Terminal() {
			slog.Info("task already in flight, submission is a no-op", "task_id", taskID)
			return existing, nil
		}
		return nil, fmt.Errorf("task %s already exists with status %s: %w", taskID, existing.Status, ErrConflict)
	}
	if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	task := &tasks.Task{
		ID:          taskID,
		WorkerID:    workerID,
		Topic:       topic,
		Status:      tasks.StatusInProgress,
		Variables:   variables,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if _, err := ts.col.InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost a race with a concurrent submission of the same id.
			return ts.Get(ctx, taskID)
		}
		return nil, mapErr("create task", err)
	}

	slog.Info("task created", "task_id", taskID, "topic", topic, "worker_id", workerID)
	return task, nil
}

// Get fetches a task by id.
func (ts *TaskStore) Get(ctx context.Context, taskID string) (*tasks.Task, error) {
	var task tasks.Task
	err := ts.col.FindOne(ctx, bson.M{"_id": taskID}).Decode(&task)
	if err != nil {
		return nil, mapErr("get task", err)
	}
	return &task, nil
}

// UpdateStatus transitions a task's status. The move is validated against
// the state machine; last_updated always advances, and completed_at is set
// exactly when entering a terminal state.
func (ts *TaskStore) UpdateStatus(ctx context.Context, taskID string, status tasks.Status, substatus, errorMessage string) error {
	task, err := ts.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status != status && !task.Status.CanTransition(status) {
		return fmt.Errorf("cannot move task %s from %s to %s: %w", taskID, task.Status, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":       status,
		"last_updated": now,
	}
	if substatus != "" {
		set["substatus"] = substatus
	}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}
	if status.Terminal() && task.CompletedAt == nil {
		set["completed_at"] = now
	}
	if status == tasks.StatusInProgress && task.StartedAt == nil {
		set["started_at"] = now
	}

	res, err := ts.col.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{"$set": set})
	if err != nil {
		return mapErr("update task status", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update task status: %w", ErrNotFound)
	}

	slog.Debug("task status updated", "task_id", taskID, "status", status, "substatus", substatus)
	return nil
}

// AddProcessingStep appends a timestamped note to the task's audit trail.
// Prior steps are never removed or reordered.
func (ts *TaskStore) AddProcessingStep(ctx context.Context, taskID, description string) error {
	step := tasks.ProcessingStep{Timestamp: time.Now().UTC(), Description: description}

	res, err := ts.col.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{
		"$push": bson.M{"processing_steps": step},
		"$set":  bson.M{"last_updated": step.Timestamp},
	})
	if err != nil {
		return mapErr("add processing step", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("add processing step: %w", ErrNotFound)
	}
	return nil
}

// RecordResult applies the terminal transition atomically with the result or
// error payload.
func (ts *TaskStore) RecordResult(ctx context.Context, taskID string, success bool, result map[string]interface{}, errorMessage string, processingTimeMS int64) error {
	status := tasks.StatusSuccess
	if !success {
		status = tasks.StatusError
	}

	task, err := ts.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != status && !task.Status.CanTransition(status) {
		return fmt.Errorf("cannot record result for task %s in status %s: %w", taskID, task.Status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":             status,
		"last_updated":       now,
		"processing_time_ms": processingTimeMS,
	}
	if task.CompletedAt == nil {
		set["completed_at"] = now
	}
	if result != nil {
		set["result"] = result
	}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}

	res, err := ts.col.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{"$set": set})
	if err != nil {
		return mapErr("record task result", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("record task result: %w", ErrNotFound)
	}

	slog.Info("task result recorded",
		"task_id", taskID,
		"status", status,
		"processing_time_ms", processingTimeMS)
	return nil
}

// MarkRetry re-enters a failed task into the lifecycle on the same document:
// status back to in_progress, retry counter bumped, completion cleared so
// the next terminal transition can set it again.
func (ts *TaskStore) MarkRetry(ctx context.Context, taskID string) (*tasks.Task, error) {
	task, err := ts.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != tasks.StatusError {
		return nil, fmt.Errorf("task %s has status %s, only failed tasks retry: %w", taskID, task.Status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	_, err = ts.col.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{
		"$set": bson.M{
			"status":       tasks.StatusInProgress,
			"last_updated": now,
			"started_at":   now,
		},
		"$unset": bson.M{"completed_at": "", "error_message": ""},
		"$inc":   bson.M{"retries": 1},
		"$push": bson.M{"processing_steps": tasks.ProcessingStep{
			Timestamp:   now,
			Description: fmt.Sprintf("retry requested (attempt %d)", task.Retries+2),
		}},
	})
	if err != nil {
		return nil, mapErr("mark task retry", err)
	}

	slog.Info("task re-entered for retry", "task_id", taskID, "retries", task.Retries+1)
	return ts.Get(ctx, taskID)
}

// IncrementRetries bumps the retry counter without changing status. Used by
// the consumer when a redelivered message is picked up again.
func (ts *TaskStore) IncrementRetries(ctx context.Context, taskID string) error {
	res, err := ts.col.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{
		"$inc": bson.M{"retries": 1},
		"$set": bson.M{"last_updated": time.Now().UTC()},
	})
	if err != nil {
		return mapErr("increment retries", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("increment retries: %w", ErrNotFound)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
