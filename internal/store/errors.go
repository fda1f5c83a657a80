package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the document exists in a state that forbids the
	// requested operation (e.g. re-creating a task that already succeeded).
	ErrConflict = errors.New("conflict")

	// ErrDuplicate means a dedup-index collision: the record was already
	// ingested.
	ErrDuplicate = errors.New("duplicate record")

	// ErrUnavailable means the document store could not be reached. Callers
	// treat it as retryable (HTTP 503).
	ErrUnavailable = errors.New("document store unavailable")

	// ErrInvalidTransition means the requested status change is not allowed
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// mapErr classifies driver errors. Connectivity problems become
// ErrUnavailable so the caller can surface a retryable failure instead of
// silently dropping the update.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
