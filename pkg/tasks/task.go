package tasks

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task. The set is closed: anything
// outside these four values is rejected at construction time.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// transitions holds the allowed status moves. Terminal states only leave
// through an explicit retry, which re-enters in_progress.
var transitions = map[Status][]Status{
	StatusInProgress: {StatusWaiting, StatusSuccess, StatusError},
	StatusWaiting:    {StatusInProgress, StatusSuccess, StatusError},
	StatusSuccess:    {},
	StatusError:      {StatusInProgress},
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInProgress, StatusWaiting, StatusSuccess, StatusError:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether a move from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ProcessingStep is one timestamped note in a task's audit trail.
// Steps are append-only; prior entries are never removed or reordered.
type ProcessingStep struct {
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Description string    `bson:"description" json:"description"`
}

// Task is a unit of asynchronous work tracked through the status lifecycle.
// The task_id is assigned by the submitting worker and stays stable across
// retries; a retry mutates the same document instead of creating a new one.
type Task struct {
	ID        string                 `bson:"_id" json:"task_id"`
	WorkerID  string                 `bson:"worker_id" json:"worker_id"`
	Topic     string                 `bson:"topic" json:"topic"`
	Status    Status                 `bson:"status" json:"status"`
	Substatus string                 `bson:"substatus,omitempty" json:"substatus,omitempty"`
	Variables map[string]interface{} `bson:"variables" json:"variables"`

	Result       map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
	ErrorMessage string                 `bson:"error_message,omitempty" json:"error_message,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	LastUpdated time.Time  `bson:"last_updated" json:"last_updated"`

	Retries          int              `bson:"retries" json:"retries"`
	ProcessingSteps  []ProcessingStep `bson:"processing_steps,omitempty" json:"processing_steps,omitempty"`
	WorkerVersion    string           `bson:"worker_version,omitempty" json:"worker_version,omitempty"`
	ProcessingTimeMS int64            `bson:"processing_time_ms,omitempty" json:"processing_time_ms,omitempty"`
}

// Retryable reports whether the task may re-enter the lifecycle.
// Only failed tasks with retry budget left qualify.
func (t *Task) Retryable(retryLimit int) bool {
	return t.Status == StatusError && t.Retries < retryLimit
}
