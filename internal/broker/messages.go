package broker

import (
	"time"
)

// Submission is the queue wire contract for a submitted task. The same
// fields also travel as message headers so operators can route and inspect
// without parsing the body.
type Submission struct {
	TaskID    string                 `json:"task_id"`
	WorkerID  string                 `json:"worker_id"`
	Topic     string                 `json:"topic"`
	Variables map[string]interface{} `json:"variables"`
	Timestamp time.Time              `json:"timestamp"`
}

// ResultMessage is delivered to the submitting worker's result queue.
type ResultMessage struct {
	TaskID    string                 `json:"task_id"`
	Result    map[string]interface{} `json:"result"`
	Timestamp time.Time              `json:"timestamp"`
}

// Header keys carried on every task message.
const (
	headerTaskID    = "task_id"
	headerWorkerID  = "worker_id"
	headerTopic     = "topic"
	headerTimestamp = "timestamp"
)
