// Package processor holds the topic-specific business logic executed for
// each task. The broker adapter and the store are topic-agnostic; this is
// the only place a topic's meaning lives.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// FailureKind classifies a processing failure so the broker adapter can
// decide message disposition without inspecting error text.
type FailureKind string

const (
	// KindNone means the attempt succeeded.
	KindNone FailureKind = ""

	// KindValidation means the input can never succeed; no retry.
	KindValidation FailureKind = "validation"

	// KindTransient means infrastructure was unavailable; retry up to the
	// configured limit.
	KindTransient FailureKind = "transient"

	// KindPoison means the message itself is undeserializable; discard.
	KindPoison FailureKind = "poison"

	// KindBusiness means the topic logic failed; retry per delivery count.
	KindBusiness FailureKind = "business"
)

// Retryable reports whether a failure of this kind may be redelivered.
func (k FailureKind) Retryable() bool {
	return k == KindTransient || k == KindBusiness
}

// Result is the outcome of one processing attempt.
type Result struct {
	Success      bool
	Payload      map[string]interface{}
	ErrorMessage string
	Kind         FailureKind
	Elapsed      time.Duration
}

// Ok builds a successful result.
func Ok(payload map[string]interface{}, elapsed time.Duration) Result {
	return Result{Success: true, Payload: payload, Elapsed: elapsed}
}

// Fail builds a failed result of the given kind.
func Fail(kind FailureKind, err error, elapsed time.Duration) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{ErrorMessage: msg, Kind: kind, Elapsed: elapsed}
}

// Processor executes the business action for one topic.
type Processor interface {
	Process(ctx context.Context, task *tasks.Task) Result
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, task *tasks.Task) Result

// Process implements Processor.
func (f Func) Process(ctx context.Context, task *tasks.Task) Result {
	return f(ctx, task)
}

// Registry maps topics to their processors. Built once at startup and
// passed where needed; no package-level registration.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

// Register binds a processor to a topic, replacing any previous binding.
func (r *Registry) Register(topic string, p Processor) {
	r.mu.Lock()
	r.procs[topic] = p
	r.mu.Unlock()

	slog.Info("processor registered", "topic", topic)
}

// Get returns the processor for a topic.
func (r *Registry) Get(topic string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.procs[topic]
	if !ok {
		return nil, fmt.Errorf("no processor registered for topic %q", topic)
	}
	return p, nil
}

// Topics returns the registered topics, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.procs))
	for t := range r.procs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
