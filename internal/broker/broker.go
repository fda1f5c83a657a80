// Package broker is the RabbitMQ adapter: topology declaration, task and
// result publication, consumption with ack/requeue/dead-letter semantics,
// and automatic reconnection. The broker is a delivery mechanism only; task
// state lives in the document store.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/metrics"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/processor"
	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// ErrNotConnected is returned by publish operations while the broker link
// is down. Callers fail fast instead of blocking; the submission falls back
// to direct processing or surfaces a retryable error.
var ErrNotConnected = errors.New("broker not connected")

// TaskUpdater is the slice of the task store the consumer needs.
type TaskUpdater interface {
	Get(ctx context.Context, taskID string) (*tasks.Task, error)
	UpdateStatus(ctx context.Context, taskID string, status tasks.Status, substatus, errorMessage string) error
	AddProcessingStep(ctx context.Context, taskID, description string) error
	RecordResult(ctx context.Context, taskID string, success bool, result map[string]interface{}, errorMessage string, processingTimeMS int64) error
	IncrementRetries(ctx context.Context, taskID string) error
}

// Options configures the adapter.
type Options struct {
	URL           string
	ExchangeName  string
	QueuePrefix   string
	PrefetchCount int
	Topics        []string
	TaskTimeout   time.Duration
	RetryLimit    int
	RetryDelay    time.Duration
	MessageTTL    time.Duration
}

// Health is the adapter's state snapshot for the service health check. Not
// a substitute for message-level tracing.
type Health struct {
	Connected   bool `json:"connected"`
	Consuming   bool `json:"consuming"`
	QueuesBound int  `json:"queues_bound"`
}

// Adapter manages one connection, one channel and one consumer per topic
// queue.
type Adapter struct {
	opts     Options
	store    TaskUpdater
	registry *processor.Registry
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool
	consuming bool
	bound     int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an adapter. Connect starts the connection lifecycle.
func New(opts Options, store TaskUpdater, registry *processor.Registry, m *metrics.Metrics) *Adapter {
	return &Adapter{
		opts:     opts,
		store:    store,
		registry: registry,
		metrics:  m,
	}
}

// Connect dials the broker, declares topology and starts consuming. It then
// watches the connection and redials with backoff until ctx is cancelled,
// so transient broker outages heal without operator intervention.
func (a *Adapter) Connect(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.connect(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.supervise(ctx)
	return nil
}

func (a *Adapter) connect(ctx context.Context) error {
	conn, err := amqp.Dial(a.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(a.opts.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := a.declareTopology(ch); err != nil {
		conn.Close()
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.connected = true
	a.mu.Unlock()
	a.metrics.BrokerConnected.Set(1)

	for _, topic := range a.opts.Topics {
		if err := a.startConsumer(ctx, ch, topic); err != nil {
			conn.Close()
			return err
		}
	}

	a.mu.Lock()
	a.consuming = true
	a.mu.Unlock()

	slog.Info("broker connected",
		"exchange", a.opts.ExchangeName,
		"topics", a.opts.Topics,
		"prefetch", a.opts.PrefetchCount)
	return nil
}

// supervise redials after connection loss with linear backoff.
func (a *Adapter) supervise(ctx context.Context) {
	defer a.wg.Done()

	for {
		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closeCh:
			a.markDisconnected()
			if amqpErr != nil {
				slog.Error("broker connection lost", "error", amqpErr)
			}
		}

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := a.connect(ctx); err != nil {
				slog.Warn("broker reconnect failed", "error", err, "backoff", backoff)
				if backoff < 30*time.Second {
					backoff += time.Second
				}
				continue
			}
			slog.Info("broker reconnected")
			break
		}
	}
}

func (a *Adapter) markDisconnected() {
	a.mu.Lock()
	a.connected = false
	a.consuming = false
	a.bound = 0
	a.mu.Unlock()
	a.metrics.BrokerConnected.Set(0)
	a.metrics.QueuesBound.Set(0)
}

// declareTopology declares the exchange, dead-letter wiring and one durable
// queue per topic, bound by routing key <prefix>.submit.<topic>.
func (a *Adapter) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(a.opts.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	dlx := a.opts.ExchangeName + ".dlx"
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	dlq := a.opts.QueuePrefix + ".dead_letter"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	bound := 0
	for _, topic := range a.opts.Topics {
		queue := a.submitQueue(topic)
		args := amqp.Table{
			"x-dead-letter-exchange": dlx,
			"x-message-ttl":          a.opts.MessageTTL.Milliseconds(),
			"x-max-retries":          int32(a.opts.RetryLimit),
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, a.opts.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
		bound++
	}

	a.mu.Lock()
	a.bound = bound
	a.mu.Unlock()
	a.metrics.QueuesBound.Set(float64(bound))
	return nil
}

func (a *Adapter) submitQueue(topic string) string {
	return fmt.Sprintf("%s.submit.%s", a.opts.QueuePrefix, topic)
}

func (a *Adapter) resultQueue(workerID string) string {
	return fmt.Sprintf("%s.result.%s", a.opts.QueuePrefix, workerID)
}

// PublishTask publishes a submitted task to its topic queue. Fails fast
// with ErrNotConnected while the link is down.
func (a *Adapter) PublishTask(ctx context.Context, task *tasks.Task) error {
	a.mu.RLock()
	ch := a.ch
	connected := a.connected
	a.mu.RUnlock()

	if !connected || ch == nil {
		a.metrics.PublishFailures.WithLabelValues(task.Topic).Inc()
		return ErrNotConnected
	}

	now := time.Now().UTC()
	body, err := json.Marshal(Submission{
		TaskID:    task.ID,
		WorkerID:  task.WorkerID,
		Topic:     task.Topic,
		Variables: task.Variables,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	err = ch.PublishWithContext(ctx, a.opts.ExchangeName, a.submitQueue(task.Topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers: amqp.Table{
			headerTaskID:    task.ID,
			headerWorkerID:  task.WorkerID,
			headerTopic:     task.Topic,
			headerTimestamp: now.Format(time.RFC3339),
		},
	})
	if err != nil {
		a.metrics.PublishFailures.WithLabelValues(task.Topic).Inc()
		return fmt.Errorf("failed to publish task %s: %w", task.ID, err)
	}

	a.metrics.TasksSubmitted.WithLabelValues(task.Topic).Inc()
	slog.Info("task published", "task_id", task.ID, "topic", task.Topic)
	return nil
}

// PublishResult delivers a result to the submitting worker's queue,
// declared on demand and addressed through the default exchange.
func (a *Adapter) PublishResult(ctx context.Context, workerID, taskID string, result map[string]interface{}) error {
	a.mu.RLock()
	ch := a.ch
	connected := a.connected
	a.mu.RUnlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}

	queue := a.resultQueue(workerID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare result queue %s: %w", queue, err)
	}

	body, err := json.Marshal(ResultMessage{
		TaskID:    taskID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish result for task %s: %w", taskID, err)
	}

	slog.Info("result published", "task_id", taskID, "worker_id", workerID)
	return nil
}

// Health reports the adapter's connection state.
func (a *Adapter) Health() Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Health{
		Connected:   a.connected,
		Consuming:   a.consuming,
		QueuesBound: a.bound,
	}
}

// Close stops consuming and closes the connection.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.consuming = false
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.wg.Wait()

	slog.Info("broker adapter closed")
	return err
}
