package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/processor"
	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// disposition is the consumer's decision for one delivery.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDiscard
)

// retryCountHeader carries the attempt count across requeue-republishes.
// The broker's own redelivery does not count attempts, and the store's
// retry counter can lag when a write fails, so the message itself is the
// primary carrier of the budget.
const retryCountHeader = "x-retry-count"

// deliveryRetryCount reads the stamped attempt count off a delivery.
// Zero for first deliveries and for messages published before stamping.
func deliveryRetryCount(d amqp.Delivery) int {
	switch v := d.Headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// decide maps a failure kind and the attempt history onto a message
// disposition. attemptsBefore counts failed attempts prior to this one;
// requeueing stops once the retry budget (initial attempt + retryLimit
// redeliveries) is spent.
func decide(kind processor.FailureKind, attemptsBefore, retryLimit int) disposition {
	if kind == processor.KindNone {
		return dispositionAck
	}
	if !kind.Retryable() {
		return dispositionDiscard
	}
	if attemptsBefore < retryLimit {
		return dispositionRequeue
	}
	return dispositionDiscard
}

func (a *Adapter) startConsumer(ctx context.Context, ch *amqp.Channel, topic string) error {
	queue := a.submitQueue(topic)
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		slog.Info("consuming", "queue", queue, "topic", topic)

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					// Channel closed; the supervisor handles reconnection.
					return
				}
				// One goroutine per delivery: prefetch bounds the in-flight
				// count, and a delayed requeue holds only its own delivery
				// instead of stalling the whole topic.
				a.wg.Add(1)
				go func(d amqp.Delivery) {
					defer a.wg.Done()
					a.handleDelivery(ctx, topic, d)
				}(d)
			}
		}
	}()
	return nil
}

// handleDelivery runs one processing attempt and turns its outcome into an
// ack/nack decision. Every error path is caught here: a processing failure
// must never crash the consumer loop.
func (a *Adapter) handleDelivery(ctx context.Context, topic string, d amqp.Delivery) {
	a.metrics.TasksInFlight.WithLabelValues(topic).Inc()
	defer a.metrics.TasksInFlight.WithLabelValues(topic).Dec()

	var sub Submission
	if err := json.Unmarshal(d.Body, &sub); err != nil || sub.TaskID == "" {
		// Poison message: retrying a structurally invalid payload can never
		// succeed, so it is discarded, not requeued.
		slog.Error("poison message discarded", "queue", a.submitQueue(topic), "error", err)
		a.metrics.PoisonMessages.WithLabelValues(topic).Inc()
		a.nack(d, false)
		return
	}

	task, err := a.store.Get(ctx, sub.TaskID)
	if err != nil {
		// Without the task document there is nothing to update. A store
		// outage is a transient failure like any other: delayed requeue
		// while the stamped attempt count is under the limit, dead-letter
		// after.
		slog.Error("failed to load task for delivery", "task_id", sub.TaskID, "error", err)
		attempts := deliveryRetryCount(d)
		if decide(processor.KindTransient, attempts, a.opts.RetryLimit) == dispositionRequeue {
			a.metrics.TasksRetried.WithLabelValues(topic).Inc()
			a.requeue(ctx, topic, d, attempts+1)
			return
		}
		a.metrics.TasksDeadLetter.WithLabelValues(topic).Inc()
		slog.Error("task delivery discarded, store unavailable past retry limit",
			"task_id", sub.TaskID,
			"attempts", attempts+1,
			"retry_limit", a.opts.RetryLimit)
		a.nack(d, false)
		return
	}

	if task.Status == tasks.StatusError {
		// Redelivery of a task we already marked failed: re-enter it.
		if err := a.store.UpdateStatus(ctx, task.ID, tasks.StatusInProgress, "reprocessing", ""); err != nil {
			slog.Warn("failed to re-enter task", "task_id", task.ID, "error", err)
		}
	}

	if err := a.store.AddProcessingStep(ctx, task.ID, "message received from queue"); err != nil {
		slog.Warn("failed to record processing step", "task_id", task.ID, "error", err)
	}

	result := a.runProcessor(ctx, topic, task)

	a.metrics.TaskDuration.WithLabelValues(topic).Observe(result.Elapsed.Seconds())

	if result.Success {
		a.completeDelivery(ctx, d, task, result)
		return
	}
	a.failDelivery(ctx, d, topic, task, result)
}

// runProcessor executes the topic's processor bounded by the per-attempt
// timeout. An exceeded timeout is a transient failure, not a hang.
func (a *Adapter) runProcessor(ctx context.Context, topic string, task *tasks.Task) processor.Result {
	proc, err := a.registry.Get(topic)
	if err != nil {
		return processor.Fail(processor.KindValidation, err, 0)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, a.opts.TaskTimeout)
	defer cancel()

	start := time.Now()
	result := proc.Process(attemptCtx, task)
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(start)
	}

	if !result.Success && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		result.Kind = processor.KindTransient
		if result.ErrorMessage == "" {
			result.ErrorMessage = "processing attempt timed out"
		}
	}
	return result
}

func (a *Adapter) completeDelivery(ctx context.Context, d amqp.Delivery, task *tasks.Task, result processor.Result) {
	if err := a.store.RecordResult(ctx, task.ID, true, result.Payload, "", result.Elapsed.Milliseconds()); err != nil {
		slog.Error("failed to record task success", "task_id", task.ID, "error", err)
		// The attempt did succeed; requeueing would re-run business logic.
		// Ack and rely on the status endpoint to show the stale state.
	}

	if err := a.PublishResult(ctx, task.WorkerID, task.ID, result.Payload); err != nil {
		slog.Warn("failed to publish result", "task_id", task.ID, "error", err)
	}

	a.metrics.TasksCompleted.WithLabelValues(task.Topic, "success").Inc()
	a.ack(d)

	slog.Info("task processed",
		"task_id", task.ID,
		"topic", task.Topic,
		"elapsed_ms", result.Elapsed.Milliseconds())
}

func (a *Adapter) failDelivery(ctx context.Context, d amqp.Delivery, topic string, task *tasks.Task, result processor.Result) {
	// Best-effort status update: failing to persist the error is logged but
	// never blocks message disposition.
	if err := a.store.RecordResult(ctx, task.ID, false, nil, result.ErrorMessage, result.Elapsed.Milliseconds()); err != nil {
		slog.Error("failed to mark task as failed", "task_id", task.ID, "error", err)
	}

	// The stamped header is the primary attempt count; the store's counter
	// backs it up for messages that predate stamping. Taking the larger of
	// the two keeps the budget bounded even when one side lags.
	attemptsBefore := task.Retries
	if h := deliveryRetryCount(d); h > attemptsBefore {
		attemptsBefore = h
	}
	dispo := decide(result.Kind, attemptsBefore, a.opts.RetryLimit)

	a.metrics.TasksCompleted.WithLabelValues(topic, "failed").Inc()

	switch dispo {
	case dispositionRequeue:
		if err := a.store.IncrementRetries(ctx, task.ID); err != nil {
			slog.Warn("failed to increment retry counter", "task_id", task.ID, "error", err)
		}
		a.metrics.TasksRetried.WithLabelValues(topic).Inc()
		slog.Warn("task failed, requeueing",
			"task_id", task.ID,
			"topic", topic,
			"kind", result.Kind,
			"attempt", attemptsBefore+1,
			"error", result.ErrorMessage)
		a.requeue(ctx, topic, d, attemptsBefore+1)

	case dispositionDiscard:
		a.metrics.TasksDeadLetter.WithLabelValues(topic).Inc()
		slog.Error("task discarded",
			"task_id", task.ID,
			"topic", topic,
			"kind", result.Kind,
			"attempts", attemptsBefore+1,
			"retry_limit", a.opts.RetryLimit,
			"error", result.ErrorMessage)
		a.nack(d, false)

	default:
		a.ack(d)
	}
}

// requeue redelivers a message after the configured delay by republishing
// it with the attempt count stamped on the headers, then acking the
// original. While the broker link is down the republish cannot be sent, so
// it falls back to a broker-side nack requeue; that path loses the stamp
// update, which the store's retry counter covers.
func (a *Adapter) requeue(ctx context.Context, topic string, d amqp.Delivery, attempts int) {
	// The delay keeps redelivery from becoming a hot loop against a
	// persistently failing downstream. Only this delivery waits; the
	// consumer dispatches deliveries on their own goroutines.
	if a.opts.RetryDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(a.opts.RetryDelay):
		}
	}

	a.mu.RLock()
	ch := a.ch
	connected := a.connected
	a.mu.RUnlock()

	if connected && ch != nil {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[retryCountHeader] = int32(attempts)

		err := ch.PublishWithContext(ctx, a.opts.ExchangeName, a.submitQueue(topic), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         d.Body,
			Headers:      headers,
		})
		if err == nil {
			a.ack(d)
			return
		}
		slog.Warn("requeue republish failed, falling back to broker requeue",
			"topic", topic, "error", err)
	}
	a.nack(d, true)
}

func (a *Adapter) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		slog.Error("failed to ack delivery", "error", err)
	}
}

func (a *Adapter) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		slog.Error("failed to nack delivery", "error", err)
	}
}
