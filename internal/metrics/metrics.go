// Package metrics holds the Prometheus instrumentation shared by the broker
// adapter and the HTTP gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Counters
	TasksSubmitted  *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	TasksRetried    *prometheus.CounterVec
	TasksDeadLetter *prometheus.CounterVec
	PoisonMessages  *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec

	// Gauges
	TasksInFlight   *prometheus.GaugeVec
	BrokerConnected prometheus.Gauge
	QueuesBound     prometheus.Gauge

	// Histograms
	TaskDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_submitted_total",
				Help: "Total number of tasks submitted",
			},
			[]string{"topic"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_completed_total",
				Help: "Total number of task processing attempts completed",
			},
			[]string{"topic", "status"},
		),
		TasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_retries_total",
				Help: "Total number of task redeliveries requested",
			},
			[]string{"topic"},
		),
		TasksDeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_dead_letter_total",
				Help: "Total number of tasks discarded after exhausting retries",
			},
			[]string{"topic"},
		),
		PoisonMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poison_messages_total",
				Help: "Total number of undeserializable messages discarded",
			},
			[]string{"topic"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_failures_total",
				Help: "Total number of failed broker publishes",
			},
			[]string{"topic"},
		),
		TasksInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasks_in_flight",
				Help: "Current number of deliveries being processed",
			},
			[]string{"topic"},
		),
		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_connected",
				Help: "Broker connection status (1 connected, 0 otherwise)",
			},
		),
		QueuesBound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "queues_bound",
				Help: "Number of declared and bound task queues",
			},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Task processing duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"topic"},
		),
	}

	prometheus.MustRegister(
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TasksRetried,
		m.TasksDeadLetter,
		m.PoisonMessages,
		m.PublishFailures,
		m.TasksInFlight,
		m.BrokerConnected,
		m.QueuesBound,
		m.TaskDuration,
	)

	return m
}
