// Package gateway is the HTTP boundary: task submission, status and retry
// endpoints plus audit log queries. It delegates to the task store and the
// broker adapter; no business logic lives here.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diascostaadv/camunda-server-dc-sub001/internal/broker"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/metrics"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/processor"
	"github.com/diascostaadv/camunda-server-dc-sub001/internal/store"
	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// TaskStore is the slice of the task store the gateway needs.
type TaskStore interface {
	Create(ctx context.Context, taskID, workerID, topic string, variables map[string]interface{}) (*tasks.Task, error)
	Get(ctx context.Context, taskID string) (*tasks.Task, error)
	MarkRetry(ctx context.Context, taskID string) (*tasks.Task, error)
	RecordResult(ctx context.Context, taskID string, success bool, result map[string]interface{}, errorMessage string, processingTimeMS int64) error
	AddProcessingStep(ctx context.Context, taskID, description string) error
}

// AuditStore is the slice of the audit log store the gateway needs.
type AuditStore interface {
	Query(ctx context.Context, f store.QueryFilter) (int64, []store.MarkingLog, *store.QueryStats, error)
	StatsForLote(ctx context.Context, loteID string) (*store.LoteStats, error)
}

// Broker is the publish side of the broker adapter.
type Broker interface {
	PublishTask(ctx context.Context, task *tasks.Task) error
	Health() broker.Health
}

// Pinger checks document store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP layer. All collaborators are injected; there is no
// package-level state.
type Server struct {
	tasks    TaskStore
	audit    AuditStore
	broker   Broker
	db       Pinger
	registry *processor.Registry
	metrics  *metrics.Metrics

	workerID    string
	version     string
	retryLimit  int
	taskTimeout time.Duration
}

// Options configures the server.
type Options struct {
	Tasks       TaskStore
	Audit       AuditStore
	Broker      Broker
	DB          Pinger
	Registry    *processor.Registry
	Metrics     *metrics.Metrics
	WorkerID    string
	Version     string
	RetryLimit  int
	TaskTimeout time.Duration
}

// NewServer creates the gateway server.
func NewServer(opts Options) *Server {
	return &Server{
		tasks:       opts.Tasks,
		audit:       opts.Audit,
		broker:      opts.Broker,
		db:          opts.DB,
		registry:    opts.Registry,
		metrics:     opts.Metrics,
		workerID:    opts.WorkerID,
		version:     opts.Version,
		retryLimit:  opts.RetryLimit,
		taskTimeout: opts.TaskTimeout,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/tasks/submit", s.submitTask)
	r.GET("/tasks/:task_id/status", s.taskStatus)
	r.POST("/tasks/:task_id/retry", s.retryTask)

	r.GET("/audit/logs", s.queryAuditLogs)
	r.GET("/audit/lotes/:lote_id/stats", s.loteStats)

	return r
}

// requestLogger logs each request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

type submitRequest struct {
	TaskID    string                 `json:"task_id" binding:"required"`
	WorkerID  string                 `json:"worker_id" binding:"required"`
	Topic     string                 `json:"topic" binding:"required"`
	Variables map[string]interface{} `json:"variables"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if _, err := s.registry.Get(req.Topic); err != nil {
		writeError(c, http.StatusBadRequest, "unsupported_topic", err.Error())
		return
	}

	task, err := s.tasks.Create(c.Request.Context(), req.TaskID, req.WorkerID, req.Topic, req.Variables)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			writeError(c, http.StatusConflict, "task_exists", err.Error())
		case errors.Is(err, store.ErrUnavailable):
			writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		default:
			writeError(c, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	if err := s.broker.PublishTask(c.Request.Context(), task); err != nil {
		// Broker down: fall back to direct processing so the submission is
		// not lost. The document store remains the source of truth either
		// way.
		slog.Warn("broker publish failed, processing directly",
			"task_id", task.ID, "error", err)
		go s.processDirect(task)
	}

	c.JSON(http.StatusOK, gin.H{"status": "submitted", "task_id": task.ID})
}

// processDirect runs the processor outside the broker path, bounded by the
// same per-attempt timeout.
func (s *Server) processDirect(task *tasks.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	if err := s.tasks.AddProcessingStep(ctx, task.ID, "direct processing fallback"); err != nil {
		slog.Warn("failed to record processing step", "task_id", task.ID, "error", err)
	}

	proc, err := s.registry.Get(task.Topic)
	if err != nil {
		_ = s.tasks.RecordResult(ctx, task.ID, false, nil, err.Error(), 0)
		return
	}

	result := proc.Process(ctx, task)

	status := "success"
	if !result.Success {
		status = "failed"
	}
	s.metrics.TasksCompleted.WithLabelValues(task.Topic, status).Inc()

	if err := s.tasks.RecordResult(ctx, task.ID, result.Success, result.Payload, result.ErrorMessage, result.Elapsed.Milliseconds()); err != nil {
		slog.Error("failed to record direct processing result", "task_id", task.ID, "error", err)
	}
}

func (s *Server) taskStatus(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) retryTask(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := s.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	if task.Status != tasks.StatusError {
		writeError(c, http.StatusBadRequest, "not_retryable",
			"only tasks with status error can be retried, current status: "+string(task.Status))
		return
	}
	if !task.Retryable(s.retryLimit) {
		writeError(c, http.StatusBadRequest, "retry_budget_exhausted",
			"task has exhausted its retry budget")
		return
	}

	task, err = s.tasks.MarkRetry(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	if err := s.broker.PublishTask(c.Request.Context(), task); err != nil {
		slog.Warn("broker publish failed on retry, processing directly",
			"task_id", task.ID, "error", err)
		go s.processDirect(task)
	}

	c.JSON(http.StatusOK, gin.H{"status": "submitted", "task_id": task.ID})
}

func (s *Server) queryAuditLogs(c *gin.Context) {
	f := store.QueryFilter{
		CodPublicacao: c.Query("cod_publicacao"),
		LoteID:        c.Query("lote_id"),
		FailuresOnly:  c.Query("failures_only") == "true",
	}

	if status := c.Query("status"); status != "" {
		if !store.ValidAttemptStatus(status) {
			writeError(c, http.StatusBadRequest, "invalid_status", "unknown status: "+status)
			return
		}
		f.Status = store.AttemptStatus(status)
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_date", "from must be RFC3339")
			return
		}
		f.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_date", "to must be RFC3339")
			return
		}
		f.To = t
	}
	f.Offset, _ = strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	f.Limit, _ = strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	total, logs, stats, err := s.audit.Query(c.Request.Context(), f)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"logs":  logs,
		"stats": stats,
	})
}

func (s *Server) loteStats(c *gin.Context) {
	stats, err := s.audit.StatsForLote(c.Request.Context(), c.Param("lote_id"))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) health(c *gin.Context) {
	brokerHealth := s.broker.Health()

	storeOK := true
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			storeOK = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !storeOK || !brokerHealth.Connected {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"worker_id": s.workerID,
		"version":   s.version,
		"store":     storeOK,
		"broker":    brokerHealth,
		"topics":    s.registry.Topics(),
	})
}
