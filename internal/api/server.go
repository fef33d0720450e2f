package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dunamismax/swipeflow/internal/auth"
	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/jobs"
	"github.com/dunamismax/swipeflow/internal/queue"
	"github.com/dunamismax/swipeflow/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type JobService interface {
	SubmitJob(ctx context.Context, req domain.SubmitRequest, principal auth.Principal) (jobs.SubmitResult, error)
	GetJobStatus(ctx context.Context, jobID string) (jobs.StatusView, error)
	GetTaskStatus(ctx context.Context, jobID string) (queue.TaskStatus, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

type Server struct {
	logger        *slog.Logger
	jobs          JobService
	authenticator auth.Authenticator
	rateLimiter   RateLimiter
	metrics       *metrics
	tracer        trace.Tracer
	engine        *gin.Engine
}

type Option func(*Server)

func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = l }
}

func NewServer(logger *slog.Logger, jobService JobService, authenticator auth.Authenticator, opts ...Option) *Server {
	if authenticator == nil {
		authenticator = auth.Anonymous{}
	}
	s := &Server{
		logger:        logger,
		jobs:          jobService,
		authenticator: authenticator,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("swipeflow/api"),
		engine:        gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.Use(
		gin.CustomRecovery(s.handlePanic),
		s.withTracing(),
		s.metrics.withHTTPMetrics(),
		requestLogger(s.logger),
	)

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(s.metrics.metricsHandler()))

	jobsGroup := r.Group("/jobs", s.authenticate())
	jobsGroup.POST("", s.withRateLimit(), s.handleSubmitJob)
	jobsGroup.GET("/:job_id", s.handleGetJob)
	jobsGroup.GET("/:job_id/task", s.handleGetTask)

	legacy := r.Group("/api/v1", s.authenticate())
	legacy.POST("/generate-swipe", s.withRateLimit(), s.handleLegacySubmit)
	legacy.GET("/job-status/:job_id", s.handleLegacyStatus)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitResponse struct {
	JobID     string        `json:"job_id"`
	TaskID    string        `json:"task_id"`
	Status    domain.Status `json:"status"`
	StatusURL string        `json:"status_url"`
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	res, ok := s.submit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{
		JobID:     res.JobID,
		TaskID:    res.TaskID,
		Status:    res.Status,
		StatusURL: "/jobs/" + res.JobID,
	})
}

type legacySubmitResponse struct {
	submitResponse
	Message      string `json:"message"`
	MCPJobID     string `json:"mcp_job_id"`
	CeleryTaskID string `json:"celery_task_id"`
}

func (s *Server) handleLegacySubmit(c *gin.Context) {
	res, ok := s.submit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, legacySubmitResponse{
		submitResponse: submitResponse{
			JobID:     res.JobID,
			TaskID:    res.TaskID,
			Status:    res.Status,
			StatusURL: "/api/v1/job-status/" + res.JobID,
		},
		Message:      "Screenshot generation request received and queued.",
		MCPJobID:     res.JobID,
		CeleryTaskID: res.TaskID,
	})
}

func (s *Server) submit(c *gin.Context) (jobs.SubmitResult, bool) {
	var req domain.SubmitRequest
	if err := decodeJSON(c.Writer, c.Request, &req); err != nil {
		s.metrics.jobsSubmitted.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return jobs.SubmitResult{}, false
	}

	principal, _ := auth.PrincipalFrom(c.Request.Context())
	res, err := s.jobs.SubmitJob(c.Request.Context(), req, principal)
	if err != nil {
		s.metrics.jobsSubmitted.WithLabelValues(submitOutcome(err)).Inc()
		s.writeError(c, err)
		return jobs.SubmitResult{}, false
	}
	s.metrics.jobsSubmitted.WithLabelValues("accepted").Inc()
	return res, true
}

func (s *Server) handleGetJob(c *gin.Context) {
	view, err := s.jobs.GetJobStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type legacyStatusResponse struct {
	jobs.StatusView
	MCPJobID           string `json:"mcp_job_id"`
	ProgressPercentage int    `json:"progress_percentage"`
}

func (s *Server) handleLegacyStatus(c *gin.Context) {
	view, err := s.jobs.GetJobStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, legacyStatusResponse{
		StatusView:         view,
		MCPJobID:           view.JobID,
		ProgressPercentage: view.Progress,
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	status, err := s.jobs.GetTaskStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation  *domain.ValidationError
		unavailable *domain.QueueUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, queue.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, domain.ErrDuplicateTask):
		s.logger.Error("capture task conflict", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": "job already has a task in flight"})
	case errors.As(err, &unavailable):
		s.logger.Error("task queue unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable, try again later"})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func submitOutcome(err error) string {
	var (
		validation  *domain.ValidationError
		unavailable *domain.QueueUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return "invalid"
	case errors.Is(err, domain.ErrDuplicateTask):
		return "duplicate_task"
	case errors.As(err, &unavailable):
		return "queue_unavailable"
	default:
		return "error"
	}
}

func (s *Server) handlePanic(c *gin.Context, recovered any) {
	s.logger.Error("panic serving request", "path", c.Request.URL.Path, "panic", recovered)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}
