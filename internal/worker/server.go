package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/dunamismax/swipeflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger   *slog.Logger
	server   *asynq.Server
	executor *Executor
	maxRetry int
	sem      chan struct{}
	metrics  *metrics
	tracer   trace.Tracer
}

func NewServer(
	logger *slog.Logger,
	redisOpt asynq.RedisConnOpt,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	executor *Executor,
) (*Server, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	s := newServer(logger, executor, queueCfg.MaxRetries, workerCfg.MaxBrowsers)
	s.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    max(1, workerCfg.Concurrency),
		Queues:         map[string]int{queueCfg.Name: 1},
		RetryDelayFunc: FixedDelay(queueCfg.RetryDelay),
		Logger:         asynqLogger{logger: logger.With("component", "asynq")},
		LogLevel:       asynq.InfoLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			taskID, _ := asynq.GetTaskID(ctx)
			logger.Warn("task failed",
				"type", task.Type(),
				"task_id", taskID,
				"retried", retried,
				"max_retry", maxRetry,
				"skip_retry", errors.Is(err, asynq.SkipRetry),
				"error", err,
			)
		}),
	})
	return s, nil
}

func newServer(logger *slog.Logger, executor *Executor, maxRetry, maxBrowsers int) *Server {
	return &Server{
		logger:   logger,
		executor: executor,
		maxRetry: maxRetry,
		sem:      make(chan struct{}, max(1, maxBrowsers)),
		metrics:  newMetrics(),
		tracer:   otel.Tracer("swipeflow/worker"),
	}
}

// FixedDelay waits the same interval before every redelivery.
func FixedDelay(d time.Duration) asynq.RetryDelayFunc {
	return func(int, error, *asynq.Task) time.Duration {
		return d
	}
}

// Start begins consuming capture tasks in the background.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCaptureScreenshots, s.HandleCapture)
	return s.server.Start(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// HandleCapture is the asynq handler for capture tasks. Terminal failures are
// wrapped with asynq.SkipRetry so the broker archives the task immediately.
func (s *Server) HandleCapture(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseCapturePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.handle(ctx, s.attemptFor(ctx, payload))
}

func (s *Server) attemptFor(ctx context.Context, payload queue.CapturePayload) Attempt {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = s.maxRetry
	}
	taskID, ok := asynq.GetTaskID(ctx)
	if !ok {
		taskID = queue.TaskIDFor(payload.JobID)
	}
	return Attempt{
		JobID:       payload.JobID,
		TaskID:      taskID,
		TargetURL:   payload.TargetURL,
		Retried:     retried,
		MaxRetry:    maxRetry,
		CallbackURL: payload.CallbackURL,
	}
}

func (s *Server) handle(ctx context.Context, a Attempt) error {
	startedAt := time.Now()

	ctx, span := s.tracer.Start(ctx, "worker.capture_screenshots", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", a.JobID),
		attribute.String("task.id", a.TaskID),
		attribute.Int("task.retried", a.Retried),
		attribute.Int("task.max_retry", a.MaxRetry),
	)
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeCaptures.Inc()
	outcome, err := s.executor.Execute(ctx, a)
	s.metrics.activeCaptures.Dec()
	<-s.sem

	s.metrics.attemptsTotal.WithLabelValues(string(outcome)).Inc()
	s.metrics.attemptDuration.WithLabelValues(string(outcome)).Observe(time.Since(startedAt).Seconds())
	span.SetAttributes(attribute.String("job.outcome", string(outcome)))

	switch outcome {
	case OutcomeFailedTerminal:
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case OutcomeRetryScheduled:
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry scheduled")
		return err
	default:
		span.SetStatus(codes.Ok, string(outcome))
		return nil
	}
}

// asynqLogger routes asynq's internal logs through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
