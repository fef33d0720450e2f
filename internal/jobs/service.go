package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dunamismax/swipeflow/internal/auth"
	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/id"
	"github.com/dunamismax/swipeflow/internal/queue"
	"github.com/dunamismax/swipeflow/internal/store"
	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	EnqueueCapture(ctx context.Context, payload queue.CapturePayload) (*asynq.TaskInfo, error)
}

type TaskInspector interface {
	TaskStatus(ctx context.Context, taskID string) (queue.TaskStatus, error)
}

// Service is the job API: submission and status lookups over the record store and the queue.
type Service struct {
	store     store.JobStore
	enqueuer  Enqueuer
	inspector TaskInspector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithInspector(i TaskInspector) Option {
	return func(s *Service) { s.inspector = i }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(jobStore store.JobStore, enqueuer Enqueuer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    jobStore,
		enqueuer: enqueuer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    id.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SubmitResult struct {
	JobID  string        `json:"job_id"`
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

// SubmitJob records a queued job and enqueues exactly one capture task for it.
// If the queue rejects the task the record is discarded so no orphan job is
// left behind, and a *domain.QueueUnavailableError is returned.
func (s *Service) SubmitJob(ctx context.Context, req domain.SubmitRequest, principal auth.Principal) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	jobID := s.newID()
	job := domain.Job{
		ID:          jobID,
		TargetURL:   strings.TrimSpace(req.URL),
		Status:      domain.StatusQueued,
		TaskID:      queue.TaskIDFor(jobID),
		SubmittedBy: principal.ID,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	info, err := s.enqueuer.EnqueueCapture(ctx, queue.CapturePayload{
		JobID:       job.ID,
		TargetURL:   job.TargetURL,
		SubmittedBy: job.SubmittedBy,
		CallbackURL: job.CallbackURL,
		RequestedAt: now,
	})
	if err != nil {
		// The request context may already be gone; compensation must still run.
		discardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := s.store.Discard(discardCtx, job.ID); derr != nil {
			s.logger.Error("discard job after failed enqueue", "job_id", job.ID, "error", derr)
		}

		if errors.Is(err, domain.ErrDuplicateTask) {
			s.logger.Error("capture task id already taken", "job_id", job.ID, "task_id", job.TaskID, "error", err)
			return SubmitResult{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}

		var unavailable *domain.QueueUnavailableError
		if !errors.As(err, &unavailable) {
			unavailable = &domain.QueueUnavailableError{Err: err}
		}
		s.logger.Warn("enqueue capture task failed", "job_id", job.ID, "error", err)
		return SubmitResult{}, unavailable
	}

	taskID := job.TaskID
	if info != nil && info.ID != "" {
		taskID = info.ID
	}
	s.logger.Info("job submitted", "job_id", job.ID, "task_id", taskID, "submitted_by", job.SubmittedBy)

	return SubmitResult{JobID: job.ID, TaskID: taskID, Status: job.Status}, nil
}

// StatusView is the polling representation of a job.
type StatusView struct {
	JobID       string        `json:"job_id"`
	Status      domain.Status `json:"status"`
	Progress    int           `json:"progress"`
	RetryCount  int           `json:"retry_count"`
	TaskID      string        `json:"task_id,omitempty"`
	TargetURL   string        `json:"target_url"`
	SubmittedBy string        `json:"submitted_by,omitempty"`
	Result      any           `json:"result"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type failureResult struct {
	Error string `json:"error"`
}

func (s *Service) GetJobStatus(ctx context.Context, jobID string) (StatusView, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(job), nil
}

func NewStatusView(job domain.Job) StatusView {
	view := StatusView{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress(),
		RetryCount:  job.RetryCount,
		TaskID:      job.TaskID,
		TargetURL:   job.TargetURL,
		SubmittedBy: job.SubmittedBy,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	switch job.Status {
	case domain.StatusCompleted:
		if job.Result != nil {
			view.Result = job.Result
		} else {
			view.Result = &domain.Result{Screenshots: []domain.Screenshot{}}
		}
	case domain.StatusFailed:
		view.Result = failureResult{Error: job.Error}
	}
	return view
}

// GetTaskStatus reports the queue's view of the job's task.
func (s *Service) GetTaskStatus(ctx context.Context, jobID string) (queue.TaskStatus, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return queue.TaskStatus{}, err
	}
	if s.inspector == nil {
		return queue.TaskStatus{}, errors.New("task inspector is not configured")
	}
	return s.inspector.TaskStatus(ctx, job.TaskID)
}

func (s *Service) lookup(ctx context.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, &domain.NotFoundError{JobID: jobID}
	}
	job, ok, err := s.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return domain.Job{}, &domain.NotFoundError{JobID: jobID}
	}
	return job, nil
}
