package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dunamismax/swipeflow/internal/capture"
	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/store"
	"github.com/dunamismax/swipeflow/internal/webhook"
)

type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailedTerminal Outcome = "failed_terminal"
	OutcomeSkipped        Outcome = "skipped"
)

type Capturer interface {
	Capture(ctx context.Context, req capture.Request) ([]domain.Screenshot, error)
}

type Notifier interface {
	Deliver(ctx context.Context, endpoint string, evt webhook.Event) error
}

// Attempt is one delivery of a capture task. Retried counts earlier failed
// deliveries of the same task.
type Attempt struct {
	JobID       string
	TaskID      string
	TargetURL   string
	Retried     int
	MaxRetry    int
	CallbackURL string
}

func (a Attempt) lastAllowed() bool {
	return a.Retried >= a.MaxRetry
}

// Executor runs a single attempt against the job record. It is safe to call
// again for an attempt that already ran: terminal jobs are skipped.
type Executor struct {
	store          store.JobStore
	capturer       Capturer
	notifier       Notifier
	logger         *slog.Logger
	now            func() time.Time
	persistTimeout time.Duration
	persistBackoff time.Duration
}

func NewExecutor(jobStore store.JobStore, capturer Capturer, notifier Notifier, logger *slog.Logger) *Executor {
	return &Executor{
		store:          jobStore,
		capturer:       capturer,
		notifier:       notifier,
		logger:         logger,
		now:            time.Now,
		persistTimeout: 10 * time.Second,
		persistBackoff: 200 * time.Millisecond,
	}
}

const maxPersistBackoff = 2 * time.Second

func (e *Executor) Execute(ctx context.Context, a Attempt) (Outcome, error) {
	log := e.logger.With("job_id", a.JobID, "task_id", a.TaskID, "attempt", a.Retried+1, "max_attempts", a.MaxRetry+1)

	if err := e.markProcessing(ctx, log, a); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			log.Warn("capture task has no job record, dropping")
			return OutcomeSkipped, nil
		case errors.Is(err, domain.ErrInvalidTransition):
			log.Info("job already finished, skipping redelivered task", "error", err)
			return OutcomeSkipped, nil
		default:
			return OutcomeRetryScheduled, fmt.Errorf("mark job processing: %w", err)
		}
	}

	log.Info("capturing screenshots", "url", a.TargetURL)
	shots, captureErr := e.capturer.Capture(ctx, capture.Request{JobID: a.JobID, TargetURL: a.TargetURL})

	if captureErr == nil {
		return e.complete(ctx, log, a, shots)
	}
	if !domain.IsRetryable(captureErr) || a.lastAllowed() {
		return e.fail(ctx, log, a, captureErr)
	}

	pctx, cancel := e.persistContext(ctx)
	defer cancel()
	if _, err := e.store.ScheduleRetry(pctx, a.JobID, a.Retried+1, captureErr.Error()); err != nil {
		log.Error("record retry", "error", err)
	}
	log.Warn("capture failed, retry scheduled", "error", captureErr)
	return OutcomeRetryScheduled, captureErr
}

// markProcessing only retries the write on the last attempt; earlier attempts
// hand store errors back to the broker.
func (e *Executor) markProcessing(ctx context.Context, log *slog.Logger, a Attempt) error {
	mark := func(ctx context.Context) (domain.Job, error) {
		return e.store.MarkProcessing(ctx, a.JobID, a.Retried)
	}
	if !a.lastAllowed() {
		_, err := mark(ctx)
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()
	_, err := e.persist(mctx, log, "mark_processing", mark)
	return err
}

func (e *Executor) complete(ctx context.Context, log *slog.Logger, a Attempt, shots []domain.Screenshot) (Outcome, error) {
	pctx, cancel := e.persistContext(ctx)
	defer cancel()

	job, err := e.persist(pctx, log, "complete", func(ctx context.Context) (domain.Job, error) {
		return e.store.Complete(ctx, a.JobID, domain.Result{
			SwipeFileID: domain.SwipeFileIDFor(a.JobID),
			Screenshots: shots,
		})
	})
	switch {
	case err == nil:
		log.Info("job completed", "screenshots", len(shots))
		e.notify(pctx, log, job, a.CallbackURL)
		return OutcomeSucceeded, nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		log.Info("job finished concurrently, discarding result", "error", err)
		return OutcomeSkipped, nil
	}

	storeErr := fmt.Errorf("store capture result: %w", err)
	if !a.lastAllowed() {
		return OutcomeRetryScheduled, storeErr
	}
	// No redelivery follows the last attempt, so the job is failed rather
	// than left in processing.
	return e.fail(ctx, log, a, storeErr)
}

// fail writes the failed state. The attempt only counts as terminal once that
// write is stored; otherwise the task goes back to the broker.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, a Attempt, cause error) (Outcome, error) {
	pctx, cancel := e.persistContext(ctx)
	defer cancel()

	job, err := e.persist(pctx, log, "fail", func(ctx context.Context) (domain.Job, error) {
		return e.store.Fail(ctx, a.JobID, cause.Error())
	})
	switch {
	case err == nil:
		log.Error("job failed", "error", cause, "retryable", domain.IsRetryable(cause))
		e.notify(pctx, log, job, a.CallbackURL)
		return OutcomeFailedTerminal, cause
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		log.Info("job finished concurrently, dropping failure", "error", err, "cause", cause)
		return OutcomeSkipped, nil
	default:
		log.Error("mark job failed", "error", err, "cause", cause)
		return OutcomeRetryScheduled, fmt.Errorf("mark job failed: %w (cause: %v)", err, cause)
	}
}

// persistContext outlives the task context so results are stored even when
// the task was cancelled mid-capture.
func (e *Executor) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
}

// persist retries a store write with doubling backoff until it is stored,
// the store rejects the transition, or ctx expires.
func (e *Executor) persist(ctx context.Context, log *slog.Logger, op string, write func(context.Context) (domain.Job, error)) (domain.Job, error) {
	backoff := e.persistBackoff
	for {
		job, err := write(ctx)
		if err == nil || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			return job, err
		}
		log.Warn("store write failed, retrying", "op", op, "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job, err
		case <-timer.C:
		}
		backoff = min(backoff*2, maxPersistBackoff)
	}
}

// notify never changes job state; delivery failures are only logged.
func (e *Executor) notify(ctx context.Context, log *slog.Logger, job domain.Job, endpoint string) {
	if e.notifier == nil || endpoint == "" {
		return
	}
	evt, ok := webhook.EventFor(job, e.now())
	if !ok {
		return
	}
	if err := e.notifier.Deliver(ctx, endpoint, evt); err != nil {
		log.Warn("webhook delivery failed", "event", evt.Type, "error", err)
	}
}
