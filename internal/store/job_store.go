package store

import (
	"context"

	"github.com/dunamismax/swipeflow/internal/domain"
)

// JobStore owns every mutation of a job record. Transition methods are
// conditional on the current status and return domain.ErrInvalidTransition
// together with the current record when the table in domain.AllowedFrom
// rejects the move, or domain.ErrJobNotFound for unknown ids.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	MarkProcessing(ctx context.Context, id string, retryCount int) (domain.Job, error)
	ScheduleRetry(ctx context.Context, id string, retryCount int, lastError string) (domain.Job, error)
	Complete(ctx context.Context, id string, result domain.Result) (domain.Job, error)
	Fail(ctx context.Context, id string, message string) (domain.Job, error)
	// Discard removes a record that was never handed to the queue.
	Discard(ctx context.Context, id string) error
	Close() error
}
