package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, domain.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok, nil
}

func (s *MemoryJobStore) MarkProcessing(_ context.Context, id string, retryCount int) (domain.Job, error) {
	return s.transition(id, domain.StatusProcessing, func(job *domain.Job, now time.Time) {
		job.RetryCount = max(job.RetryCount, retryCount)
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	})
}

func (s *MemoryJobStore) ScheduleRetry(_ context.Context, id string, retryCount int, lastError string) (domain.Job, error) {
	return s.transition(id, domain.StatusProcessing, func(job *domain.Job, _ time.Time) {
		job.RetryCount = max(job.RetryCount, retryCount)
		job.Error = lastError
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id string, result domain.Result) (domain.Job, error) {
	return s.transition(id, domain.StatusCompleted, func(job *domain.Job, now time.Time) {
		result.Screenshots = append([]domain.Screenshot(nil), result.Screenshots...)
		job.Result = &result
		job.Error = ""
		job.FinishedAt = &now
	})
}

func (s *MemoryJobStore) Fail(_ context.Context, id string, message string) (domain.Job, error) {
	return s.transition(id, domain.StatusFailed, func(job *domain.Job, now time.Time) {
		job.Error = message
		job.FinishedAt = &now
	})
}

func (s *MemoryJobStore) Discard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if job.Status != domain.StatusQueued || job.StartedAt != nil {
		return fmt.Errorf("discard job %s in status %s: %w", id, job.Status, domain.ErrInvalidTransition)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) transition(id string, to domain.Status, apply func(*domain.Job, time.Time)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if !job.Status.CanTransitionTo(to) {
		return cloneJob(job), fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
	}

	now := s.now()
	job.Status = to
	job.UpdatedAt = now
	apply(&job, now)
	s.jobs[id] = job
	return cloneJob(job), nil
}

func cloneJob(job domain.Job) domain.Job {
	if job.Result != nil {
		result := *job.Result
		result.Screenshots = append([]domain.Screenshot(nil), job.Result.Screenshots...)
		job.Result = &result
	}
	return job
}
