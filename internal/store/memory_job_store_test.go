package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedQueuedJob(t *testing.T, s *MemoryJobStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.Create(context.Background(), domain.Job{
		ID:        id,
		TargetURL: "https://example.com",
		Status:    domain.StatusQueued,
		TaskID:    "capture:" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestMemoryJobStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")

	job, ok, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, "capture:job-1", job.TaskID)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Create(ctx, domain.Job{ID: "job-1", Status: domain.StatusQueued})
	assert.ErrorIs(t, err, domain.ErrJobExists)
}

func TestMemoryJobStoreMarkProcessingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")

	first, err := s.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	second, err := s.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, second.Status)
	assert.Equal(t, *first.StartedAt, *second.StartedAt)
	assert.Equal(t, 0, second.RetryCount)
}

func TestMemoryJobStoreRetryCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")

	_, err := s.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)
	job, err := s.ScheduleRetry(ctx, "job-1", 2, "navigation timed out")
	require.NoError(t, err)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, "navigation timed out", job.Error)

	job, err = s.MarkProcessing(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, job.RetryCount)
}

func TestMemoryJobStoreTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")

	_, err := s.Complete(ctx, "job-1", domain.Result{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "queued jobs cannot complete")

	_, err = s.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)

	result := domain.Result{Screenshots: []domain.Screenshot{{OrderIndex: 0, StorageURL: "s3://a"}}}
	job, err := s.Complete(ctx, "job-1", result)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	require.NotNil(t, job.FinishedAt)

	for name, op := range map[string]func() (domain.Job, error){
		"processing": func() (domain.Job, error) { return s.MarkProcessing(ctx, "job-1", 1) },
		"retry":      func() (domain.Job, error) { return s.ScheduleRetry(ctx, "job-1", 1, "x") },
		"fail":       func() (domain.Job, error) { return s.Fail(ctx, "job-1", "x") },
		"complete":   func() (domain.Job, error) { return s.Complete(ctx, "job-1", domain.Result{}) },
	} {
		current, err := op()
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, name)
		assert.Equal(t, domain.StatusCompleted, current.Status, name)
		assert.Len(t, current.Result.Screenshots, 1, name)
	}
}

func TestMemoryJobStoreUnknownJob(t *testing.T) {
	s := NewMemoryJobStore()
	_, err := s.MarkProcessing(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryJobStoreDiscard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")
	seedQueuedJob(t, s, "job-2")

	require.NoError(t, s.Discard(ctx, "job-1"))
	_, ok, _ := s.Get(ctx, "job-1")
	assert.False(t, ok)
	assert.NoError(t, s.Discard(ctx, "job-1"), "discarding twice is a no-op")

	_, err := s.MarkProcessing(ctx, "job-2", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Discard(ctx, "job-2"), domain.ErrInvalidTransition)
}

func TestMemoryJobStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedQueuedJob(t, s, "job-1")
	_, err := s.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)
	_, err = s.Complete(ctx, "job-1", domain.Result{Screenshots: []domain.Screenshot{{OrderIndex: 0}}})
	require.NoError(t, err)

	job, _, _ := s.Get(ctx, "job-1")
	job.Result.Screenshots[0].StorageURL = "mutated"

	again, _, _ := s.Get(ctx, "job-1")
	assert.Empty(t, again.Result.Screenshots[0].StorageURL)
}

func TestMemoryJobStoreConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	for i := 0; i < 20; i++ {
		seedQueuedJob(t, s, fmt.Sprintf("job-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.MarkProcessing(ctx, id, 0)
				_, _ = s.Complete(ctx, id, domain.Result{})
				_, _, _ = s.Get(ctx, id)
			}()
		}
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		job, ok, err := s.Get(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.StatusCompleted, job.Status)
	}
}
