package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dunamismax/swipeflow/internal/auth"
	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/logger"
	"github.com/dunamismax/swipeflow/internal/queue"
	"github.com/dunamismax/swipeflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	payloads []queue.CapturePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueCapture(_ context.Context, payload queue.CapturePayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: queue.TaskIDFor(payload.JobID), Queue: "screenshots"}, nil
}

type fakeInspector struct {
	asked string
}

func (f *fakeInspector) TaskStatus(_ context.Context, taskID string) (queue.TaskStatus, error) {
	f.asked = taskID
	return queue.TaskStatus{ID: taskID, State: "pending", MaxRetry: 3}, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, enq Enqueuer, opts ...Option) (*Service, *store.MemoryJobStore) {
	t.Helper()
	jobStore := store.NewMemoryJobStore()
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "0b7e2f4c-1111-2222-3333-444455556666" }),
	}, opts...)
	return NewService(jobStore, enq, logger.Discard(), opts...), jobStore
}

func TestSubmitJobCreatesQueuedRecordAndTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc, jobStore := newTestService(t, enq)

	res, err := svc.SubmitJob(context.Background(), domain.SubmitRequest{URL: "https://example.com/landing"}, auth.Principal{ID: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, "0b7e2f4c-1111-2222-3333-444455556666", res.JobID)
	assert.Equal(t, "capture:0b7e2f4c-1111-2222-3333-444455556666", res.TaskID)
	assert.Equal(t, domain.StatusQueued, res.Status)

	job, ok, err := jobStore.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, res.TaskID, job.TaskID)
	assert.Equal(t, "user_1", job.SubmittedBy)
	assert.Equal(t, fixedNow, job.CreatedAt)

	require.Len(t, enq.payloads, 1)
	assert.Equal(t, res.JobID, enq.payloads[0].JobID)
	assert.Equal(t, "https://example.com/landing", enq.payloads[0].TargetURL)
}

func TestSubmitJobRejectsInvalidURL(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc, jobStore := newTestService(t, enq)

	for _, raw := range []string{"", "not a url", "ftp://example.com", "https://"} {
		_, err := svc.SubmitJob(context.Background(), domain.SubmitRequest{URL: raw}, auth.Principal{})
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr, raw)
	}
	assert.Empty(t, enq.payloads)

	_, ok, _ := jobStore.Get(context.Background(), "0b7e2f4c-1111-2222-3333-444455556666")
	assert.False(t, ok)
}

func TestSubmitJobQueueUnavailableLeavesNoRecord(t *testing.T) {
	enq := &fakeEnqueuer{err: &domain.QueueUnavailableError{Err: errors.New("dial tcp: connection refused")}}
	svc, jobStore := newTestService(t, enq)

	_, err := svc.SubmitJob(context.Background(), domain.SubmitRequest{URL: "https://example.com"}, auth.Principal{})
	var unavailable *domain.QueueUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorContains(t, err, "connection refused")

	_, ok, _ := jobStore.Get(context.Background(), "0b7e2f4c-1111-2222-3333-444455556666")
	assert.False(t, ok)
}

func TestSubmitJobWrapsOtherEnqueueErrors(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("boom")}
	svc, _ := newTestService(t, enq)

	_, err := svc.SubmitJob(context.Background(), domain.SubmitRequest{URL: "https://example.com"}, auth.Principal{})
	var unavailable *domain.QueueUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestSubmitJobDuplicateTaskIsNotAnOutage(t *testing.T) {
	enq := &fakeEnqueuer{err: fmt.Errorf("enqueue capture task: %w", domain.ErrDuplicateTask)}
	svc, jobStore := newTestService(t, enq)

	_, err := svc.SubmitJob(context.Background(), domain.SubmitRequest{URL: "https://example.com"}, auth.Principal{})
	require.ErrorIs(t, err, domain.ErrDuplicateTask)
	var unavailable *domain.QueueUnavailableError
	assert.False(t, errors.As(err, &unavailable))

	_, ok, _ := jobStore.Get(context.Background(), "0b7e2f4c-1111-2222-3333-444455556666")
	assert.False(t, ok)
}

func TestGetJobStatus(t *testing.T) {
	svc, jobStore := newTestService(t, &fakeEnqueuer{})
	ctx := context.Background()

	_, err := svc.GetJobStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	res, err := svc.SubmitJob(ctx, domain.SubmitRequest{URL: "https://example.com"}, auth.Principal{})
	require.NoError(t, err)

	view, err := svc.GetJobStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, view.Status)
	assert.Nil(t, view.Result)
	assert.Equal(t, 0, view.Progress)

	_, err = jobStore.MarkProcessing(ctx, res.JobID, 0)
	require.NoError(t, err)
	_, err = jobStore.Complete(ctx, res.JobID, domain.Result{
		SwipeFileID: domain.SwipeFileIDFor(res.JobID),
		Screenshots: []domain.Screenshot{
			{OrderIndex: 0, StorageURL: "https://cdn.example.com/1.png"},
			{OrderIndex: 1, StorageURL: "https://cdn.example.com/2.png"},
			{OrderIndex: 2, StorageURL: "https://cdn.example.com/3.png"},
		},
	})
	require.NoError(t, err)

	view, err = svc.GetJobStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)

	body, err := json.Marshal(view)
	require.NoError(t, err)
	var decoded struct {
		Result struct {
			SwipeFileID string              `json:"swipe_file_id"`
			Screenshots []domain.Screenshot `json:"screenshots"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "sf_0b7e2f4c", decoded.Result.SwipeFileID)
	assert.Len(t, decoded.Result.Screenshots, 3)
}

func TestStatusViewFailedResult(t *testing.T) {
	view := NewStatusView(domain.Job{ID: "j", Status: domain.StatusFailed, Error: "net::ERR_NAME_NOT_RESOLVED"})

	body, err := json.Marshal(view)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"net::ERR_NAME_NOT_RESOLVED"}`, string(mustField(t, body, "result")))
}

func TestStatusViewNullResultWhileRunning(t *testing.T) {
	body, err := json.Marshal(NewStatusView(domain.Job{ID: "j", Status: domain.StatusProcessing}))
	require.NoError(t, err)
	assert.Equal(t, "null", string(mustField(t, body, "result")))
}

func TestGetTaskStatus(t *testing.T) {
	inspector := &fakeInspector{}
	svc, _ := newTestService(t, &fakeEnqueuer{}, WithInspector(inspector))
	ctx := context.Background()

	res, err := svc.SubmitJob(ctx, domain.SubmitRequest{URL: "https://example.com"}, auth.Principal{})
	require.NoError(t, err)

	status, err := svc.GetTaskStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, inspector.asked)
	assert.Equal(t, "pending", status.State)

	_, err = svc.GetTaskStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func mustField(t *testing.T, body []byte, field string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	return fields[field]
}
