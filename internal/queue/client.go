package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/hibiken/asynq"
)

type Options struct {
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisConnOpt, opts Options) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		opts:   opts,
	}
}

// EnqueueCapture places one capture task for payload.JobID on the queue.
// A second enqueue for the same job fails with domain.ErrDuplicateTask;
// broker failures are reported as *domain.QueueUnavailableError.
func (c *Client) EnqueueCapture(ctx context.Context, payload CapturePayload) (*asynq.TaskInfo, error) {
	task, err := NewCaptureTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task, c.taskOptions(payload.JobID)...)
	if err != nil {
		return nil, classifyEnqueueError(err)
	}
	return info, nil
}

func (c *Client) taskOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(TaskIDFor(jobID)),
		asynq.Queue(c.opts.Queue),
		asynq.MaxRetry(c.opts.MaxRetry),
	}
	if c.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(c.opts.Timeout))
	}
	if c.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(c.opts.Retention))
	}
	return opts
}

func classifyEnqueueError(err error) error {
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("enqueue capture task: %w", domain.ErrDuplicateTask)
	}
	return &domain.QueueUnavailableError{Err: err}
}

func (c *Client) Close() error {
	return c.client.Close()
}
