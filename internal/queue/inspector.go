package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the queue-level view of a task, independent of the job record.
type TaskStatus struct {
	ID            string    `json:"task_id"`
	Queue         string    `json:"queue"`
	State         string    `json:"state"`
	Retried       int       `json:"retried"`
	MaxRetry      int       `json:"max_retry"`
	LastError     string    `json:"last_error,omitempty"`
	LastFailedAt  time.Time `json:"last_failed_at,omitzero"`
	NextProcessAt time.Time `json:"next_process_at,omitzero"`
}

type Inspector struct {
	inspector *asynq.Inspector
	queue     string
}

func NewInspector(redisOpt asynq.RedisConnOpt, queueName string) *Inspector {
	return &Inspector{
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
	}
}

func (i *Inspector) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return TaskStatus{}, err
	}

	info, err := i.inspector.GetTaskInfo(i.queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return TaskStatus{}, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
		}
		return TaskStatus{}, fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	return taskStatusFromInfo(info), nil
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

func taskStatusFromInfo(info *asynq.TaskInfo) TaskStatus {
	return TaskStatus{
		ID:            info.ID,
		Queue:         info.Queue,
		State:         info.State.String(),
		Retried:       info.Retried,
		MaxRetry:      info.MaxRetry,
		LastError:     info.LastErr,
		LastFailedAt:  info.LastFailedAt,
		NextProcessAt: info.NextProcessAt,
	}
}
