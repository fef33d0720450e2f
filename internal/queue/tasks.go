package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeCaptureScreenshots = "screenshots:capture"

// CapturePayload is the wire form of a capture task. Keep it to plain JSON values.
type CapturePayload struct {
	JobID       string    `json:"job_id"`
	TargetURL   string    `json:"target_url"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	CallbackURL string    `json:"callback_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// TaskIDFor derives the queue task id from the job id so at most one task per job can exist.
func TaskIDFor(jobID string) string {
	return "capture:" + jobID
}

func NewCaptureTask(payload CapturePayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("capture payload requires job_id")
	}
	if strings.TrimSpace(payload.TargetURL) == "" {
		return nil, errors.New("capture payload requires target_url")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal capture payload: %w", err)
	}
	return asynq.NewTask(TypeCaptureScreenshots, body), nil
}

func ParseCapturePayload(task *asynq.Task) (CapturePayload, error) {
	var payload CapturePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CapturePayload{}, fmt.Errorf("unmarshal capture payload: %w", err)
	}
	if payload.JobID == "" || payload.TargetURL == "" {
		return CapturePayload{}, errors.New("capture payload is missing job_id or target_url")
	}
	return payload, nil
}
