package domain

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a job in status s may move to next.
// processing -> processing is allowed so redelivered tasks are no-ops.
func (s Status) CanTransitionTo(next Status) bool {
	for _, from := range AllowedFrom(next) {
		if from == s {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses a job may be in for a conditional update to target to succeed.
func AllowedFrom(to Status) []Status {
	switch to {
	case StatusProcessing:
		return []Status{StatusQueued, StatusProcessing}
	case StatusCompleted, StatusFailed:
		return []Status{StatusProcessing}
	default:
		return nil
	}
}

type Job struct {
	ID          string
	TargetURL   string
	Status      Status
	TaskID      string
	RetryCount  int
	Result      *Result
	Error       string
	SubmittedBy string
	CallbackURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

type Result struct {
	SwipeFileID string       `json:"swipe_file_id,omitempty"`
	Screenshots []Screenshot `json:"screenshots"`
}

type Screenshot struct {
	OrderIndex   int    `json:"order_index"`
	StorageURL   string `json:"storage_url"`
	AltText      string `json:"alt_text,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func SwipeFileIDFor(jobID string) string {
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	return "sf_" + jobID
}

// Progress is a coarse percentage for status polling. It is not a measure of capture progress.
func (j Job) Progress() int {
	switch j.Status {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return min(90, 10+20*j.RetryCount)
	case StatusCompleted, StatusFailed:
		return 100
	default:
		return 0
	}
}
