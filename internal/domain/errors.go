package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrDuplicateTask     = errors.New("job already has a task in flight")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrJobNotFound
}

// CaptureError is returned by the capture procedure. Retryable=false marks
// failures that will not succeed on another attempt, like an unresolvable host.
type CaptureError struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func NewRetryableCaptureError(message string, err error) *CaptureError {
	return &CaptureError{Message: message, Retryable: true, Err: err}
}

func NewPermanentCaptureError(message string, err error) *CaptureError {
	return &CaptureError{Message: message, Retryable: false, Err: err}
}

type QueueUnavailableError struct {
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("task queue unavailable: %v", e.Err)
}

func (e *QueueUnavailableError) Unwrap() error {
	return e.Err
}

// IsRetryable treats every failure as retryable unless it is a CaptureError
// explicitly marked otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Retryable
	}
	return true
}
