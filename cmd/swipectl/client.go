package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/jobs"
	"github.com/dunamismax/swipeflow/internal/queue"
)

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type submitResponse struct {
	JobID     string        `json:"job_id"`
	TaskID    string        `json:"task_id"`
	Status    domain.Status `json:"status"`
	StatusURL string        `json:"status_url"`
}

// statusResponse mirrors jobs.StatusView with a concrete result shape.
type statusResponse struct {
	jobs.StatusView
	Result json.RawMessage `json:"result"`
}

func (c *client) Submit(ctx context.Context, target, callback string) (submitResponse, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/jobs", domain.SubmitRequest{URL: target, CallbackURL: callback}, &out)
	return out, err
}

func (c *client) Status(ctx context.Context, jobID string) (statusResponse, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (c *client) Task(ctx context.Context, jobID string) (queue.TaskStatus, error) {
	var out queue.TaskStatus
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/task", nil, &out)
	return out, err
}

// Wait polls until the job reaches a terminal status or ctx is done.
func (c *client) Wait(ctx context.Context, jobID string, interval time.Duration) (statusResponse, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			return statusResponse{}, err
		}
		if status.Status.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &apiError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
