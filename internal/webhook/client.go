package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/dunamismax/swipeflow/internal/domain"
)

const (
	HeaderSignature = "X-Swipeflow-Signature"
	HeaderTimestamp = "X-Swipeflow-Timestamp"
	HeaderEvent     = "X-Swipeflow-Event"
	HeaderDelivery  = "X-Swipeflow-Delivery"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is the body posted to a job's callback_url once it reaches a terminal status.
type Event struct {
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Status     domain.Status  `json:"status"`
	Result     *domain.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventFor builds the terminal event for job. It returns false for non-terminal jobs.
func EventFor(job domain.Job, at time.Time) (Event, bool) {
	evt := Event{
		JobID:      job.ID,
		TaskID:     job.TaskID,
		Status:     job.Status,
		OccurredAt: at.UTC(),
	}
	switch job.Status {
	case domain.StatusCompleted:
		evt.Type = EventJobCompleted
		evt.Result = job.Result
	case domain.StatusFailed:
		evt.Type = EventJobFailed
		evt.Error = job.Error
	default:
		return Event{}, false
	}
	return evt, true
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func ConfigFrom(cfg config.WebhookConfig) Config {
	return Config{
		SigningSecret:  cfg.SigningSecret,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     8 * cfg.InitialBackoff,
	}
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := max(cfg.MaxAttempts, 1)

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
		now:            time.Now,
	}
}

// Deliver posts evt to endpoint. An empty endpoint is a no-op.
func (c *Client) Deliver(ctx context.Context, endpoint string, evt Event) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)
	delivery := evt.JobID + ":" + evt.Type

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderEvent, evt.Type)
		req.Header.Set(HeaderDelivery, delivery)
		if signature != "" {
			req.Header.Set(HeaderSignature, signature)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook returned status=%d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body", or "" without a secret.
func Sign(secret, timestamp string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return expected != "" && hmac.Equal([]byte(expected), []byte(signature))
}
