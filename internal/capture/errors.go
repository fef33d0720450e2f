package capture

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/swipeflow/internal/domain"
)

// Chrome network errors that will fail the same way on every attempt.
var permanentNetErrors = []string{
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_INVALID_URL",
	"net::ERR_UNKNOWN_URL_SCHEME",
	"net::ERR_DISALLOWED_URL_SCHEME",
	"net::ERR_CERT_",
	"net::ERR_SSL_PROTOCOL_ERROR",
	"net::ERR_BLOCKED_BY_CLIENT",
	"net::ERR_INVALID_RESPONSE",
}

// classifyError wraps a browser failure in a CaptureError, deciding whether another attempt can help.
func classifyError(stage string, err error) *domain.CaptureError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewRetryableCaptureError(stage+" timed out", err)
	}
	msg := err.Error()
	for _, code := range permanentNetErrors {
		if strings.Contains(msg, code) {
			return domain.NewPermanentCaptureError(stage+" failed", err)
		}
	}
	return domain.NewRetryableCaptureError(stage+" failed", err)
}
