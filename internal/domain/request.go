package domain

import (
	"net/url"
	"strings"
)

const maxURLLength = 2048

type SubmitRequest struct {
	URL         string `json:"url"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (r SubmitRequest) Validate() error {
	if err := validateHTTPURL("url", r.URL); err != nil {
		return err
	}
	if strings.TrimSpace(r.CallbackURL) != "" {
		if err := validateHTTPURL("callback_url", r.CallbackURL); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if len(raw) > maxURLLength {
		return &ValidationError{Field: field, Reason: "is too long"}
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return &ValidationError{Field: field, Reason: "is not a valid URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &ValidationError{Field: field, Reason: "must use http or https"}
	}
	if u.Hostname() == "" {
		return &ValidationError{Field: field, Reason: "must include a host"}
	}
	return nil
}
