// Package provider contains the adapter registry and shared utilities for
// upstream LLM adapters: error classification, transport setup, and the
// transient-retry helper.
package provider

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Category classifies an upstream failure for fallback decisions.
type Category string

const (
	// CategoryAuth covers 401/403. Never falls back; the key is wrong
	// everywhere it would be used.
	CategoryAuth Category = "auth"
	// CategoryValidation covers 400-class request problems. Bubbled to the
	// client as 400 with detail; never falls back.
	CategoryValidation Category = "validation"
	// CategoryRateLimit covers 429. Advances to the next candidate.
	CategoryRateLimit Category = "rate_limit"
	// CategoryProvider covers 5xx, timeouts, and connection failures.
	// Advances to the next candidate.
	CategoryProvider Category = "provider"
	// CategoryContent covers provider-side content filtering. Bubbled to the
	// client; never falls back. Only set by adapters that can detect it.
	CategoryContent Category = "content"
)

// APIError represents a non-2xx response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Category   Category
	Body       string
	RetryAfter time.Duration // from Retry-After, 0 if absent
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Fallback reports whether the pipeline may advance to the next candidate.
func (e *APIError) Fallback() bool {
	return e.Category == CategoryRateLimit || e.Category == CategoryProvider
}

// Classify maps an upstream HTTP status to an error category. Content
// filtering is not detectable from status alone; adapters override the
// category when they recognize it in the body.
func Classify(status int) Category {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 500:
		return CategoryProvider
	default:
		return CategoryValidation
	}
}

// ParseAPIError reads up to 4KB from the response body and returns a
// classified *APIError, honoring a Retry-After header when present.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Category:   Classify(resp.StatusCode),
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
