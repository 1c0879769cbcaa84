package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
)

// retryBase and retryMaxAttempts bound the in-adapter retry loop: transient
// network failures and 5xx only, exponential backoff starting at 1s,
// doubling, at most 3 attempts. 429 is never retried here; it goes straight
// back to the pipeline for candidate fallback.
const (
	retryBase        = 1 * time.Second
	retryMaxAttempts = 3
)

// DoWithRetry runs fn, retrying transient failures. Context cancellation and
// deadline expiry abort immediately.
func DoWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(retryMaxAttempts-1, retry.NewExponential(retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Transient reports whether an error is worth retrying against the same
// upstream: server-side 5xx and network-level failures. Client cancellation
// and classified non-5xx upstream errors are not.
func Transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
