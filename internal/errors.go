package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrModelNotFound     = errors.New("model not found")
	ErrNoEnabledProvider = errors.New("no enabled provider")
	ErrNoHealthyProvider = errors.New("no healthy provider available")
	ErrRateLimited       = errors.New("rate limited")
	ErrBadRequest        = errors.New("bad request")
	ErrBodyTooLarge      = errors.New("request body too large")
	ErrKeyExpired        = errors.New("api key expired")
	ErrKeyBlocked        = errors.New("api key blocked")
)
