// Package kv defines the key-value store abstraction used for health and
// quota state. The interface is shaped after a minimal Redis subset; Eval is
// the in-process stand-in for a server-side script, giving callers an atomic
// check-and-modify primitive.
package kv

import (
	"context"
	"time"
)

// Tx is a consistent read-write view over the store. All operations made
// inside one Eval call are applied atomically with respect to every other
// store operation.
type Tx interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool)
	// Set stores a value. ttl <= 0 means no expiry.
	Set(key, val string, ttl time.Duration)
	// IncrBy adds delta to the integer value at key, creating it at zero
	// with the given ttl if absent, and returns the new value. A ttl is
	// only applied on creation, matching INCR+EXPIRE NX semantics.
	IncrBy(key string, delta int64, ttl time.Duration) int64
	// Delete removes a key.
	Delete(key string)
}

// Store is the key-value protocol the gateway core consumes. Production
// deployments may back it with a clustered store; the in-memory
// implementation serves single-node deployments and transient backend loss.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Eval runs fn atomically. Errors returned by fn abort the evaluation
	// and are returned verbatim.
	Eval(ctx context.Context, fn func(Tx) error) error
	// Ping reports backend reachability (used by readiness).
	Ping(ctx context.Context) error
}
