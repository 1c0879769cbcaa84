// Package ratelimit implements per-identity RPM and TPM rate limiting with
// lazy-refill token buckets. This is the caller-facing 429 surface, distinct
// from the per-provider quota tracker that gates upstream dispatch.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective RPM and TPM limits for an identity.
// A value of 0 means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // 0 when allowed
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0, // per-minute limit to per-second rate
		lastFill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// retryAfter returns the wait until n tokens are available.
func (b *bucket) retryAfter(n float64) time.Duration {
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.rate * float64(time.Second))
}

func (b *bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// Limiter holds dual RPM + TPM buckets for a single identity.
type Limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil if RPM unlimited
	tpm      *bucket // nil if TPM unlimited
	limits   Limits
	lastUsed time.Time
	now      func() time.Time
}

func newLimiter(limits Limits, now func() time.Time) *Limiter {
	l := &Limiter{limits: limits, now: now, lastUsed: now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM, now())
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM, now())
	}
	return l
}

// Allow admits one request costing estimatedTokens. Both buckets are checked
// under one lock; if the TPM bucket denies after the RPM token was taken, the
// RPM token is refunded so a denied request costs nothing.
func (l *Limiter) Allow(estimatedTokens int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastUsed = now

	if l.rpm != nil && !l.rpm.tryConsume(1, now) {
		return Result{
			Allowed:    false,
			Limit:      l.limits.RPM,
			RetryAfter: l.rpm.retryAfter(1),
		}
	}
	if l.tpm != nil && !l.tpm.tryConsume(float64(estimatedTokens), now) {
		if l.rpm != nil {
			l.rpm.adjust(1)
		}
		return Result{
			Allowed:    false,
			Limit:      l.limits.TPM,
			RetryAfter: l.tpm.retryAfter(float64(estimatedTokens)),
		}
	}

	res := Result{Allowed: true}
	if l.rpm != nil {
		res.Limit = l.limits.RPM
		res.Remaining = int64(l.rpm.tokens)
	}
	return res
}

// AdjustTokens corrects the TPM bucket by delta (estimated - actual).
// Positive delta refunds tokens; negative consumes more.
func (l *Limiter) AdjustTokens(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpm != nil {
		l.tpm.adjust(float64(delta))
	}
}

// Registry manages per-identity Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	now      func() time.Time
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		now:      time.Now,
	}
}

// SetClock overrides the time source (test hook). Applies to limiters
// created afterwards.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the identity's limits have changed, a new limiter replaces the old.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits, r.now)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff. Returns the count evicted.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
