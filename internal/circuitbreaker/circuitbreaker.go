// Package circuitbreaker implements a per-provider circuit breaker with a
// sliding-window error rate detector. It short-circuits requests to known-bad
// providers, reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the open timeout elapses.
	StateOpen
	// StateHalfOpen allows a single probe request at a time.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThreshold    float64       // weighted error rate to trip (e.g. 0.50)
	MinSamples        int           // minimum requests before breaker can open
	WindowSeconds     int           // sliding window duration in seconds
	OpenTimeout       time.Duration // initial time in OPEN before HALF_OPEN
	OpenTimeoutMax    time.Duration // cap for the grown open timeout
	OpenTimeoutFactor float64       // growth factor per successive open
	HalfOpenSuccesses int           // probe successes required to close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:    0.50,
		MinSamples:        10,
		WindowSeconds:     60,
		OpenTimeout:       1 * time.Second,
		OpenTimeoutMax:    30 * time.Second,
		OpenTimeoutFactor: 2.0,
		HalfOpenSuccesses: 3,
	}
}

// bucket holds error and request counts for a 1-second slot.
type bucket struct {
	errors float64 // weighted error sum
	total  int     // total requests
}

// SlidingWindow is a fixed-size ring buffer of 1-second buckets.
// The array is stack-allocated to avoid heap allocs.
type SlidingWindow struct {
	buckets  [60]bucket
	size     int   // number of active buckets (== windowSeconds)
	head     int   // index of current bucket
	headTime int64 // unix seconds of head bucket
}

// newSlidingWindow creates a sliding window with the given bucket count (capped at 60).
func newSlidingWindow(windowSeconds int) SlidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return SlidingWindow{size: windowSeconds}
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *SlidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clear := min(int(gap), w.size)
	for i := range clear {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// Record adds a request with the given error weight to the current bucket.
// Weight 0 means success.
func (w *SlidingWindow) Record(weight float64, now time.Time) {
	nowSec := now.Unix()
	w.advance(nowSec)
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// ErrorRate returns the weighted error rate and total sample count across the window.
func (w *SlidingWindow) ErrorRate(now time.Time) (rate float64, samples int) {
	nowSec := now.Unix()
	w.advance(nowSec)
	var totalErrors float64
	var totalRequests int
	for i := range w.size {
		b := &w.buckets[i]
		totalErrors += b.errors
		totalRequests += b.total
	}
	if totalRequests == 0 {
		return 0, 0
	}
	return totalErrors / float64(totalRequests), totalRequests
}

// Reset clears all buckets.
func (w *SlidingWindow) Reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.headTime = 0
	w.head = 0
}

// Breaker is a per-provider circuit breaker state machine. The open timeout
// grows by OpenTimeoutFactor on each successive open and resets when the
// breaker closes.
type Breaker struct {
	mu              sync.Mutex
	state           State
	window          SlidingWindow
	openedAt        time.Time
	lastUsed        time.Time // for stale eviction
	probing         bool      // true when a half-open probe is in flight
	probeSuccesses  int       // successes accumulated in half-open
	curOpenTimeout  time.Duration
	cfg             Config
	onStateChange   func(from, to State) // optional, called outside critical path decisions
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.OpenTimeoutFactor <= 1 {
		cfg.OpenTimeoutFactor = 2.0
	}
	if cfg.OpenTimeoutMax <= 0 {
		cfg.OpenTimeoutMax = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	return &Breaker{
		state:          StateClosed,
		window:         newSlidingWindow(cfg.WindowSeconds),
		cfg:            cfg,
		curOpenTimeout: cfg.OpenTimeout,
		lastUsed:       time.Now(),
	}
}

// OnStateChange registers a callback invoked (with the lock held) on every
// state transition. Keep it cheap; it exists for event emission and metrics.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a request should be allowed through.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.curOpenTimeout {
			b.transition(StateHalfOpen)
			b.probeSuccesses = 0
			// Allow this request as the probe.
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		// Another probe is already in flight; reject.
		return false
	}
	return false
}

// CanAttempt reports whether a request could currently be admitted, without
// consuming the half-open probe slot. Routing uses this as an advisory bit;
// the dispatching caller still goes through Allow.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(b.openedAt) >= b.curOpenTimeout
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(0, now)

	if b.state == StateHalfOpen {
		b.probing = false
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transition(StateClosed)
			b.window.Reset()
			b.curOpenTimeout = b.cfg.OpenTimeout
		}
	}
}

// RecordError records a failed request with the given error weight.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.ErrorRate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.transition(StateOpen)
			b.openedAt = now
		}
	case StateHalfOpen:
		// Probe failed: reopen with a grown timeout.
		b.transition(StateOpen)
		b.openedAt = now
		b.probing = false
		grown := time.Duration(float64(b.curOpenTimeout) * b.cfg.OpenTimeoutFactor)
		b.curOpenTimeout = min(grown, b.cfg.OpenTimeoutMax)
	}
}

// OpenTimeout returns the current (possibly grown) open timeout.
func (b *Breaker) OpenTimeout() time.Duration {
	b.mu.Lock()
	d := b.curOpenTimeout
	b.mu.Unlock()
	return d
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
