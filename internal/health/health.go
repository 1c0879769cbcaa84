// Package health tracks per-provider failure memory in the KV store: a
// penalty timer with exponential cooldown and a half-open recovery state.
// Unlike the in-process circuit breaker, this state survives restarts and is
// shared across instances when the KV store is clustered.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/istari-ai/istari/internal/kv"
)

// States of a provider's health entry.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Entry is the per-provider record stored at health:<providerKey>.
type Entry struct {
	State               string    `json:"state"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	SuccessesInHalfOpen int       `json:"successes_in_half_open"`
	TotalRequests       int64     `json:"total_requests"`
	Failures            int64     `json:"failures"`
	Opens               int       `json:"opens"` // successive opens, drives cooldown growth
}

// Config holds the health store parameters.
type Config struct {
	FailureRateThreshold     float64
	MinimumRequests          int64
	HalfOpenSuccessThreshold int
	BackoffBase              time.Duration
	BackoffMax               time.Duration
	BackoffMultiplier        float64
	EntryTTL                 time.Duration // retention for idle entries
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:     0.50,
		MinimumRequests:          10,
		HalfOpenSuccessThreshold: 3,
		BackoffBase:              1 * time.Second,
		BackoffMax:               30 * time.Second,
		BackoffMultiplier:        2.0,
		EntryTTL:                 24 * time.Hour,
	}
}

// Store is the KV-backed health state machine. All operations fail open: a
// KV outage must not cascade into a routing outage.
type Store struct {
	kv       kv.Store
	cfg      Config
	now      func() time.Time
	jitter   func() float64 // uniform in [-0.1, 0.1]
	onChange func(providerKey, from, to string)
}

// New creates a Store over the given KV backend.
func New(store kv.Store, cfg Config) *Store {
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 24 * time.Hour
	}
	return &Store{
		kv:     store,
		cfg:    cfg,
		now:    time.Now,
		jitter: func() float64 { return (rand.Float64() - 0.5) / 5 },
	}
}

// SetClock overrides the time source (test hook).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SetJitter overrides the jitter source (test hook).
func (s *Store) SetJitter(fn func() float64) { s.jitter = fn }

// OnStateChange registers a callback invoked after each state transition.
func (s *Store) OnStateChange(fn func(providerKey, from, to string)) { s.onChange = fn }

func entryKey(providerKey string) string   { return "health:" + providerKey }
func penaltyKey(providerKey string) string { return "health:" + providerKey + ":penalty" }

func (s *Store) load(tx kv.Tx, providerKey string) Entry {
	raw, ok := tx.Get(entryKey(providerKey))
	if !ok {
		return Entry{State: StateClosed}
	}
	var e Entry
	if json.Unmarshal([]byte(raw), &e) != nil || e.State == "" {
		return Entry{State: StateClosed}
	}
	return e
}

func (s *Store) save(tx kv.Tx, providerKey string, e Entry) {
	raw, _ := json.Marshal(e)
	tx.Set(entryKey(providerKey), string(raw), s.cfg.EntryTTL)
}

// cooldown computes the penalty duration for the given successive-open count
// (1-based), with exponential growth, a cap, and +/-10% jitter.
func (s *Store) cooldown(opens int) time.Duration {
	d := float64(s.cfg.BackoffBase)
	for i := 1; i < opens; i++ {
		d *= s.cfg.BackoffMultiplier
		if d >= float64(s.cfg.BackoffMax) {
			d = float64(s.cfg.BackoffMax)
			break
		}
	}
	d *= 1 + s.jitter()
	if max := float64(s.cfg.BackoffMax); d > max {
		d = max
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}

// AllowRequest reports whether requests to the provider may proceed.
// Open providers are blocked while the penalty key lives; once it expires the
// entry moves to half-open and the request is admitted as a probe.
func (s *Store) AllowRequest(ctx context.Context, providerKey string) bool {
	allow := true
	err := s.kv.Eval(ctx, func(tx kv.Tx) error {
		e := s.load(tx, providerKey)
		switch e.State {
		case StateOpen:
			if _, penalized := tx.Get(penaltyKey(providerKey)); penalized {
				allow = false
				return nil
			}
			// Penalty expired: cross to half-open and admit.
			s.saveTransition(tx, providerKey, e, StateHalfOpen, func(e *Entry) {
				e.SuccessesInHalfOpen = 0
			})
		case StateHalfOpen, StateClosed:
			// Admitted.
		}
		return nil
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "health store unavailable, failing open",
			slog.String("provider_key", providerKey),
			slog.String("error", err.Error()),
		)
		return true
	}
	return allow
}

// MarkSuccess records a successful upstream call.
func (s *Store) MarkSuccess(ctx context.Context, providerKey string) {
	err := s.kv.Eval(ctx, func(tx kv.Tx) error {
		e := s.load(tx, providerKey)
		switch e.State {
		case StateClosed:
			e.TotalRequests++
			s.decay(&e)
			s.save(tx, providerKey, e)
			tx.Delete(penaltyKey(providerKey))
		case StateHalfOpen:
			e.SuccessesInHalfOpen++
			if e.SuccessesInHalfOpen >= s.cfg.HalfOpenSuccessThreshold {
				s.saveTransition(tx, providerKey, e, StateClosed, func(e *Entry) {
					e.TotalRequests = 0
					e.Failures = 0
					e.Opens = 0
					e.SuccessesInHalfOpen = 0
				})
				tx.Delete(penaltyKey(providerKey))
			} else {
				s.save(tx, providerKey, e)
			}
		case StateOpen:
			// Late success from a request admitted before the open; ignore.
		}
		return nil
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "health store unavailable on success",
			slog.String("provider_key", providerKey),
			slog.String("error", err.Error()),
		)
	}
}

// MarkFailure records a failed upstream call. suggestedCooldown, when
// positive (e.g. from an upstream Retry-After), extends the computed penalty.
func (s *Store) MarkFailure(ctx context.Context, providerKey string, suggestedCooldown time.Duration) {
	err := s.kv.Eval(ctx, func(tx kv.Tx) error {
		e := s.load(tx, providerKey)
		switch e.State {
		case StateClosed:
			e.TotalRequests++
			e.Failures++
			if e.TotalRequests >= s.cfg.MinimumRequests &&
				float64(e.Failures)/float64(e.TotalRequests) >= s.cfg.FailureRateThreshold {
				s.open(tx, providerKey, e, suggestedCooldown)
			} else {
				s.decay(&e)
				s.save(tx, providerKey, e)
			}
		case StateHalfOpen:
			// Failed probe reopens immediately with a grown cooldown.
			s.open(tx, providerKey, e, suggestedCooldown)
		case StateOpen:
			// Already open; leave the penalty untouched.
		}
		return nil
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "health store unavailable on failure",
			slog.String("provider_key", providerKey),
			slog.String("error", err.Error()),
		)
	}
}

// open transitions to Open and arms the penalty key with the cooldown TTL.
func (s *Store) open(tx kv.Tx, providerKey string, e Entry, suggested time.Duration) {
	s.saveTransition(tx, providerKey, e, StateOpen, func(e *Entry) {
		e.Opens++
		e.OpenedAt = s.now()
		e.SuccessesInHalfOpen = 0
	})
	cd := s.cooldown(e.Opens + 1)
	if suggested > cd {
		cd = suggested
		if cd > s.cfg.BackoffMax {
			cd = s.cfg.BackoffMax
		}
	}
	tx.Set(penaltyKey(providerKey), "1", cd)
}

// saveTransition applies mutate, persists, and fires the change callback.
func (s *Store) saveTransition(tx kv.Tx, providerKey string, e Entry, to string, mutate func(*Entry)) {
	from := e.State
	e.State = to
	if mutate != nil {
		mutate(&e)
	}
	s.save(tx, providerKey, e)
	if s.onChange != nil && from != to {
		s.onChange(providerKey, from, to)
	}
}

// decay halves the closed-state counters once they exceed twice the minimum
// sample size, so the failure rate reflects recent traffic rather than
// process lifetime totals.
func (s *Store) decay(e *Entry) {
	if e.TotalRequests > 2*s.cfg.MinimumRequests {
		e.TotalRequests /= 2
		e.Failures /= 2
	}
}

// State returns the current state for a provider (StateClosed when unknown).
// Errors fail open to closed.
func (s *Store) State(ctx context.Context, providerKey string) string {
	state := StateClosed
	err := s.kv.Eval(ctx, func(tx kv.Tx) error {
		state = s.load(tx, providerKey).State
		return nil
	})
	if err != nil {
		return StateClosed
	}
	return state
}
