package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorInterval  = time.Minute
	janitorRetention = 10 * time.Minute
)

// StaleEvictor removes per-key state not touched since cutoff. Implemented by
// the circuit breaker and identity rate limit registries.
type StaleEvictor interface {
	EvictStale(cutoff time.Time) int
}

// Sweeper removes expired entries. Implemented by the in-memory KV store.
type Sweeper interface {
	Sweep() int
}

// Janitor periodically evicts idle per-key state and sweeps expired KV
// entries so long-running gateways do not accumulate dead buckets.
type Janitor struct {
	evictors []StaleEvictor
	sweepers []Sweeper
	now      func() time.Time
}

// NewJanitor creates a Janitor over the given targets. Nil entries are allowed
// and skipped, so callers can pass optional components unconditionally.
func NewJanitor(evictors []StaleEvictor, sweepers []Sweeper) *Janitor {
	return &Janitor{evictors: evictors, sweepers: sweepers, now: time.Now}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// SetClock overrides the time source (test hook).
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Run sweeps on a fixed interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := j.now().Add(-janitorRetention)
	evicted, swept := 0, 0
	for _, e := range j.evictors {
		if e != nil {
			evicted += e.EvictStale(cutoff)
		}
	}
	for _, s := range j.sweepers {
		if s != nil {
			swept += s.Sweep()
		}
	}
	if evicted > 0 || swept > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "janitor sweep",
			slog.Int("evicted", evicted),
			slog.Int("swept", swept),
		)
	}
}
