package worker

import (
	"context"
	"time"

	"github.com/istari-ai/istari/internal/events"
	"github.com/istari-ai/istari/internal/quota"
)

const (
	quotaWarnInterval = 15 * time.Second
	quotaWarnFraction = 0.1
)

// QuotaWarnWorker watches provider quota headroom and emits a QuotaWarning
// event when a provider drops below 10% of either limit. At most one warning
// per provider per minute bucket; counters reset when the bucket rolls over.
type QuotaWarnWorker struct {
	tracker    *quota.Tracker
	sink       events.Sink
	now        func() time.Time
	lastWarned map[string]int64 // provider -> epoch minute of last warning
}

// NewQuotaWarnWorker creates a QuotaWarnWorker.
func NewQuotaWarnWorker(tracker *quota.Tracker, sink events.Sink) *QuotaWarnWorker {
	return &QuotaWarnWorker{
		tracker:    tracker,
		sink:       sink,
		now:        time.Now,
		lastWarned: make(map[string]int64),
	}
}

// Name returns the worker identifier.
func (w *QuotaWarnWorker) Name() string { return "quota_warn" }

// SetClock overrides the time source (test hook).
func (w *QuotaWarnWorker) SetClock(now func() time.Time) { w.now = now }

// Run polls quota headroom until ctx is cancelled.
func (w *QuotaWarnWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(quotaWarnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaWarnWorker) check(ctx context.Context) {
	minute := w.now().Unix() / 60
	for _, key := range w.tracker.Providers() {
		if w.lastWarned[key] == minute {
			continue
		}
		rem := w.tracker.Remaining(ctx, key)
		if !low(rem.RPM, rem.RPMLimit) && !low(rem.TPM, rem.TPMLimit) {
			continue
		}
		w.lastWarned[key] = minute
		w.sink.QuotaWarning(ctx, events.QuotaWarning{
			ProviderKey:  key,
			RPMRemaining: rem.RPM,
			RPMLimit:     rem.RPMLimit,
			TPMRemaining: rem.TPM,
			TPMLimit:     rem.TPMLimit,
			At:           w.now(),
		})
	}
}

// low reports whether remaining has dropped below the warning fraction of
// limit. Unlimited dimensions (limit 0, remaining -1) never warn.
func low(remaining, limit int64) bool {
	if limit <= 0 {
		return false
	}
	return float64(remaining) < float64(limit)*quotaWarnFraction
}
