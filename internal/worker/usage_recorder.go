package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/istari-ai/istari/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// UsageRecorder buffers usage records off the request path and batch-flushes
// them to the store. When the buffer is full records are dropped rather than
// blocking a request on a slow database; drops are counted and logged.
type UsageRecorder struct {
	ch      chan gateway.UsageRecord
	store   UsageStore
	dropped atomic.Int64
}

var _ gateway.UsageSink = (*UsageRecorder)(nil)

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan gateway.UsageRecord, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking.
func (u *UsageRecorder) Record(r gateway.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		if n := u.dropped.Add(1); n%100 == 1 {
			slog.Warn("usage records dropped, channel full", "total_dropped", n)
		}
	}
}

// Run batches records until ctx is cancelled, then drains what remains.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	pending := make([]gateway.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			pending = append(pending, r)
			if len(pending) >= usageBatchSize {
				pending = u.flush(ctx, pending)
			}

		case <-ticker.C:
			pending = u.flush(ctx, pending)

		case <-ctx.Done():
			u.drain(pending)
			return nil
		}
	}
}

// drain empties the channel and flushes everything, bounded by a timeout so
// shutdown cannot hang on a wedged database.
func (u *UsageRecorder) drain(pending []gateway.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			pending = append(pending, r)
			if len(pending) >= usageBatchSize {
				pending = u.flush(ctx, pending)
			}
		default:
			u.flush(ctx, pending)
			return
		}
	}
}

// flush writes pending to the store and returns the reusable empty slice.
// Record IDs are assigned here, off the request path; callers leave ID empty.
func (u *UsageRecorder) flush(ctx context.Context, pending []gateway.UsageRecord) []gateway.UsageRecord {
	if len(pending) == 0 {
		return pending
	}

	batch := make([]gateway.UsageRecord, len(pending))
	copy(batch, pending)
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	return pending[:0]
}
