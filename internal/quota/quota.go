// Package quota enforces per-provider per-minute request and token budgets
// over the KV store. Counters live in rolling one-minute buckets with a 60s
// TTL, so memory stays bounded without a cleanup pass.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/istari-ai/istari/internal/kv"
)

// Limits holds the configured per-minute limits for a provider.
// Zero means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Remaining is a point-in-time view of a provider's quota headroom.
// A limit of 0 reports Remaining -1 (unlimited).
type Remaining struct {
	RPM      int64
	TPM      int64
	RPMLimit int64
	TPMLimit int64
	Reset    time.Time // start of the next minute bucket
}

// Tracker checks and records provider quota consumption. It is rebuilt on
// config reload (it carries no state of its own); the counters live in KV.
type Tracker struct {
	kv     kv.Store
	limits map[string]Limits
	now    func() time.Time
}

// New creates a Tracker with the given per-provider limits.
func New(store kv.Store, limits map[string]Limits) *Tracker {
	return &Tracker{kv: store, limits: limits, now: time.Now}
}

// SetClock overrides the time source (test hook).
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

const bucketTTL = 60 * time.Second

func (t *Tracker) epochMinute() int64 { return t.now().Unix() / 60 }

func rpmKey(providerKey string, minute int64) string {
	return fmt.Sprintf("rl:%s:rpm:%d", providerKey, minute)
}

func tpmKey(providerKey string, minute int64) string {
	return fmt.Sprintf("rl:%s:tpm:%d", providerKey, minute)
}

// CheckAndReserve atomically admits a request against the provider's RPM and
// TPM limits and, when admitted, consumes one RPM slot. TPM is inspected
// against tokens already recorded this minute; the actual token cost is only
// known after the response and is added by RecordUsage. Providers with no
// configured limits are always admitted. KV errors fail open.
func (t *Tracker) CheckAndReserve(ctx context.Context, providerKey string) bool {
	lim, ok := t.limits[providerKey]
	if !ok || (lim.RPM <= 0 && lim.TPM <= 0) {
		return true
	}

	minute := t.epochMinute()
	allowed := true
	err := t.kv.Eval(ctx, func(tx kv.Tx) error {
		if lim.RPM > 0 {
			// Peek without consuming.
			if cur := tx.IncrBy(rpmKey(providerKey, minute), 0, bucketTTL); cur >= lim.RPM {
				allowed = false
				return nil
			}
		}
		if lim.TPM > 0 {
			if cur := tx.IncrBy(tpmKey(providerKey, minute), 0, bucketTTL); cur >= lim.TPM {
				allowed = false
				return nil
			}
		}
		if lim.RPM > 0 {
			tx.IncrBy(rpmKey(providerKey, minute), 1, bucketTTL)
		}
		return nil
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "quota store unavailable, failing open",
			slog.String("provider_key", providerKey),
			slog.String("error", err.Error()),
		)
		return true
	}
	return allowed
}

// RecordUsage adds the observed token cost to the current minute bucket.
// Recorded unconditionally so Remaining reports real consumption even for
// providers without a TPM limit.
func (t *Tracker) RecordUsage(ctx context.Context, providerKey string, inputTokens, outputTokens int) {
	total := int64(inputTokens + outputTokens)
	if total <= 0 {
		return
	}
	if _, err := t.kv.IncrBy(ctx, tpmKey(providerKey, t.epochMinute()), total, bucketTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "quota usage record failed",
			slog.String("provider_key", providerKey),
			slog.String("error", err.Error()),
		)
	}
}

// HasHeadroom reports whether the provider has quota left this minute,
// without consuming anything. The router uses this as its quota bit; the
// authoritative admit is still CheckAndReserve. Fail open.
func (t *Tracker) HasHeadroom(ctx context.Context, providerKey string) bool {
	lim, ok := t.limits[providerKey]
	if !ok || (lim.RPM <= 0 && lim.TPM <= 0) {
		return true
	}
	rem := t.Remaining(ctx, providerKey)
	if rem.RPMLimit > 0 && rem.RPM <= 0 {
		return false
	}
	if rem.TPMLimit > 0 && rem.TPM <= 0 {
		return false
	}
	return true
}

// Remaining reports current headroom for a provider. Unlimited dimensions
// report -1. KV errors report full headroom (fail open).
func (t *Tracker) Remaining(ctx context.Context, providerKey string) Remaining {
	lim := t.limits[providerKey]
	minute := t.epochMinute()
	out := Remaining{
		RPM:      -1,
		TPM:      -1,
		RPMLimit: lim.RPM,
		TPMLimit: lim.TPM,
		Reset:    time.Unix((minute+1)*60, 0),
	}

	err := t.kv.Eval(ctx, func(tx kv.Tx) error {
		if lim.RPM > 0 {
			used := tx.IncrBy(rpmKey(providerKey, minute), 0, bucketTTL)
			out.RPM = max(lim.RPM-used, 0)
		}
		if lim.TPM > 0 {
			used := tx.IncrBy(tpmKey(providerKey, minute), 0, bucketTTL)
			out.TPM = max(lim.TPM-used, 0)
		}
		return nil
	})
	if err != nil {
		if lim.RPM > 0 {
			out.RPM = lim.RPM
		}
		if lim.TPM > 0 {
			out.TPM = lim.TPM
		}
	}
	return out
}

// Limits returns the configured limits for a provider.
func (t *Tracker) Limits(providerKey string) Limits { return t.limits[providerKey] }

// Providers returns the keys that have at least one limit configured.
func (t *Tracker) Providers() []string {
	out := make([]string, 0, len(t.limits))
	for k, lim := range t.limits {
		if lim.RPM > 0 || lim.TPM > 0 {
			out = append(out, k)
		}
	}
	return out
}
