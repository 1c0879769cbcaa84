// Package events defines the outbound event surface: provider health
// transitions and quota warnings. The default sink logs through slog;
// alternative sinks can fan these out to external systems.
package events

import (
	"context"
	"log/slog"
	"time"
)

// ProviderStatusChanged is emitted on every health or breaker state
// transition for a provider.
type ProviderStatusChanged struct {
	ProviderKey string    `json:"provider_key"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	At          time.Time `json:"at"`
}

// QuotaWarning is emitted when a provider's remaining per-minute quota drops
// below the warning threshold. Remaining values are live counter reads.
type QuotaWarning struct {
	ProviderKey  string    `json:"provider_key"`
	RPMRemaining int64     `json:"rpm_remaining"`
	RPMLimit     int64     `json:"rpm_limit"`
	TPMRemaining int64     `json:"tpm_remaining"`
	TPMLimit     int64     `json:"tpm_limit"`
	At           time.Time `json:"at"`
}

// Sink receives gateway events. Implementations must not block.
type Sink interface {
	ProviderStatusChanged(ctx context.Context, e ProviderStatusChanged)
	QuotaWarning(ctx context.Context, e QuotaWarning)
}

// SlogSink logs events as structured log lines.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a Sink backed by the given logger, or slog.Default()
// when nil.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) ProviderStatusChanged(ctx context.Context, e ProviderStatusChanged) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "provider status changed",
		slog.String("provider_key", e.ProviderKey),
		slog.String("from", e.From),
		slog.String("to", e.To),
	)
}

func (s *SlogSink) QuotaWarning(ctx context.Context, e QuotaWarning) {
	s.log.LogAttrs(ctx, slog.LevelWarn, "provider quota low",
		slog.String("provider_key", e.ProviderKey),
		slog.Int64("rpm_remaining", e.RPMRemaining),
		slog.Int64("rpm_limit", e.RPMLimit),
		slog.Int64("tpm_remaining", e.TPMRemaining),
		slog.Int64("tpm_limit", e.TPMLimit),
	)
}
