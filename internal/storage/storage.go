// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/istari-ai/istari/internal"
)

// UsageFilter narrows usage queries. Zero-valued fields are ignored.
// Since and Until are RFC 3339 timestamps compared against occurred_at.
type UsageFilter struct {
	TenantID    string
	ProviderKey string
	CanonicalID string
	Since       string
	Until       string
	Limit       int
	Offset      int
}

// UsageSummary is an aggregate over a set of usage records.
type UsageSummary struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Errors       int64   `json:"errors"`
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.UsageRecord, error)
	SummarizeUsage(ctx context.Context, f UsageFilter) (UsageSummary, error)
}

// Store is the full persistence surface the gateway binds at startup.
type Store interface {
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
