package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 13
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.TenantID, r.UserID,
			r.CanonicalID, r.ProviderKey,
			r.InputTokens, r.OutputTokens, r.CostUSD,
			r.LatencyMs, boolToInt(r.OK), r.ErrorCode,
			r.OccurredAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, tenant_id, user_id, canonical_id, provider_key,
		 input_tokens, output_tokens, cost_usd, latency_ms, ok, error_code, occurred_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, tenant_id, user_id, canonical_id, provider_key,
		input_tokens, output_tokens, cost_usd, latency_ms, ok, error_code, occurred_at
		FROM usage_records` + where + ` ORDER BY occurred_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var ok int
		var occurredAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.TenantID, &r.UserID,
			&r.CanonicalID, &r.ProviderKey,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD,
			&r.LatencyMs, &ok, &r.ErrorCode, &occurredAt,
		)
		if err != nil {
			return nil, err
		}
		r.OK = ok != 0
		if t, e := time.Parse(time.RFC3339, occurredAt); e == nil {
			r.OccurredAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeUsage aggregates request counts, tokens, and cost over the
// records matching the filter.
func (s *Store) SummarizeUsage(ctx context.Context, f storage.UsageFilter) (storage.UsageSummary, error) {
	where, args := usageWhere(f)
	var sum storage.UsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(input_tokens), 0),
		 COALESCE(SUM(output_tokens), 0),
		 COALESCE(SUM(cost_usd), 0),
		 COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		 FROM usage_records`+where, args...,
	).Scan(&sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD, &sum.Errors)
	return sum, err
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ProviderKey != "" {
		clauses = append(clauses, "provider_key = ?")
		args = append(args, f.ProviderKey)
	}
	if f.CanonicalID != "" {
		clauses = append(clauses, "canonical_id = ?")
		args = append(args, f.CanonicalID)
	}
	if f.Since != "" {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
