// Package pipeline orchestrates one chat completion end to end: resolve the
// model, rank candidates, and walk the chain with per-attempt deadlines,
// quota reservation, and failure accounting. Config-derived components live
// in an atomically swapped snapshot so a reload never tears a request.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/circuitbreaker"
	"github.com/istari-ai/istari/internal/config"
	"github.com/istari-ai/istari/internal/cost"
	"github.com/istari-ai/istari/internal/health"
	"github.com/istari-ai/istari/internal/kv"
	"github.com/istari-ai/istari/internal/provider"
	"github.com/istari-ai/istari/internal/quota"
	"github.com/istari-ai/istari/internal/resolver"
	"github.com/istari-ai/istari/internal/router"
	"github.com/istari-ai/istari/internal/telemetry"
)

// Snapshot bundles the config-derived components. A reload builds a fresh
// Snapshot and swaps it in; in-flight requests keep the one they started with.
type Snapshot struct {
	Resolver *resolver.Resolver
	Router   *router.Router
	Costs    *cost.Service
	Quota    *quota.Tracker
	Timeouts config.TimeoutConfig
}

// registryGate adapts the breaker registry to the router's advisory gate.
type registryGate struct {
	breakers *circuitbreaker.Registry
}

func (g registryGate) Allow(providerKey string) bool {
	b := g.breakers.Get(providerKey)
	return b == nil || b.CanAttempt()
}

// BuildSnapshot assembles a Snapshot from a gateway config section and the
// long-lived stores.
func BuildSnapshot(gw config.GatewayConfig, store kv.Store, healthStore *health.Store, breakers *circuitbreaker.Registry) *Snapshot {
	costs := cost.New(gw)
	limits := make(map[string]quota.Limits, len(gw.Providers))
	for key, p := range gw.Providers {
		limits[key] = quota.Limits{RPM: p.RateLimitRPM, TPM: p.RateLimitTPM}
	}
	tracker := quota.New(store, limits)
	return &Snapshot{
		Resolver: resolver.New(gw),
		Router:   router.New(costs, healthStore, tracker, registryGate{breakers}),
		Costs:    costs,
		Quota:    tracker,
		Timeouts: gw.Timeouts,
	}
}

// Meta describes how a request was served, for response headers and logging.
type Meta struct {
	ProviderKey string
	CanonicalID string
	ModelPath   string
	Degraded    bool
	Attempts    int
}

// Engine walks the candidate chain for each request. Long-lived state (the
// provider registry, health stores, usage sink) is fixed at construction;
// everything config-derived comes from the current Snapshot.
type Engine struct {
	snap      atomic.Pointer[Snapshot]
	providers *provider.Registry
	health    *health.Store
	breakers  *circuitbreaker.Registry
	usage     gateway.UsageSink
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// New creates an Engine. The usage sink may be nil (usage emission disabled).
func New(snap *Snapshot, providers *provider.Registry, healthStore *health.Store, breakers *circuitbreaker.Registry, usage gateway.UsageSink, metrics *telemetry.Metrics) *Engine {
	e := &Engine{
		providers: providers,
		health:    healthStore,
		breakers:  breakers,
		usage:     usage,
		metrics:   metrics,
		now:       time.Now,
	}
	e.snap.Store(snap)
	return e
}

// Reload swaps in a new snapshot. In-flight requests are unaffected.
func (e *Engine) Reload(snap *Snapshot) { e.snap.Store(snap) }

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// ChatCompletion serves a non-streaming request, falling back along the
// candidate chain on eligible failures.
func (e *Engine) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, *Meta, error) {
	snap := e.snap.Load()
	ranking, meta, err := e.route(ctx, snap, req)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	prevKey := ""
	for _, c := range ranking.Candidates {
		if !e.admit(ctx, snap, c.ProviderKey) {
			continue
		}
		meta.Attempts++
		if prevKey != "" {
			e.metrics.FallbacksTotal.WithLabelValues(prevKey, c.ProviderKey).Inc()
		}
		prevKey = c.ProviderKey

		resp, err := e.attempt(ctx, snap, req, c.Candidate)
		if err == nil {
			meta.ProviderKey = c.ProviderKey
			meta.CanonicalID = c.CanonicalID
			meta.ModelPath = c.ModelPath
			resp.Model = ranking.Requested
			return resp, meta, nil
		}
		lastErr = err
		if !fallbackEligible(ctx, err) {
			return nil, nil, err
		}
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, gateway.ErrNoHealthyProvider
}

// route resolves and ranks, mapping empty outcomes to domain errors.
func (e *Engine) route(ctx context.Context, snap *Snapshot, req *gateway.ChatRequest) (rankingResult, *Meta, error) {
	id := gateway.IdentityFromContext(ctx)
	tenant := ""
	if id != nil {
		tenant = id.TenantID
	}

	res, err := snap.Resolver.Resolve(req.Model, tenant)
	if err != nil {
		return rankingResult{}, nil, err
	}

	ranking := snap.Router.Rank(ctx, res)
	if len(ranking.Candidates) == 0 {
		return rankingResult{}, nil, gateway.ErrNoHealthyProvider
	}
	if ranking.Degraded {
		e.metrics.DegradedRoutes.Inc()
	}
	return rankingResult{Ranking: ranking, Requested: res.CanonicalID}, &Meta{Degraded: ranking.Degraded}, nil
}

type rankingResult struct {
	router.Ranking
	Requested string // the model string as the client sent it
}

// admit runs the consuming gates in order: the breaker (which may take the
// half-open probe slot) and the quota reservation. A reserved RPM slot stays
// consumed even if the attempt later fails or is cancelled.
func (e *Engine) admit(ctx context.Context, snap *Snapshot, providerKey string) bool {
	if !e.breakers.GetOrCreate(providerKey).Allow() {
		return false
	}
	if !snap.Quota.CheckAndReserve(ctx, providerKey) {
		e.metrics.QuotaRejects.WithLabelValues(providerKey).Inc()
		return false
	}
	return true
}

// attempt dispatches one non-streaming upstream call and settles its outcome.
func (e *Engine) attempt(ctx context.Context, snap *Snapshot, req *gateway.ChatRequest, c resolver.Candidate) (*gateway.ChatResponse, error) {
	p, err := e.providers.Get(c.ProviderKey)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, snap.Timeouts.Attempt)
	defer cancel()

	// Shallow copy to avoid mutating the caller's request.
	outReq := *req
	outReq.Model = c.ModelPath

	start := e.now()
	resp, err := p.ChatCompletion(attemptCtx, &outReq)
	latency := e.now().Sub(start)
	e.metrics.UpstreamDuration.WithLabelValues(c.ProviderKey, c.CanonicalID).Observe(latency.Seconds())

	if err != nil {
		e.settleFailure(ctx, snap, c, err, latency)
		return nil, err
	}

	in, out := 0, 0
	if resp.Usage != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	e.settleSuccess(ctx, snap, c, in, out, latency)
	return resp, nil
}

// settleSuccess records a successful attempt everywhere it counts.
func (e *Engine) settleSuccess(ctx context.Context, snap *Snapshot, c resolver.Candidate, in, out int, latency time.Duration) {
	e.breakers.GetOrCreate(c.ProviderKey).RecordSuccess()
	e.health.MarkSuccess(ctx, c.ProviderKey)
	snap.Quota.RecordUsage(ctx, c.ProviderKey, in, out)
	e.metrics.TokensProcessed.WithLabelValues(c.ProviderKey, "input").Add(float64(in))
	e.metrics.TokensProcessed.WithLabelValues(c.ProviderKey, "output").Add(float64(out))
	e.emitUsage(ctx, snap, c, in, out, latency, true, "")
}

// settleFailure records a failed attempt. Client cancellation is not the
// provider's fault: no breaker or health penalty, no error metric.
func (e *Engine) settleFailure(ctx context.Context, snap *Snapshot, c resolver.Candidate, err error, latency time.Duration) {
	if clientCancelled(ctx, err) {
		e.emitUsage(ctx, snap, c, 0, 0, latency, false, "cancelled")
		return
	}

	weight := circuitbreaker.ClassifyError(err)
	e.breakers.GetOrCreate(c.ProviderKey).RecordError(weight)
	if weight > 0 {
		e.health.MarkFailure(ctx, c.ProviderKey, suggestedCooldown(err))
	}
	e.metrics.UpstreamErrors.WithLabelValues(c.ProviderKey, errorCode(err)).Inc()
	e.emitUsage(ctx, snap, c, 0, 0, latency, false, errorCode(err))

	slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
		slog.String("provider_key", c.ProviderKey),
		slog.String("canonical_id", c.CanonicalID),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) emitUsage(ctx context.Context, snap *Snapshot, c resolver.Candidate, in, out int, latency time.Duration, ok bool, errCode string) {
	if e.usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		RequestID:    gateway.RequestIDFromContext(ctx),
		CanonicalID:  c.CanonicalID,
		ProviderKey:  c.ProviderKey,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      snap.Costs.Estimate(c.ProviderKey, c.ModelPath, in, out),
		LatencyMs:    latency.Milliseconds(),
		OK:           ok,
		ErrorCode:    errCode,
		OccurredAt:   e.now(),
	}
	if id := gateway.IdentityFromContext(ctx); id != nil {
		rec.TenantID = id.TenantID
		rec.UserID = id.UserID
	}
	e.usage.Record(rec)
}

// clientCancelled reports whether the failure traces back to the client
// going away, as opposed to the per-attempt deadline firing.
func clientCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled)
}

// fallbackEligible reports whether the chain may advance past this failure.
// Auth, validation, and content errors would fail identically everywhere;
// client cancellation means nobody is waiting for a second attempt.
func fallbackEligible(ctx context.Context, err error) bool {
	if clientCancelled(ctx, err) {
		return false
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Fallback()
	}
	// Timeouts and transport failures advance the chain.
	return true
}

// suggestedCooldown extracts an upstream Retry-After hint when present.
func suggestedCooldown(err error) time.Duration {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// errorCode maps a failure to the short code used in metrics and usage rows.
func errorCode(err error) string {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Category)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
