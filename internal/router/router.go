// Package router turns a resolution result into the final candidate order.
// It enriches each candidate with cost and gate bits, filters out gated
// candidates, and ranks the survivors deterministically.
package router

import (
	"context"
	"log/slog"
	"slices"

	"github.com/istari-ai/istari/internal/cost"
	"github.com/istari-ai/istari/internal/resolver"
)

// HealthGate is the KV-backed penalty gate consulted per candidate.
type HealthGate interface {
	AllowRequest(ctx context.Context, providerKey string) bool
}

// QuotaGate reports whether a provider has per-minute quota headroom left.
// This is advisory; the pipeline still reserves atomically before dispatch.
type QuotaGate interface {
	HasHeadroom(ctx context.Context, providerKey string) bool
}

// BreakerGate is the in-process failure-rate breaker consulted per candidate.
type BreakerGate interface {
	Allow(providerKey string) bool
}

// EnrichedCandidate is a resolver candidate annotated with everything the
// ranking needs. It lives only for the duration of one request.
type EnrichedCandidate struct {
	resolver.Candidate

	InputCostPerMTok  float64
	OutputCostPerMTok float64
	FreeTier          bool
	Healthy           bool
	QuotaAvailable    bool
	BreakerAllows     bool
}

func (c EnrichedCandidate) totalCost() float64 {
	return c.InputCostPerMTok + c.OutputCostPerMTok
}

// Ranking is the ordered candidate list handed to the pipeline. Degraded is
// set when every candidate was gated and the health/quota filters were
// dropped to keep serving.
type Ranking struct {
	Candidates []EnrichedCandidate
	Degraded   bool
}

// Router ranks candidates against one config snapshot.
type Router struct {
	costs   *cost.Service
	health  HealthGate
	quota   QuotaGate
	breaker BreakerGate
}

// New builds a Router over the given gates and cost service.
func New(costs *cost.Service, health HealthGate, quota QuotaGate, breaker BreakerGate) *Router {
	return &Router{costs: costs, health: health, quota: quota, breaker: breaker}
}

// Rank enriches, filters, and orders the resolved candidates. When filtering
// empties the list it retries once keeping only the breaker gate, so a burst
// of penalties degrades service instead of blacking it out.
func (r *Router) Rank(ctx context.Context, res resolver.Result) Ranking {
	enriched := make([]EnrichedCandidate, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		price := r.costs.Lookup(c.ProviderKey, c.ModelPath)
		enriched = append(enriched, EnrichedCandidate{
			Candidate:         c,
			InputCostPerMTok:  price.InputPerMTok,
			OutputCostPerMTok: price.OutputPerMTok,
			FreeTier:          price.Free,
			Healthy:           r.health.AllowRequest(ctx, c.ProviderKey),
			QuotaAvailable:    r.quota.HasHeadroom(ctx, c.ProviderKey),
			BreakerAllows:     r.breaker.Allow(c.ProviderKey),
		})
	}

	kept := filter(enriched, false)
	degraded := false
	if len(kept) == 0 && len(enriched) > 0 {
		kept = filter(enriched, true)
		degraded = len(kept) > 0
		if degraded {
			slog.LogAttrs(ctx, slog.LevelWarn, "all candidates gated, degraded routing",
				slog.String("canonical_id", res.CanonicalID),
				slog.Int("candidates", len(enriched)),
			)
		}
	}

	rank(kept)
	return Ranking{Candidates: kept, Degraded: degraded}
}

// filter drops gated candidates. In degraded mode only the breaker gate
// holds; health and quota are advisory there.
func filter(in []EnrichedCandidate, degraded bool) []EnrichedCandidate {
	out := make([]EnrichedCandidate, 0, len(in))
	for _, c := range in {
		if !c.BreakerAllows {
			continue
		}
		if !degraded && (!c.Healthy || !c.QuotaAvailable) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// rank orders candidates by (freeTier desc, totalCost asc, tier asc,
// providerKey asc). The sort is stable and the final key is total, so two
// runs over identical inputs produce identical order.
func rank(cs []EnrichedCandidate) {
	slices.SortStableFunc(cs, func(a, b EnrichedCandidate) int {
		if a.FreeTier != b.FreeTier {
			if a.FreeTier {
				return -1
			}
			return 1
		}
		if at, bt := a.totalCost(), b.totalCost(); at != bt {
			if at < bt {
				return -1
			}
			return 1
		}
		if a.Tier != b.Tier {
			return a.Tier - b.Tier
		}
		switch {
		case a.ProviderKey < b.ProviderKey:
			return -1
		case a.ProviderKey > b.ProviderKey:
			return 1
		}
		return 0
	})
}
