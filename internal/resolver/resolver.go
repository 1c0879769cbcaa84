// Package resolver maps the model string a client sends to an ordered list
// of canonical model candidates. Lookup order is combo, then alias, then
// canonical model id. Expansion is eager, order-preserving, and prunes
// candidates whose provider is disabled.
package resolver

import (
	"cmp"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/config"
)

// Reason records which namespace matched the requested model string.
type Reason string

const (
	ReasonCombo   Reason = "combo"
	ReasonAlias   Reason = "alias"
	ReasonDirect  Reason = "direct"
	ReasonUnknown Reason = "unknown"
)

// Candidate is one canonical model in resolution order, annotated with the
// provider it maps to.
type Candidate struct {
	CanonicalID  string
	ProviderKey  string
	ModelPath    string
	Tier         int
	Capabilities gateway.Capabilities
}

// Result is the outcome of resolving one model string.
type Result struct {
	CanonicalID string // the requested string as the client sent it
	Reason      Reason
	Candidates  []Candidate
}

// resolveCacheTTL bounds staleness of cached expansions. The resolver is
// rebuilt on config reload, so this only matters within one snapshot.
const resolveCacheTTL = 10 * time.Second

// Resolver resolves model strings against one config snapshot. It is
// immutable; a reload builds a new Resolver with a fresh cache.
type Resolver struct {
	gw     config.GatewayConfig
	models map[string]config.CanonicalModelEntry
	cache  *otter.Cache[string, Result]
}

// New builds a Resolver over the gateway config snapshot.
func New(gw config.GatewayConfig) *Resolver {
	models := make(map[string]config.CanonicalModelEntry, len(gw.CanonicalModels))
	for _, m := range gw.CanonicalModels {
		models[m.ID] = m
	}
	cache := otter.Must(&otter.Options[string, Result]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, Result](resolveCacheTTL),
	})
	return &Resolver{gw: gw, models: models, cache: cache}
}

// Resolve maps a model string to its candidate chain. It returns
// gateway.ErrModelNotFound when the string matches nothing, and
// gateway.ErrNoEnabledProvider when everything it expands to is disabled.
func (r *Resolver) Resolve(model, tenantID string) (Result, error) {
	key := tenantID + "\x00" + model
	if cached, ok := r.cache.GetIfPresent(key); ok {
		return cached, resultErr(cached)
	}

	res := r.resolve(model, tenantID)
	r.cache.Set(key, res)
	return res, resultErr(res)
}

func resultErr(res Result) error {
	switch {
	case res.Reason == ReasonUnknown:
		return gateway.ErrModelNotFound
	case len(res.Candidates) == 0:
		return gateway.ErrNoEnabledProvider
	}
	return nil
}

func (r *Resolver) resolve(model, tenantID string) Result {
	if combo, ok := r.gw.Combos[model]; ok && scopeMatches(combo.Tenant, tenantID) {
		return Result{
			CanonicalID: model,
			Reason:      ReasonCombo,
			Candidates:  r.expand(combo.Candidates),
		}
	}
	if alias, ok := r.gw.Aliases[model]; ok && scopeMatches(alias.Tenant, tenantID) {
		return Result{
			CanonicalID: model,
			Reason:      ReasonAlias,
			Candidates:  r.expand(alias.Candidates),
		}
	}
	if _, ok := r.models[model]; ok {
		return Result{
			CanonicalID: model,
			Reason:      ReasonDirect,
			Candidates:  r.expand([]string{model}),
		}
	}
	return Result{CanonicalID: model, Reason: ReasonUnknown}
}

// ModelInfo is one entry in the caller-visible model surface.
type ModelInfo struct {
	ID           string
	Capabilities gateway.Capabilities
}

// Models lists the model surface visible to a tenant: canonical model IDs
// plus alias and combo names, sorted by ID. Alias and combo entries report
// the union of their candidates' capability flags.
func (r *Resolver) Models(tenantID string) []ModelInfo {
	out := make([]ModelInfo, 0, len(r.models)+len(r.gw.Aliases)+len(r.gw.Combos))
	for id, m := range r.models {
		out = append(out, ModelInfo{ID: id, Capabilities: m.Capabilities})
	}
	for name, a := range r.gw.Aliases {
		if scopeMatches(a.Tenant, tenantID) {
			out = append(out, ModelInfo{ID: name, Capabilities: r.unionCapabilities(a.Candidates)})
		}
	}
	for name, c := range r.gw.Combos {
		if scopeMatches(c.Tenant, tenantID) {
			out = append(out, ModelInfo{ID: name, Capabilities: r.unionCapabilities(c.Candidates)})
		}
	}
	slices.SortFunc(out, func(a, b ModelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// unionCapabilities folds the capability flags of a candidate chain. A flag
// is reported when any candidate supports it.
func (r *Resolver) unionCapabilities(ids []string) gateway.Capabilities {
	var c gateway.Capabilities
	for _, id := range ids {
		m, ok := r.models[id]
		if !ok {
			continue
		}
		c.Streaming = c.Streaming || m.Capabilities.Streaming
		c.Tools = c.Tools || m.Capabilities.Tools
		c.Vision = c.Vision || m.Capabilities.Vision
		c.StructuredOutput = c.StructuredOutput || m.Capabilities.StructuredOutput
		c.Logprobs = c.Logprobs || m.Capabilities.Logprobs
	}
	return c
}

// scopeMatches reports whether an entry scoped to tenant is visible to the
// caller. Empty scope means global.
func scopeMatches(scope, tenantID string) bool {
	return scope == "" || scope == tenantID
}

// expand turns an ordered canonical-id chain into candidates, dropping
// duplicates (keeping the first occurrence) and candidates whose provider is
// disabled or missing.
func (r *Resolver) expand(ids []string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		m, ok := r.models[id]
		if !ok {
			continue
		}
		p, ok := r.gw.Providers[m.Provider]
		if !ok || !p.IsEnabled() {
			continue
		}
		out = append(out, Candidate{
			CanonicalID:  m.ID,
			ProviderKey:  m.Provider,
			ModelPath:    m.ModelPath,
			Tier:         p.Tier,
			Capabilities: m.Capabilities,
		})
	}
	return out
}
