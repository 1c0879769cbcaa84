// Package cost answers per-token pricing questions for (provider, model)
// pairs. Prices come from the config pricing table; a provider marked
// free_tier makes every model on it free regardless of table entries.
package cost

import (
	"github.com/istari-ai/istari/internal/config"
)

// Price is the per-million-token cost for one (provider, model) pair.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
	Free          bool
}

// Total returns the combined input+output cost, used as the router sort key.
func (p Price) Total() float64 { return p.InputPerMTok + p.OutputPerMTok }

// Service resolves prices. It is immutable; a config reload builds a new one.
type Service struct {
	prices   map[priceKey]Price
	freeTier map[string]bool
}

type priceKey struct {
	provider string
	model    string
}

// New builds a Service from the gateway config snapshot.
func New(gw config.GatewayConfig) *Service {
	s := &Service{
		prices:   make(map[priceKey]Price, len(gw.Pricing)),
		freeTier: make(map[string]bool),
	}
	for key, p := range gw.Providers {
		if p.FreeTier {
			s.freeTier[key] = true
		}
	}
	for _, e := range gw.Pricing {
		s.prices[priceKey{e.Provider, e.Model}] = Price{
			InputPerMTok:  e.InputPerMTok,
			OutputPerMTok: e.OutputPerMTok,
			Free:          e.Free,
		}
	}
	return s
}

// Lookup returns the price for a (provider, model) pair. Unknown pairs cost
// zero, which sorts them ahead of priced candidates rather than hiding them.
func (s *Service) Lookup(providerKey, modelPath string) Price {
	p, ok := s.prices[priceKey{providerKey, modelPath}]
	if !ok {
		p = Price{}
	}
	if s.freeTier[providerKey] {
		p.Free = true
	}
	return p
}

// Estimate computes the dollar cost of a completed request.
func (s *Service) Estimate(providerKey, modelPath string, inputTokens, outputTokens int) float64 {
	p := s.Lookup(providerKey, modelPath)
	if p.Free {
		return 0
	}
	return p.InputPerMTok*float64(inputTokens)/1e6 + p.OutputPerMTok*float64(outputTokens)/1e6
}
