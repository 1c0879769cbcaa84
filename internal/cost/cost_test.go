package cost

import (
	"testing"

	"github.com/istari-ai/istari/internal/config"
)

func testGateway() config.GatewayConfig {
	return config.GatewayConfig{
		Providers: map[string]config.ProviderEntry{
			"openai": {Kind: config.KindOpenAI},
			"groq":   {Kind: config.KindGroq, FreeTier: true},
		},
		Pricing: []config.PricingEntry{
			{Provider: "openai", Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.60},
			{Provider: "groq", Model: "llama-3.3-70b", InputPerMTok: 0.59, OutputPerMTok: 0.79},
			{Provider: "openai", Model: "promo-model", Free: true},
		},
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	s := New(testGateway())

	p := s.Lookup("openai", "gpt-4o-mini")
	if p.InputPerMTok != 0.15 || p.OutputPerMTok != 0.60 || p.Free {
		t.Fatalf("Lookup(openai, gpt-4o-mini) = %+v", p)
	}
	if got := p.Total(); got != 0.75 {
		t.Fatalf("Total() = %v, want 0.75", got)
	}
}

func TestLookup_FreeTierProviderOverrides(t *testing.T) {
	t.Parallel()

	s := New(testGateway())
	if p := s.Lookup("groq", "llama-3.3-70b"); !p.Free {
		t.Fatalf("free-tier provider price = %+v, want Free", p)
	}
}

func TestLookup_FreeModelEntry(t *testing.T) {
	t.Parallel()

	s := New(testGateway())
	if p := s.Lookup("openai", "promo-model"); !p.Free {
		t.Fatalf("price = %+v, want Free from pricing entry", p)
	}
}

func TestLookup_UnknownPairIsZero(t *testing.T) {
	t.Parallel()

	s := New(testGateway())
	p := s.Lookup("openai", "nonexistent")
	if p.InputPerMTok != 0 || p.OutputPerMTok != 0 || p.Free {
		t.Fatalf("unknown pair = %+v, want zero cost", p)
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	s := New(testGateway())

	got := s.Estimate("openai", "gpt-4o-mini", 1_000_000, 1_000_000)
	if got != 0.75 {
		t.Fatalf("Estimate = %v, want 0.75", got)
	}
	if got := s.Estimate("groq", "llama-3.3-70b", 1_000_000, 0); got != 0 {
		t.Fatalf("free-tier estimate = %v, want 0", got)
	}
}
