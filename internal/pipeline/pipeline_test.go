package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/circuitbreaker"
	"github.com/istari-ai/istari/internal/config"
	"github.com/istari-ai/istari/internal/health"
	"github.com/istari-ai/istari/internal/kv"
	"github.com/istari-ai/istari/internal/provider"
	"github.com/istari-ai/istari/internal/telemetry"
)

// fakeProvider scripts one upstream adapter.
type fakeProvider struct {
	key    string
	err    error          // returned from both call paths when set
	usage  *gateway.Usage // usage on success
	chunks []gateway.StreamChunk
	mu     sync.Mutex
	calls  int
}

func (f *fakeProvider) Key() string { return f.key }

func (f *fakeProvider) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	usage := f.usage
	if usage == nil {
		usage = &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return &gateway.ChatResponse{
		ID:      "resp-" + f.key,
		Object:  "chat.completion",
		Model:   req.Model,
		Choices: []gateway.Choice{{FinishReason: "stop"}},
		Usage:   usage,
	}, nil
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan gateway.StreamChunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (s *captureSink) Record(r gateway.UsageRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *captureSink) byProvider(key string) []gateway.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.UsageRecord
	for _, r := range s.records {
		if r.ProviderKey == key {
			out = append(out, r)
		}
	}
	return out
}

func testGatewayConfig() config.GatewayConfig {
	gw := config.Default().Gateway
	gw.Providers = map[string]config.ProviderEntry{
		"alpha": {Kind: config.KindGroq, Tier: 0},
		"beta":  {Kind: config.KindOpenAI, Tier: 1},
	}
	gw.CanonicalModels = []config.CanonicalModelEntry{
		{ID: "m-alpha", Provider: "alpha", ModelPath: "llama-3.1-8b-instant"},
		{ID: "m-beta", Provider: "beta", ModelPath: "gpt-4o-mini"},
	}
	gw.Aliases = map[string]config.AliasEntry{
		"fast": {Candidates: []string{"m-alpha", "m-beta"}},
	}
	gw.Pricing = []config.PricingEntry{
		{Provider: "alpha", Model: "llama-3.1-8b-instant", InputPerMTok: 0.05, OutputPerMTok: 0.08},
		{Provider: "beta", Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.60},
	}
	return gw
}

type testEnv struct {
	engine   *Engine
	alpha    *fakeProvider
	beta     *fakeProvider
	sink     *captureSink
	breakers *circuitbreaker.Registry
	store    *kv.Memory
	gw       config.GatewayConfig
}

func newTestEnv(t *testing.T, mutate func(*config.GatewayConfig)) *testEnv {
	t.Helper()
	gw := testGatewayConfig()
	if mutate != nil {
		mutate(&gw)
	}

	store := kv.NewMemory()
	healthStore := health.New(store, health.DefaultConfig())
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	snap := BuildSnapshot(gw, store, healthStore, breakers)

	alpha := &fakeProvider{key: "alpha"}
	beta := &fakeProvider{key: "beta"}
	registry := provider.NewRegistry()
	registry.Register("alpha", alpha)
	registry.Register("beta", beta)

	sink := &captureSink{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	engine := New(snap, registry, healthStore, breakers, sink, metrics)

	return &testEnv{engine: engine, alpha: alpha, beta: beta, sink: sink, breakers: breakers, store: store, gw: gw}
}

func chatRequest(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
}

func TestChatCompletion_PicksCheapestCandidate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, meta, err := env.engine.ChatCompletion(context.Background(), chatRequest("fast"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProviderKey != "alpha" {
		t.Fatalf("provider = %q, want alpha (cheapest)", meta.ProviderKey)
	}
	if resp.Model != "fast" {
		t.Fatalf("response model = %q, want the requested string", resp.Model)
	}
	if env.beta.called() != 0 {
		t.Fatalf("beta called %d times, want 0", env.beta.called())
	}

	recs := env.sink.byProvider("alpha")
	if len(recs) != 1 || !recs[0].OK {
		t.Fatalf("usage records = %+v, want one OK record", recs)
	}
	if recs[0].InputTokens != 10 || recs[0].OutputTokens != 5 {
		t.Fatalf("usage tokens = %d/%d, want 10/5", recs[0].InputTokens, recs[0].OutputTokens)
	}
	if recs[0].CostUSD <= 0 {
		t.Fatalf("cost = %f, want > 0", recs[0].CostUSD)
	}
}

func TestChatCompletion_FallsBackOnProviderError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.alpha.err = &provider.APIError{Provider: "alpha", StatusCode: 503, Category: provider.CategoryProvider}

	resp, meta, err := env.engine.ChatCompletion(context.Background(), chatRequest("fast"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProviderKey != "beta" {
		t.Fatalf("provider = %q, want beta after fallback", meta.ProviderKey)
	}
	if meta.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", meta.Attempts)
	}
	if resp.ID != "resp-beta" {
		t.Fatalf("resp id = %q", resp.ID)
	}

	failed := env.sink.byProvider("alpha")
	if len(failed) != 1 || failed[0].OK || failed[0].ErrorCode != "provider" {
		t.Fatalf("alpha usage = %+v, want one failed provider-coded record", failed)
	}
}

func TestChatCompletion_AuthErrorDoesNotFallBack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.alpha.err = &provider.APIError{Provider: "alpha", StatusCode: 401, Category: provider.CategoryAuth}

	_, _, err := env.engine.ChatCompletion(context.Background(), chatRequest("fast"))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Category != provider.CategoryAuth {
		t.Fatalf("err = %v, want auth APIError", err)
	}
	if env.beta.called() != 0 {
		t.Fatalf("beta called %d times after auth error, want 0", env.beta.called())
	}
}

func TestChatCompletion_UnknownModel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, _, err := env.engine.ChatCompletion(context.Background(), chatRequest("no-such-model"))
	if !errors.Is(err, gateway.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestChatCompletion_AllProvidersFailed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.alpha.err = &provider.APIError{Provider: "alpha", StatusCode: 500, Category: provider.CategoryProvider}
	env.beta.err = &provider.APIError{Provider: "beta", StatusCode: 502, Category: provider.CategoryProvider}

	_, _, err := env.engine.ChatCompletion(context.Background(), chatRequest("fast"))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Provider != "beta" {
		t.Fatalf("err = %v, want the last attempt's APIError", err)
	}
}

func TestChatCompletion_QuotaExhaustedSkipsProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(gw *config.GatewayConfig) {
		p := gw.Providers["alpha"]
		p.RateLimitRPM = 1
		gw.Providers["alpha"] = p
	})
	ctx := context.Background()

	// First request consumes alpha's single RPM slot.
	_, meta, err := env.engine.ChatCompletion(ctx, chatRequest("fast"))
	if err != nil || meta.ProviderKey != "alpha" {
		t.Fatalf("first request: meta=%+v err=%v", meta, err)
	}

	// Second request must skip alpha and land on beta.
	_, meta, err = env.engine.ChatCompletion(ctx, chatRequest("fast"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProviderKey != "beta" {
		t.Fatalf("provider = %q, want beta after quota exhaustion", meta.ProviderKey)
	}
}

func TestChatCompletion_CancelledClientNotCountedAgainstProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := env.engine.ChatCompletion(ctx, chatRequest("m-alpha"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	b := env.breakers.Get("alpha")
	if b != nil && b.State() != circuitbreaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed after client cancel", b.State())
	}
	recs := env.sink.byProvider("alpha")
	if len(recs) != 1 || recs[0].ErrorCode != "cancelled" {
		t.Fatalf("usage = %+v, want one cancelled record", recs)
	}
}

func TestChatCompletionStream_CommitsOnFirstChunk(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.alpha.chunks = []gateway.StreamChunk{
		{Data: []byte(`{"choices":[{"delta":{"content":"hel"}}]}`)},
		{Data: []byte(`{"choices":[{"delta":{"content":"lo"}}]}`)},
		{Usage: &gateway.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}},
		{Done: true},
	}

	ch, meta, err := env.engine.ChatCompletionStream(context.Background(), chatRequest("fast"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProviderKey != "alpha" {
		t.Fatalf("provider = %q, want alpha", meta.ProviderKey)
	}

	var got []gateway.StreamChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 4 {
		t.Fatalf("chunks = %d, want 4", len(got))
	}
	if !got[3].Done {
		t.Fatal("final chunk should be the Done sentinel")
	}

	// Success settles asynchronously after the channel closes.
	deadline := time.After(2 * time.Second)
	for {
		if recs := env.sink.byProvider("alpha"); len(recs) == 1 {
			if !recs[0].OK || recs[0].InputTokens != 7 || recs[0].OutputTokens != 2 {
				t.Fatalf("usage = %+v", recs[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream usage never recorded")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestChatCompletionStream_FallsBackBeforeFirstByte(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.alpha.err = &provider.APIError{Provider: "alpha", StatusCode: 429, Category: provider.CategoryRateLimit}
	env.beta.chunks = []gateway.StreamChunk{
		{Data: []byte(`{"choices":[{"delta":{"content":"ok"}}]}`)},
		{Done: true},
	}

	ch, meta, err := env.engine.ChatCompletionStream(context.Background(), chatRequest("fast"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProviderKey != "beta" {
		t.Fatalf("provider = %q, want beta", meta.ProviderKey)
	}
	n := 0
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("chunks = %d, want 2", n)
	}
}

func TestReload_SwapsSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// New snapshot drops the beta provider entirely.
	gw := testGatewayConfig()
	delete(gw.Providers, "beta")
	gw.CanonicalModels = gw.CanonicalModels[:1]
	gw.Aliases = map[string]config.AliasEntry{"fast": {Candidates: []string{"m-alpha"}}}

	healthStore := health.New(env.store, health.DefaultConfig())
	env.engine.Reload(BuildSnapshot(gw, env.store, healthStore, env.breakers))

	env.alpha.err = &provider.APIError{Provider: "alpha", StatusCode: 500, Category: provider.CategoryProvider}
	_, _, err := env.engine.ChatCompletion(ctx, chatRequest("fast"))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Provider != "alpha" {
		t.Fatalf("err = %v, want alpha's error with no beta fallback", err)
	}
	if env.beta.called() != 0 {
		t.Fatalf("beta called %d times after reload removed it", env.beta.called())
	}
}
