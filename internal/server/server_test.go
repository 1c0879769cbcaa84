package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/circuitbreaker"
	"github.com/istari-ai/istari/internal/config"
	"github.com/istari-ai/istari/internal/health"
	"github.com/istari-ai/istari/internal/kv"
	"github.com/istari-ai/istari/internal/pipeline"
	"github.com/istari-ai/istari/internal/provider"
	"github.com/istari-ai/istari/internal/ratelimit"
	"github.com/istari-ai/istari/internal/telemetry"
	"github.com/istari-ai/istari/internal/testutil"
)

func testGatewayConfig() config.GatewayConfig {
	gw := config.Default().Gateway
	gw.Providers = map[string]config.ProviderEntry{
		"alpha": {Kind: config.KindGroq, Tier: 0},
		"beta":  {Kind: config.KindOpenAI, Tier: 1},
	}
	gw.CanonicalModels = []config.CanonicalModelEntry{
		{ID: "m-alpha", Provider: "alpha", ModelPath: "llama-3.1-8b-instant",
			Capabilities: gateway.Capabilities{Streaming: true}},
		{ID: "m-beta", Provider: "beta", ModelPath: "gpt-4o-mini",
			Capabilities: gateway.Capabilities{Streaming: true, Tools: true, Vision: true}},
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

type testServer struct {
	handler http.Handler
	alpha   *testutil.FakeProvider
	beta    *testutil.FakeProvider
}

func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()

	gw := testGatewayConfig()
	store := kv.NewMemory()
	healthStore := health.New(store, health.DefaultConfig())
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	snap := pipeline.BuildSnapshot(gw, store, healthStore, breakers)

	alpha := &testutil.FakeProvider{ProviderKey: "alpha"}
	beta := &testutil.FakeProvider{ProviderKey: "beta"}
	registry := provider.NewRegistry()
	registry.Register("alpha", alpha)
	registry.Register("beta", beta)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	engine := pipeline.New(snap, registry, healthStore, breakers, nil, metrics)

	deps := Deps{
		Auth:        testutil.FakeAuth{},
		Engine:      engine,
		RateLimiter: ratelimit.NewRegistry(),
		Metrics:     metrics,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testServer{handler: New(deps), alpha: alpha, beta: beta}
}

func (ts *testServer) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer ist_test_key")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/liveness", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) {
		d.ReadyCheck = func(context.Context) error { return errors.New("kv down") }
	})

	req := httptest.NewRequest(http.MethodGet, "/health/readiness", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.post(t, `{"model":"fast","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Provider-Selected"); got != "alpha" {
		t.Errorf("X-Provider-Selected = %q, want alpha", got)
	}
	if got := rec.Header().Get("X-Model-Resolved"); got != "llama-3.1-8b-instant" {
		t.Errorf("X-Model-Resolved = %q", got)
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Model != "fast" {
		t.Errorf("model = %q, want the requested string", resp.Model)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestChatCompletion_FallsBack(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.alpha.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, &provider.APIError{Provider: "alpha", StatusCode: 503, Category: provider.CategoryProvider}
	}

	rec := ts.post(t, `{"model":"fast","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Provider-Selected"); got != "beta" {
		t.Errorf("X-Provider-Selected = %q, want beta", got)
	}
}

func TestChatCompletion_UnknownModel(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.post(t, `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "model_not_found" {
		t.Errorf("code = %q, want model_not_found", body.Error.Code)
	}
}

func TestChatCompletion_InvalidBody(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"fast","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := ts.post(t, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatCompletion_BodyTooLarge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	buf.WriteString(`{"model":"fast","messages":[{"role":"user","content":"`)
	buf.Write(bytes.Repeat([]byte("x"), maxBodyBytes+1))
	buf.WriteString(`"}]}`)

	rec := ts.post(t, buf.String())
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestChatCompletion_Unauthorized(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) {
		d.Auth = testutil.RejectAuth{}
	})

	rec := ts.post(t, `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatCompletion_RateLimited(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(d *Deps) {
		d.Auth = testutil.FakeAuth{Identity: &gateway.Identity{
			Subject:    "ist_limited...",
			KeyID:      "limited",
			TenantID:   "acme",
			AuthMethod: "apikey",
			RPMLimit:   1,
		}}
	})

	body := `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`
	if rec := ts.post(t, body); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec := ts.post(t, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec.Header().Get("X-Ratelimit-Limit") != "1" {
		t.Errorf("X-Ratelimit-Limit = %q, want 1", rec.Header().Get("X-Ratelimit-Limit"))
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.post(t, `{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"choices"`) {
		t.Errorf("body missing data frame: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body missing DONE sentinel: %s", body)
	}
}

func TestChatCompletionStream_ErrorBeforeFirstByte(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	streamErr := func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return nil, &provider.APIError{Provider: "x", StatusCode: 500, Category: provider.CategoryProvider}
	}
	ts.alpha.StreamFn = streamErr
	ts.beta.StreamFn = streamErr

	rec := ts.post(t, `{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	// Both candidates failed pre-commit: a plain JSON error, not a broken stream.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q, want application/json", ct)
	}
}

func TestChatCompletion_AllCandidatesRateLimited(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	limited := func(key string) func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, &provider.APIError{
				Provider:   key,
				StatusCode: 429,
				Category:   provider.CategoryRateLimit,
				RetryAfter: 7 * time.Second,
			}
		}
	}
	ts.alpha.ChatFn = limited("alpha")
	ts.beta.ChatFn = limited("beta")

	rec := ts.post(t, `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)

	// The chain is exhausted, so this is a gateway availability problem,
	// not the caller hitting its own limit.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "7" {
		t.Errorf("Retry-After = %q, want 7", rec.Header().Get("Retry-After"))
	}
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "service_unavailable" || body.Error.Code != "rate_limit_exceeded" {
		t.Errorf("body = %+v", body.Error)
	}
}

func TestChatCompletion_AllCandidatesFailing(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	failing := func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, &provider.APIError{Provider: "x", StatusCode: 500, Category: provider.CategoryProvider}
	}
	ts.alpha.ChatFn = failing
	ts.beta.ChatFn = failing

	rec := ts.post(t, `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "service_unavailable" || body.Error.Code != "upstream_error" {
		t.Errorf("body = %+v", body.Error)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ist_test_key")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	got := make(map[string]modelEntry, len(resp.Data))
	for _, m := range resp.Data {
		got[m.ID] = m
	}
	for _, want := range []string{"m-alpha", "m-beta", "fast"} {
		if _, ok := got[want]; !ok {
			t.Errorf("model list missing %q: %+v", want, resp.Data)
		}
	}

	if caps := got["m-beta"].Capabilities; !caps.Tools || !caps.Vision {
		t.Errorf("m-beta capabilities = %+v", caps)
	}
	if caps := got["m-alpha"].Capabilities; caps.Tools {
		t.Errorf("m-alpha capabilities = %+v, want no tools", caps)
	}
	// An alias reports the union of its candidates' flags.
	if caps := got["fast"].Capabilities; !caps.Streaming || !caps.Tools {
		t.Errorf("fast capabilities = %+v, want candidate union", caps)
	}
}

func TestUpstreamAuthErrorMapsTo502(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.alpha.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, &provider.APIError{Provider: "alpha", StatusCode: 401, Category: provider.CategoryAuth}
	}

	rec := ts.post(t, `{"model":"m-alpha","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (gateway credential problem)", rec.Code)
	}
}
