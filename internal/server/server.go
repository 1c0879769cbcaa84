// Package server implements the HTTP transport layer for the Istari gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/pipeline"
	"github.com/istari-ai/istari/internal/ratelimit"
	"github.com/istari-ai/istari/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Completer is the pipeline surface the transport layer calls into.
type Completer interface {
	ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, *pipeline.Meta, error)
	ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, *pipeline.Meta, error)
	Snapshot() *pipeline.Snapshot
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Engine         Completer
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	RateLimiter    *ratelimit.Registry // nil = no identity rate limiting
	Metrics        *telemetry.Metrics  // nil = no request metrics
	MetricsHandler http.Handler        // mounted at /metrics when non-nil
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	// System endpoints (no auth)
	r.Get("/health/liveness", s.handleLiveness)
	r.Get("/health/readiness", s.handleReadiness)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	return r
}

type server struct {
	deps Deps
}
