package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/istari-ai/istari/internal/auth"
	"github.com/istari-ai/istari/internal/circuitbreaker"
	"github.com/istari-ai/istari/internal/cloudauth"
	"github.com/istari-ai/istari/internal/config"
	"github.com/istari-ai/istari/internal/events"
	"github.com/istari-ai/istari/internal/health"
	"github.com/istari-ai/istari/internal/kv"
	"github.com/istari-ai/istari/internal/pipeline"
	"github.com/istari-ai/istari/internal/provider"
	"github.com/istari-ai/istari/internal/provider/cloudflare"
	"github.com/istari-ai/istari/internal/provider/cohere"
	"github.com/istari-ai/istari/internal/provider/gemini"
	"github.com/istari-ai/istari/internal/provider/openaiwire"
	"github.com/istari-ai/istari/internal/ratelimit"
	"github.com/istari-ai/istari/internal/secret"
	"github.com/istari-ai/istari/internal/server"
	"github.com/istari-ai/istari/internal/storage/sqlite"
	"github.com/istari-ai/istari/internal/telemetry"
	"github.com/istari-ai/istari/internal/worker"
)

const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if url := os.Getenv("KV_URL"); url != "" {
		cfg.KV.URL = url
	}

	setupLogging()

	slog.Info("starting istari", "version", version, "addr", cfg.Server.Addr)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Usage persistence
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Shared state stores. A clustered KV backend is config surface only for
	// now; the in-process store serves single-node deployments.
	if cfg.KV.URL != "" {
		slog.Warn("clustered kv backend not supported in this build, using in-memory store", "url", cfg.KV.URL)
	}
	kvStore := kv.NewMemory()
	healthStore := health.New(kvStore, healthConfig(cfg.Gateway.Health))
	breakers := circuitbreaker.NewRegistry(breakerConfig(cfg.Gateway.Health))

	// Telemetry
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(rootCtx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Event fan-out: health and breaker transitions become log lines, and
	// breaker transitions also drive the state gauge.
	sink := events.NewSlogSink(nil)
	healthStore.OnStateChange(func(providerKey, from, to string) {
		sink.ProviderStatusChanged(rootCtx, events.ProviderStatusChanged{
			ProviderKey: providerKey, From: from, To: to, At: time.Now(),
		})
	})
	breakers.OnStateChange(func(providerKey string, from, to circuitbreaker.State) {
		sink.ProviderStatusChanged(rootCtx, events.ProviderStatusChanged{
			ProviderKey: providerKey, From: from.String(), To: to.String(), At: time.Now(),
		})
		metrics.BreakerState.WithLabelValues(providerKey).Set(breakerStateValue(to))
	})

	// Upstream adapters
	dnsResolver := &dnscache.Resolver{}
	go refreshDNS(rootCtx, dnsResolver)

	registry, err := buildProviders(rootCtx, cfg.Gateway, dnsResolver)
	if err != nil {
		return err
	}

	// Pipeline
	recorder := worker.NewUsageRecorder(store)
	snap := pipeline.BuildSnapshot(cfg.Gateway, kvStore, healthStore, breakers)
	engine := pipeline.New(snap, registry, healthStore, breakers, recorder, metrics)

	// Auth and caller rate limits
	apiKeyAuth, err := auth.New(cfg.Auth.Keys, cfg.RateLimits)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewRegistry()

	// Background workers
	runner := worker.NewRunner(
		recorder,
		worker.NewQuotaWarnWorker(snap.Quota, sink),
		worker.NewJanitor(
			[]worker.StaleEvictor{breakers, limiter},
			[]worker.Sweeper{kvStore},
		),
	)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(rootCtx)
	}()

	// HTTP server
	handler := server.New(server.Deps{
		Auth:   apiKeyAuth,
		Engine: engine,
		ReadyCheck: func(ctx context.Context) error {
			if err := kvStore.Ping(ctx); err != nil {
				return err
			}
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return routableProvider(cfg.Gateway, breakers)
		},
		RateLimiter:    limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("istari ready", "addr", cfg.Server.Addr)

	// SIGHUP reloads routing config in place; TERM/INT shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(configPath, kvStore, healthStore, breakers, engine)
				continue
			}
			slog.Info("shutting down", "signal", sig)
		case err := <-errCh:
			return err
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers last so the usage recorder can drain in-flight records.
	rootCancel()
	if err := <-workersDone; err != nil {
		slog.Warn("worker error during shutdown", "error", err)
	}

	slog.Info("istari stopped")
	return nil
}

// reload rebuilds the routing snapshot from the config file and swaps it in.
// The provider adapter set is fixed at startup; adding or removing providers
// requires a restart, and the reload logs when it detects that case.
func reload(configPath string, kvStore kv.Store, healthStore *health.Store, breakers *circuitbreaker.Registry, engine *pipeline.Engine) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("reload failed, keeping current config", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("reload failed, keeping current config", "error", err)
		return
	}
	engine.Reload(pipeline.BuildSnapshot(cfg.Gateway, kvStore, healthStore, breakers))
	slog.Info("config reloaded",
		"providers", len(cfg.Gateway.Providers),
		"canonical_models", len(cfg.Gateway.CanonicalModels),
	)
}

// buildProviders constructs one adapter per enabled provider, sharing a DNS
// cache and pooled transport. A provider with no resolvable key material
// fails startup with secret.ErrMissing.
func buildProviders(ctx context.Context, gw config.GatewayConfig, dnsResolver *dnscache.Resolver) (*provider.Registry, error) {
	secrets := secret.NewEnvProvider()
	for key, p := range gw.Providers {
		secrets.SetFallback(key, p.SecretRef)
	}

	registry := provider.NewRegistry()
	for key, p := range gw.Providers {
		if !p.IsEnabled() {
			slog.Info("provider disabled, skipping", "provider_key", key)
			continue
		}

		base := upstreamTransport(p, dnsResolver)
		client := &http.Client{}

		switch p.Kind {
		case config.KindOpenAI, config.KindGroq, config.KindTogether, config.KindDeepInfra, config.KindAntigravity:
			apiKey, err := secrets.Get(key)
			if err != nil {
				return nil, err
			}
			client.Transport = cloudauth.BearerTransport(apiKey, base)
			registry.Register(key, openaiwire.New(key, p.Kind, p.EndpointOverride, client))

		case config.KindCohere:
			apiKey, err := secrets.Get(key)
			if err != nil {
				return nil, err
			}
			client.Transport = cloudauth.BearerTransport(apiKey, base)
			registry.Register(key, cohere.New(key, p.EndpointOverride, client))

		case config.KindCloudflare:
			apiKey, err := secrets.Get(key)
			if err != nil {
				return nil, err
			}
			client.Transport = cloudauth.BearerTransport(apiKey, base)
			registry.Register(key, cloudflare.New(key, p.AccountID, p.EndpointOverride, client))

		case config.KindGemini:
			if p.Hosting == "vertex" {
				tr, err := cloudauth.NewGCPOAuthTransport(ctx, base, gcpScope)
				if err != nil {
					return nil, fmt.Errorf("provider %q: %w", key, err)
				}
				client.Transport = tr
				registry.Register(key, gemini.NewVertex(key, p.Project, p.Region, client))
				break
			}
			apiKey, err := secrets.Get(key)
			if err != nil {
				return nil, err
			}
			client.Transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: "x-goog-api-key",
				Base:       base,
			}
			registry.Register(key, gemini.New(key, p.EndpointOverride, client))

		default:
			// Validate rejects unknown kinds before we get here.
			return nil, fmt.Errorf("provider %q has unknown kind %q", key, p.Kind)
		}

		slog.Info("provider registered", "provider_key", key, "kind", p.Kind, "tier", p.Tier)
	}
	return registry, nil
}

// upstreamTransport builds the pooled transport for one provider. timeout_ms
// bounds time to response headers only; a whole-response client timeout would
// sever long event streams that the per-attempt deadlines already bound.
func upstreamTransport(p config.ProviderEntry, dnsResolver *dnscache.Resolver) *http.Transport {
	t := provider.NewTransport(dnsResolver)
	if p.TimeoutMs > 0 {
		t.ResponseHeaderTimeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return t
}

func healthConfig(h config.HealthConfig) health.Config {
	return health.Config{
		FailureRateThreshold:     h.FailureRateThreshold,
		MinimumRequests:          int64(h.MinimumRequests),
		HalfOpenSuccessThreshold: h.HalfOpenSuccessThreshold,
		BackoffBase:              h.Backoff.Base,
		BackoffMax:               h.Backoff.Max,
		BackoffMultiplier:        h.Backoff.Multiplier,
	}
}

func breakerConfig(h config.HealthConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorThreshold:    h.FailureRateThreshold,
		MinSamples:        h.MinimumRequests,
		WindowSeconds:     h.WindowSeconds,
		OpenTimeout:       h.OpenTimeout,
		OpenTimeoutMax:    h.Backoff.Max,
		OpenTimeoutFactor: h.Backoff.Multiplier,
		HalfOpenSuccesses: h.HalfOpenSuccessThreshold,
	}
}

// routableProvider reports whether at least one enabled provider could serve
// traffic right now. Breakers are created lazily, so a provider without a
// breaker counts as closed.
func routableProvider(gw config.GatewayConfig, breakers *circuitbreaker.Registry) error {
	for key, p := range gw.Providers {
		if !p.IsEnabled() {
			continue
		}
		b := breakers.Get(key)
		if b == nil || b.State() != circuitbreaker.StateOpen {
			return nil
		}
	}
	return errors.New("no routable provider: all breakers open")
}

// breakerStateValue maps breaker states onto the gauge encoding
// (0 closed, 1 half-open, 2 open).
func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
