// Package telemetry provides observability primitives for the Istari gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	QuotaRejects     *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	TokensProcessed  *prometheus.CounterVec
	DegradedRoutes   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "istari",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "istari",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "istari",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "category"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "fallbacks_total",
			Help:      "Total fallbacks from one provider to the next.",
		}, []string{"from", "to"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "quota_rejects_total",
			Help:      "Total provider quota rejections.",
		}, []string{"provider"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "ratelimit_rejects_total",
			Help:      "Total identity rate limit rejections.",
		}, []string{"type"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "istari",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "type"}),

		DegradedRoutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "istari",
			Name:      "degraded_routes_total",
			Help:      "Total requests routed in degraded mode (health and quota gates relaxed).",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FallbacksTotal,
		m.QuotaRejects,
		m.RateLimitRejects,
		m.BreakerState,
		m.TokensProcessed,
		m.DegradedRoutes,
	)

	return m
}
