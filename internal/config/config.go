// Package config handles YAML configuration loading with environment variable
// expansion, typed defaults, and startup validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/istari-ai/istari/internal"
)

// Known provider wire kinds. openai-compatible kinds share one adapter.
const (
	KindOpenAI      = "openai"
	KindGroq        = "groq"
	KindTogether    = "together"
	KindDeepInfra   = "deepinfra"
	KindAntigravity = "antigravity"
	KindCohere      = "cohere"
	KindCloudflare  = "cloudflare"
	KindGemini      = "gemini"
)

var knownKinds = map[string]bool{
	KindOpenAI:      true,
	KindGroq:        true,
	KindTogether:    true,
	KindDeepInfra:   true,
	KindAntigravity: true,
	KindCohere:      true,
	KindCloudflare:  true,
	KindGemini:      true,
}

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	KV         KVConfig        `yaml:"kv"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Gateway    GatewayConfig   `yaml:"inference_gateway"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for usage persistence.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// KVConfig holds key-value store settings. URL is reserved for a clustered
// backend; empty selects the in-process store.
type KVConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds authentication settings. Keys listed here are seeded at
// startup; when the list is empty the gateway accepts anonymous callers.
type AuthConfig struct {
	Keys []KeyEntry `yaml:"keys"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name     string `yaml:"name"`
	Key      string `yaml:"key"` // plaintext, hashed at load; typically ${VAR}
	TenantID string `yaml:"tenant_id"`
	UserID   string `yaml:"user_id"`
	RPM      int64  `yaml:"rpm"`
	TPM      int64  `yaml:"tpm"`
}

// RateLimitConfig holds default per-identity rate limits.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // 0 = unlimited
	DefaultTPM int64 `yaml:"default_tpm"` // 0 = unlimited
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// GatewayConfig is the routing core: providers, models, aliases, combos.
type GatewayConfig struct {
	Providers       map[string]ProviderEntry `yaml:"providers"`
	CanonicalModels []CanonicalModelEntry    `yaml:"canonical_models"`
	Aliases         map[string]AliasEntry    `yaml:"aliases"`
	Combos          map[string]ComboEntry    `yaml:"combos"`
	Pricing         []PricingEntry           `yaml:"pricing"`
	Health          HealthConfig             `yaml:"health"`
	Timeouts        TimeoutConfig            `yaml:"timeouts"`
}

// ProviderEntry is a provider definition. The map key in GatewayConfig is the
// stable provider key used as the KV namespace everywhere.
type ProviderEntry struct {
	Kind             string `yaml:"kind"`
	Tier             int    `yaml:"tier"` // 0 = most preferred
	Enabled          *bool  `yaml:"enabled"`
	SecretRef        string `yaml:"secret_ref"`        // config-level key material, typically ${VAR}
	EndpointOverride string `yaml:"endpoint_override"` // base URL override
	RateLimitRPM     int64  `yaml:"rate_limit_rpm"`    // 0 = unlimited
	RateLimitTPM     int64  `yaml:"rate_limit_tpm"`    // 0 = unlimited
	FreeTier         bool   `yaml:"free_tier"`
	AccountID        string `yaml:"account_id"` // cloudflare workers-ai account
	Hosting          string `yaml:"hosting"`    // "", "vertex" (gemini via GCP OAuth)
	Region           string `yaml:"region"`     // GCP region for vertex hosting
	Project          string `yaml:"project"`    // GCP project for vertex hosting
	TimeoutMs        int    `yaml:"timeout_ms"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// CanonicalModelEntry maps a client-facing model ID to an upstream model path.
type CanonicalModelEntry struct {
	ID           string               `yaml:"id"`
	Provider     string               `yaml:"provider"`
	ModelPath    string               `yaml:"model_path"`
	Capabilities gateway.Capabilities `yaml:"capabilities"`
}

// AliasEntry expands a gateway-level name to an ordered list of canonical IDs.
// Tenant scopes the alias to one tenant; empty means global.
type AliasEntry struct {
	Tenant     string   `yaml:"tenant"`
	Candidates []string `yaml:"candidates"`
}

// ComboEntry is a caller-visible fallback chain. Expansion is identical to an
// alias; the distinction exists so callers can opt into combo-level failure
// reporting.
type ComboEntry struct {
	Tenant     string   `yaml:"tenant"`
	Candidates []string `yaml:"candidates"`
}

// PricingEntry sets the per-million-token cost for a (provider, model) pair.
type PricingEntry struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
	Free          bool    `yaml:"free"`
}

// HealthConfig holds circuit breaker and penalty-cooldown parameters.
type HealthConfig struct {
	FailureRateThreshold     float64       `yaml:"failure_rate_threshold"`
	MinimumRequests          int           `yaml:"minimum_requests"`
	WindowSeconds            int           `yaml:"window_seconds"`
	OpenTimeout              time.Duration `yaml:"open_timeout"`
	HalfOpenSuccessThreshold int           `yaml:"half_open_success_threshold"`
	Backoff                  BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls cooldown growth on successive breaker opens.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// TimeoutConfig holds per-candidate attempt deadlines.
type TimeoutConfig struct {
	Attempt       time.Duration `yaml:"attempt"`        // non-streaming
	StreamAttempt time.Duration `yaml:"stream_attempt"` // streaming
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left untouched so validation can flag them.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults. It does not validate; call Validate separately so
// the caller can distinguish structural errors from missing secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(expandEnv(data))
}

// Parse parses raw YAML into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    180 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "istari.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 0,
			DefaultTPM: 0,
		},
		Gateway: GatewayConfig{
			Health: HealthConfig{
				FailureRateThreshold:     0.50,
				MinimumRequests:          10,
				WindowSeconds:            60,
				OpenTimeout:              30 * time.Second,
				HalfOpenSuccessThreshold: 3,
				Backoff: BackoffConfig{
					Base:       1 * time.Second,
					Max:        30 * time.Second,
					Multiplier: 2.0,
				},
			},
			Timeouts: TimeoutConfig{
				Attempt:       60 * time.Second,
				StreamAttempt: 120 * time.Second,
			},
		},
	}
}

// Validate checks referential integrity of the gateway section. It returns
// the first problem found; missing secrets are not checked here (see
// internal/secret, which distinguishes them for exit code purposes).
func (c *Config) Validate() error {
	canonicals := make(map[string]bool, len(c.Gateway.CanonicalModels))
	for _, m := range c.Gateway.CanonicalModels {
		if m.ID == "" {
			return fmt.Errorf("canonical model with empty id")
		}
		if canonicals[m.ID] {
			return fmt.Errorf("duplicate canonical model %q", m.ID)
		}
		p, ok := c.Gateway.Providers[m.Provider]
		if !ok {
			return fmt.Errorf("canonical model %q references unknown provider %q", m.ID, m.Provider)
		}
		if !knownKinds[p.Kind] {
			return fmt.Errorf("provider %q has unknown kind %q", m.Provider, p.Kind)
		}
		canonicals[m.ID] = true
	}
	for key, p := range c.Gateway.Providers {
		if !knownKinds[p.Kind] {
			return fmt.Errorf("provider %q has unknown kind %q", key, p.Kind)
		}
		if p.Kind == KindCloudflare && p.AccountID == "" {
			return fmt.Errorf("provider %q: cloudflare requires account_id", key)
		}
	}
	for name, a := range c.Gateway.Aliases {
		if len(a.Candidates) == 0 {
			return fmt.Errorf("alias %q has no candidates", name)
		}
		for _, id := range a.Candidates {
			if !canonicals[id] {
				return fmt.Errorf("alias %q references unknown canonical model %q", name, id)
			}
		}
	}
	for name, combo := range c.Gateway.Combos {
		if len(combo.Candidates) == 0 {
			return fmt.Errorf("combo %q has no candidates", name)
		}
		for _, id := range combo.Candidates {
			if !canonicals[id] {
				return fmt.Errorf("combo %q references unknown canonical model %q", name, id)
			}
		}
	}
	return nil
}
