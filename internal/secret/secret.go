// Package secret resolves provider API keys. It is the only place where key
// material is looked up; it never substitutes defaults and refuses to return
// empty values.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMissing indicates a provider has no key material configured. The
// composition root maps this to exit code 2.
var ErrMissing = errors.New("missing secret")

// Provider resolves a provider key to its API secret.
type Provider interface {
	// Get returns the secret for the given provider key. It never returns
	// an empty string with a nil error.
	Get(providerKey string) (string, error)
}

// EnvProvider resolves secrets from the environment with a config-level
// fallback. The environment variable `<PROVIDERKEY>_API_KEY` (uppercased,
// non-alphanumerics mapped to underscores) takes precedence over the value
// registered via SetFallback.
type EnvProvider struct {
	fallbacks map[string]string
}

// NewEnvProvider returns an EnvProvider with no fallbacks registered.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{fallbacks: make(map[string]string)}
}

// SetFallback registers config-sourced key material for a provider. Empty
// values are ignored rather than stored, so Get cannot leak them back.
func (p *EnvProvider) SetFallback(providerKey, value string) {
	if value == "" {
		return
	}
	p.fallbacks[providerKey] = value
}

// Get resolves the secret for providerKey, env first, then fallback.
func (p *EnvProvider) Get(providerKey string) (string, error) {
	if v := os.Getenv(EnvVar(providerKey)); v != "" {
		return v, nil
	}
	if v := p.fallbacks[providerKey]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: provider %q (set %s)", ErrMissing, providerKey, EnvVar(providerKey))
}

// EnvVar returns the environment variable name for a provider key,
// e.g. "workers-ai" -> "WORKERS_AI_API_KEY".
func EnvVar(providerKey string) string {
	var b strings.Builder
	for _, r := range providerKey {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString("_API_KEY")
	return b.String()
}

// Static is a fixed-map Provider for tests.
type Static map[string]string

// Get returns the mapped secret or ErrMissing.
func (s Static) Get(providerKey string) (string, error) {
	if v := s[providerKey]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: provider %q", ErrMissing, providerKey)
}
