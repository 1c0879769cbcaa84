// Package auth implements API key authentication for the Istari gateway.
// Keys are seeded from config at startup, stored as SHA-256 hashes, and
// resolved identities are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/istari-ai/istari/internal"
	"github.com/istari-ai/istari/internal/config"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// seededKey is one configured API key, indexed by its hash.
type seededKey struct {
	name     string
	tenantID string
	userID   string
	rpm      int64
	tpm      int64
}

// APIKeyAuth authenticates requests using API keys with the "ist_" prefix.
// When no keys are configured it grants anonymous access (dev mode).
type APIKeyAuth struct {
	keys       map[string]seededKey // hash -> key
	defaultRPM int64
	defaultTPM int64
	cache      *otter.Cache[string, *gateway.Identity]
}

var _ gateway.Authenticator = (*APIKeyAuth)(nil)

// New builds an APIKeyAuth from the config key seeds and default limits.
// Raw key material is hashed here and never retained.
func New(keys []config.KeyEntry, defaults config.RateLimitConfig) (*APIKeyAuth, error) {
	cache, err := otter.New(&otter.Options[string, *gateway.Identity]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Identity](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}

	a := &APIKeyAuth{
		keys:       make(map[string]seededKey, len(keys)),
		defaultRPM: defaults.DefaultRPM,
		defaultTPM: defaults.DefaultTPM,
		cache:      cache,
	}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		a.keys[gateway.HashKey(k.Key)] = seededKey{
			name:     k.Name,
			tenantID: k.TenantID,
			userID:   k.UserID,
			rpm:      k.RPM,
			tpm:      k.TPM,
		}
	}
	return a, nil
}

// Anonymous reports whether the gateway runs without configured keys.
func (a *APIKeyAuth) Anonymous() bool { return len(a.keys) == 0 }

// Authenticate extracts a Bearer token from the Authorization header and
// resolves the caller's Identity. With no configured keys every caller is
// admitted as anonymous; otherwise only keys with the "ist_" prefix that
// hash to a seeded entry are accepted.
func (a *APIKeyAuth) Authenticate(_ context.Context, r *http.Request) (*gateway.Identity, error) {
	if a.Anonymous() {
		return &gateway.Identity{
			Subject:    "anonymous",
			AuthMethod: "anonymous",
			RPMLimit:   a.defaultRPM,
			TPMLimit:   a.defaultTPM,
		}, nil
	}

	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, gateway.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)
	if id, ok := a.cache.GetIfPresent(hash); ok {
		return id, nil
	}

	key, ok := a.keys[hash]
	if !ok {
		return nil, gateway.ErrUnauthorized
	}

	id := a.buildIdentity(raw, hash, key)
	a.cache.Set(hash, id)
	return id, nil
}

// buildIdentity constructs an Identity from a validated key. Per-key limits
// override the configured defaults; zero falls back.
func (a *APIKeyAuth) buildIdentity(raw, hash string, key seededKey) *gateway.Identity {
	id := &gateway.Identity{
		Subject:    keyPrefix(raw),
		KeyID:      hash[:12],
		TenantID:   key.tenantID,
		UserID:     key.userID,
		AuthMethod: "apikey",
		RPMLimit:   key.rpm,
		TPMLimit:   key.tpm,
	}
	if id.RPMLimit == 0 {
		id.RPMLimit = a.defaultRPM
	}
	if id.TPMLimit == 0 {
		id.TPMLimit = a.defaultTPM
	}
	return id
}

// keyPrefix returns the loggable head of a key ("ist_abcd...") without
// exposing the secret.
func keyPrefix(raw string) string {
	const visible = len(gateway.APIKeyPrefix) + 4
	if len(raw) <= visible {
		return raw
	}
	return raw[:visible] + "..."
}
