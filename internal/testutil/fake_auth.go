package testutil

import (
	"context"
	"net/http"

	gateway "github.com/istari-ai/istari/internal"
)

// FakeAuth always authenticates successfully.
type FakeAuth struct {
	Identity *gateway.Identity
}

// Authenticate returns the configured identity or a default test identity.
func (f FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Identity, error) {
	if f.Identity != nil {
		return f.Identity, nil
	}
	return &gateway.Identity{
		Subject:    "ist_test...",
		KeyID:      "testkey",
		TenantID:   "acme",
		AuthMethod: "apikey",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}
