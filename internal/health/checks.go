package health

import (
	"context"

	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

// HealthChecker is implemented by dependencies that can report their own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CredentialCheck reports whether the upstream credential resolves.
func CredentialCheck(provider HealthChecker) CheckFunc {
	return provider.HealthCheck
}

// StoreCheck pings stores with a remote backend. In-process stores are
// always ready.
func StoreCheck(s store.Store) CheckFunc {
	pinger, ok := s.(store.Pinger)
	if !ok {
		return func(context.Context) error { return nil }
	}
	return pinger.Ping
}
