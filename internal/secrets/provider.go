// Package secrets resolves the upstream credential held by the gateway.
// The value is read from the process environment or from a Vault KV v2
// secret and is never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderType represents the type of secrets provider
type ProviderType string

const (
	// ProviderTypeEnv reads the credential from an environment variable
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeVault reads the credential from HashiCorp Vault
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers
var (
	// ErrSecretNotFound is returned when the credential is absent or empty
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidProviderType is returned when an unknown provider type is specified
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Provider supplies the upstream credential.
type Provider interface {
	// Type returns the provider type
	Type() ProviderType

	// GetSecret returns the current credential value. An absent or
	// empty value yields ErrSecretNotFound.
	GetSecret(ctx context.Context) (string, error)

	// HealthCheck returns nil if the credential can be resolved
	HealthCheck(ctx context.Context) error

	// Close cleans up provider resources
	Close() error
}

// Metrics records secrets provider operations. A nil *Metrics records nothing.
type Metrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewMetrics creates provider metrics registered with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operation_duration_seconds",
				Help:      "Duration of secrets provider operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation", "result"},
		),
		total: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operation_total",
				Help:      "Total number of secrets provider operations",
			},
			[]string{"provider", "operation", "result"},
		),
	}
}

// RecordOperation records metrics for a secrets provider operation
func (m *Metrics) RecordOperation(provider ProviderType, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrSecretNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.duration.WithLabelValues(string(provider), operation, result).Observe(duration.Seconds())
	m.total.WithLabelValues(string(provider), operation, result).Inc()
}

// ValidateProviderType validates that the given string is a valid provider type
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, vault", ErrInvalidProviderType, providerType)
	}
}
