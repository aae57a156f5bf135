package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultEnvVar is the environment variable holding the credential by default.
const DefaultEnvVar = "UPSTREAM_API_KEY"

// EnvProviderConfig holds configuration for the environment variable secrets provider
type EnvProviderConfig struct {
	// EnvVar names the variable holding the credential.
	// Default: "UPSTREAM_API_KEY"
	EnvVar string
	// Lookup replaces os.LookupEnv, mainly for tests.
	Lookup func(string) (string, bool)
	// Metrics receives operation metrics; nil disables them.
	Metrics *Metrics
	// Logger is the logger instance
	Logger *zap.Logger
}

// EnvProvider reads the credential from one environment variable on every
// call, so a restarted sidecar that rewrites the environment is picked up.
type EnvProvider struct {
	envVar  string
	lookup  func(string) (string, bool)
	metrics *Metrics
	logger  *zap.Logger
}

// NewEnvProvider creates a new environment variable secrets provider
func NewEnvProvider(cfg *EnvProviderConfig) *EnvProvider {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	envVar := cfg.EnvVar
	if envVar == "" {
		envVar = DefaultEnvVar
	}

	lookup := cfg.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EnvProvider{
		envVar:  envVar,
		lookup:  lookup,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Type returns the provider type
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// GetSecret returns the trimmed value of the configured variable.
func (p *EnvProvider) GetSecret(ctx context.Context) (value string, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordOperation(p.Type(), "get", time.Since(start), err)
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, ok := p.lookup(p.envVar)
	value = strings.TrimSpace(raw)
	if !ok || value == "" {
		p.logger.Debug("credential environment variable not set",
			zap.String("envVar", p.envVar),
		)
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, p.envVar)
	}

	return value, nil
}

// HealthCheck checks that the variable is set.
func (p *EnvProvider) HealthCheck(ctx context.Context) error {
	_, err := p.GetSecret(ctx)
	return err
}

// Close is a no-op for the environment provider
func (p *EnvProvider) Close() error {
	return nil
}
