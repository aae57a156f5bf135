package main

import (
	"time"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Environment overrides applied on top of the configuration file.
const (
	envListenAddress  = "KEYGATE_LISTEN_ADDRESS"
	envUpstreamURL    = "KEYGATE_UPSTREAM_URL"
	envRedisAddress   = "KEYGATE_REDIS_ADDRESS"
	envTracingEnabled = "KEYGATE_TRACING_ENABLED"
	envShutdown       = "KEYGATE_SHUTDOWN_TIMEOUT"
)

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting keygate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
		return nil // unreachable in production; allows test to continue
	}

	applyEnvOverrides(cfg)

	if err := config.ValidateConfig(cfg); err != nil {
		fatalWithSync(logger, "invalid configuration", observability.Error(err))
		return nil // unreachable in production; allows test to continue
	}

	logger.Info("configuration loaded",
		observability.String("address", cfg.Server.Address),
		observability.String("path", cfg.Server.Path),
		observability.String("credential_provider", cfg.Credential.Provider),
		observability.String("bucket_store", cfg.RateLimit.Store),
		observability.Int("capacity", cfg.RateLimit.Capacity),
		observability.Float64("refill_rate", cfg.RateLimit.RefillRate),
		observability.Int("allowed_operations", len(cfg.Validator.AllowedOperations)),
	)

	return cfg
}

// applyEnvOverrides lets deployment environments override a few settings
// without editing the file. Environment values take priority.
func applyEnvOverrides(cfg *config.GatewayConfig) {
	cfg.Server.Address = getEnvOrDefault(envListenAddress, cfg.Server.Address)
	cfg.Upstream.BaseURL = getEnvOrDefault(envUpstreamURL, cfg.Upstream.BaseURL)
	if addr := getEnvOrDefault(envRedisAddress, ""); addr != "" {
		cfg.RateLimit.Store = config.StoreRedis
		cfg.RateLimit.Redis.Address = addr
	}
	cfg.Tracing.Enabled = getEnvBool(envTracingEnabled, cfg.Tracing.Enabled)
	cfg.Server.ShutdownTimeout = config.Duration(
		getEnvDuration(envShutdown, time.Duration(cfg.Server.ShutdownTimeout)),
	)
}
