package secrets

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/keygate/internal/config"
)

// NewProviderFromConfig creates the credential provider selected by cfg.Provider.
func NewProviderFromConfig(cfg config.CredentialConfig, metrics *Metrics, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	providerType := cfg.Provider
	if providerType == "" {
		providerType = string(ProviderTypeEnv)
	}

	pt, err := ValidateProviderType(providerType)
	if err != nil {
		return nil, err
	}

	logger.Info("creating credential provider", zap.String("type", string(pt)))

	switch pt {
	case ProviderTypeVault:
		return NewVaultProvider(&VaultProviderConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Mount:     cfg.Vault.Mount,
			Path:      cfg.Vault.Path,
			Key:       cfg.Vault.Key,
			CacheTTL:  cfg.Vault.CacheTTL.Duration(),
			Timeout:   cfg.Vault.Timeout.Duration(),
			Metrics:   metrics,
			Logger:    logger,
		})

	case ProviderTypeEnv:
		return NewEnvProvider(&EnvProviderConfig{
			EnvVar:  cfg.EnvVar,
			Metrics: metrics,
			Logger:  logger,
		}), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, pt)
	}
}
