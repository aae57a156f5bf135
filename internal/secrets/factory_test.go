package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keygate/internal/config"
)

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Credential
	p, err := NewProviderFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeEnv, p.Type())

	cfg.Provider = config.CredentialProviderVault
	cfg.Vault.Address = "http://127.0.0.1:8200"
	cfg.Vault.Path = "keygate/upstream"
	p, err = NewProviderFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeVault, p.Type())

	cfg.Provider = "kubernetes"
	_, err = NewProviderFromConfig(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidProviderType)
}
