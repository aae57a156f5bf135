package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// Vault provider defaults.
const (
	defaultVaultMount    = "secret"
	defaultVaultKey      = "value"
	defaultVaultTimeout  = 5 * time.Second
	defaultVaultCacheTTL = 5 * time.Minute
)

// VaultProviderConfig holds configuration for the Vault secrets provider
type VaultProviderConfig struct {
	// Address is the Vault server address
	Address string
	// Token is the Vault token
	Token string
	// Namespace is the Vault namespace (Enterprise only)
	Namespace string
	// Mount is the KV v2 secrets engine mount point
	Mount string
	// Path is the secret path below the mount
	Path string
	// Key is the field of the secret holding the credential
	Key string
	// CacheTTL is how long a resolved credential is reused. Zero selects
	// the default; a negative value disables caching.
	CacheTTL time.Duration
	// Timeout is the request timeout
	Timeout time.Duration
	// Metrics receives operation metrics; nil disables them.
	Metrics *Metrics
	// Logger is the logger instance
	Logger *zap.Logger
}

// VaultProvider reads the credential from a KV v2 secret and caches it.
type VaultProvider struct {
	client   *vaultapi.Client
	dataPath string
	key      string
	cacheTTL time.Duration
	now      func() time.Time
	metrics  *Metrics
	logger   *zap.Logger

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// NewVaultProvider creates a new Vault secrets provider. No request is
// made until the credential is first needed.
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: vault secret path is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = defaultVaultMount
	}
	key := cfg.Key
	if key == "" {
		key = defaultVaultKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVaultTimeout
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = defaultVaultCacheTTL
	}

	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("failed to load vault defaults: %w", apiConfig.Error)
	}
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = timeout
	apiConfig.MaxRetries = 0

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	dataPath := fmt.Sprintf("%s/data/%s", mount, strings.Trim(cfg.Path, "/"))

	logger.Info("Vault secrets provider initialized",
		zap.String("address", cfg.Address),
		zap.String("path", dataPath),
		zap.Duration("cacheTTL", cacheTTL),
	)

	return &VaultProvider{
		client:   client,
		dataPath: dataPath,
		key:      key,
		cacheTTL: cacheTTL,
		now:      time.Now,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Type returns the provider type
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret returns the cached credential or reads it from Vault.
func (p *VaultProvider) GetSecret(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && p.cacheTTL > 0 && p.now().Sub(p.fetchedAt) < p.cacheTTL {
		return p.cached, nil
	}

	value, err := p.read(ctx)
	if err != nil {
		return "", err
	}

	p.cached = value
	p.fetchedAt = p.now()
	return value, nil
}

func (p *VaultProvider) read(ctx context.Context) (value string, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordOperation(p.Type(), "get", time.Since(start), err)
	}()

	secret, err := p.client.Logical().ReadWithContext(ctx, p.dataPath)
	if err != nil {
		p.logger.Error("Failed to read secret from Vault",
			zap.String("path", p.dataPath),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, p.dataPath)
	}

	// KV v2 wraps the fields in "data"; a soft-deleted secret has data: null.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, p.dataPath)
	}

	raw, ok := data[p.key].(string)
	value = strings.TrimSpace(raw)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s has no field %q", ErrSecretNotFound, p.dataPath, p.key)
	}

	p.logger.Debug("Successfully retrieved secret from Vault",
		zap.String("path", p.dataPath),
	)

	return value, nil
}

// Invalidate drops the cached credential so the next call reads Vault.
func (p *VaultProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.fetchedAt = time.Time{}
}

// HealthCheck checks that the credential can be resolved.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	_, err := p.GetSecret(ctx)
	return err
}

// Close drops the cached credential.
func (p *VaultProvider) Close() error {
	p.Invalidate()
	return nil
}
