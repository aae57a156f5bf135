package config

import (
	"time"
)

// Store backends for rate-limit bucket state.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Credential providers.
const (
	CredentialProviderEnv   = "env"
	CredentialProviderVault = "vault"
)

// GatewayConfig is the root configuration of the gateway.
type GatewayConfig struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream" json:"upstream"`
	Credential CredentialConfig `yaml:"credential" json:"credential"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit" json:"rateLimit"`
	Validator  ValidatorConfig  `yaml:"validator" json:"validator"`
	CORS       CORSConfig       `yaml:"cors" json:"cors"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	Path            string   `yaml:"path" json:"path"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
}

// UpstreamConfig configures the credentialed upstream data API.
type UpstreamConfig struct {
	BaseURL          string               `yaml:"baseURL" json:"baseURL"`
	CredentialParam  string               `yaml:"credentialParam" json:"credentialParam"`
	Timeout          Duration             `yaml:"timeout" json:"timeout"`
	MaxResponseBytes int64                `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// CircuitBreakerConfig configures the upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Threshold is the number of consecutive transport failures that opens the breaker.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Timeout is how long the breaker stays open before probing again.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// CredentialConfig selects where the upstream credential comes from.
type CredentialConfig struct {
	Provider string      `yaml:"provider" json:"provider"`
	EnvVar   string      `yaml:"envVar" json:"envVar"`
	Vault    VaultConfig `yaml:"vault" json:"vault"`
}

// VaultConfig configures the Vault KV v2 credential source.
type VaultConfig struct {
	Address   string   `yaml:"address" json:"address"`
	Token     string   `yaml:"token" json:"token"`
	Namespace string   `yaml:"namespace" json:"namespace"`
	Mount     string   `yaml:"mount" json:"mount"`
	Path      string   `yaml:"path" json:"path"`
	Key       string   `yaml:"key" json:"key"`
	CacheTTL  Duration `yaml:"cacheTTL" json:"cacheTTL"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// RateLimitConfig configures per-client token buckets and the optional
// global upstream budget.
type RateLimitConfig struct {
	Capacity       int           `yaml:"capacity" json:"capacity"`
	RefillRate     float64       `yaml:"refillRate" json:"refillRate"`
	BucketTTL      Duration      `yaml:"bucketTTL" json:"bucketTTL"`
	Store          string        `yaml:"store" json:"store"`
	MaxEntries     int           `yaml:"maxEntries" json:"maxEntries"`
	TrustedProxies []string      `yaml:"trustedProxies" json:"trustedProxies"`
	Redis          RedisConfig   `yaml:"redis" json:"redis"`
	Budget         *BudgetConfig `yaml:"budget,omitempty" json:"budget,omitempty"`
}

// RedisConfig configures the shared bucket store.
type RedisConfig struct {
	Address      string   `yaml:"address" json:"address"`
	Password     string   `yaml:"password" json:"password"`
	DB           int      `yaml:"db" json:"db"`
	Prefix       string   `yaml:"prefix" json:"prefix"`
	DialTimeout  Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// BudgetConfig caps the aggregate forwarded rate across all clients.
type BudgetConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ValidatorConfig configures the operation allow-list and parameter rules.
type ValidatorConfig struct {
	AllowedOperations []string `yaml:"allowedOperations" json:"allowedOperations"`
	PatternPrefix     string   `yaml:"patternPrefix" json:"patternPrefix"`
	QueryParam        string   `yaml:"queryParam" json:"queryParam"`
	QueryMaxLength    int      `yaml:"queryMaxLength" json:"queryMaxLength"`
	PagingParams      []string `yaml:"pagingParams" json:"pagingParams"`
	PageMin           int      `yaml:"pageMin" json:"pageMin"`
	PageMax           int      `yaml:"pageMax" json:"pageMax"`
	PassthroughParams []string `yaml:"passthroughParams" json:"passthroughParams"`
}

// ParamNames returns every whitelisted parameter name.
func (c *ValidatorConfig) ParamNames() []string {
	names := make([]string, 0, 1+len(c.PagingParams)+len(c.PassthroughParams))
	if c.QueryParam != "" {
		names = append(names, c.QueryParam)
	}
	names = append(names, c.PagingParams...)
	return append(names, c.PassthroughParams...)
}

// CORSConfig configures the preflight response.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allowOrigins" json:"allowOrigins"`
	AllowMethods []string `yaml:"allowMethods" json:"allowMethods"`
	AllowHeaders []string `yaml:"allowHeaders" json:"allowHeaders"`
	MaxAge       int      `yaml:"maxAge" json:"maxAge"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns the reference deployment configuration.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Address:         ":8080",
			Path:            "/api",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxBodyBytes:    64 << 10,
		},
		Upstream: UpstreamConfig{
			CredentialParam:  "key",
			Timeout:          Duration(10 * time.Second),
			MaxResponseBytes: 10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:   true,
				Threshold: 5,
				Timeout:   Duration(30 * time.Second),
			},
		},
		Credential: CredentialConfig{
			Provider: CredentialProviderEnv,
			EnvVar:   "UPSTREAM_API_KEY",
			Vault: VaultConfig{
				Mount:    "secret",
				Key:      "value",
				CacheTTL: Duration(5 * time.Minute),
				Timeout:  Duration(5 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			Capacity:   60,
			RefillRate: 0.5,
			BucketTTL:  Duration(4 * time.Minute),
			Store:      StoreMemory,
			MaxEntries: 100000,
			Redis: RedisConfig{
				Address:      "localhost:6379",
				Prefix:       "keygate:",
				DialTimeout:  Duration(5 * time.Second),
				ReadTimeout:  Duration(time.Second),
				WriteTimeout: Duration(time.Second),
			},
		},
		Validator: ValidatorConfig{
			AllowedOperations: []string{"search", "categories", "stats"},
			PatternPrefix:     "item/",
			QueryParam:        "query",
			QueryMaxLength:    80,
			PagingParams:      []string{"pageSize", "page"},
			PageMin:           1,
			PageMax:           50,
			PassthroughParams: []string{"category", "sort", "lang"},
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
			MaxAge:       86400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  "keygate",
		},
	}
}
