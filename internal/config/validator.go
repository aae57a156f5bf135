package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// validator accumulates errors across one validation pass.
type validator struct {
	errors ValidationErrors
}

// ValidateConfig validates a gateway configuration. It returns
// ValidationErrors listing every problem found, or nil.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg == nil {
		return ValidationErrors{{Message: "configuration is nil"}}
	}

	v := &validator{}
	v.validateServer(&cfg.Server)
	v.validateUpstream(&cfg.Upstream)
	v.validateCredential(&cfg.Credential)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateValidator(&cfg.Validator)
	v.validateLogging(&cfg.Logging)

	for _, name := range cfg.Validator.ParamNames() {
		if name == cfg.Upstream.CredentialParam {
			v.addError("validator", fmt.Sprintf("parameter %q collides with upstream.credentialParam", name))
		}
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		v.addError("metrics.address", "is required when metrics are enabled")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "is required")
	}
	if !strings.HasPrefix(s.Path, "/") {
		v.addError("server.path", "must start with /")
	}
	if s.Path == "/healthz" || s.Path == "/readyz" {
		v.addError("server.path", "collides with a health endpoint")
	}
	if s.MaxBodyBytes <= 0 {
		v.addError("server.maxBodyBytes", "must be positive")
	}
}

func (v *validator) validateUpstream(u *UpstreamConfig) {
	if u.BaseURL == "" {
		v.addError("upstream.baseURL", "is required")
	} else if parsed, err := url.Parse(u.BaseURL); err != nil || !parsed.IsAbs() || parsed.Host == "" {
		v.addError("upstream.baseURL", "must be an absolute URL")
	} else if parsed.RawQuery != "" {
		v.addError("upstream.baseURL", "must not carry a query string")
	}
	if u.CredentialParam == "" {
		v.addError("upstream.credentialParam", "is required")
	}
	if u.Timeout.Duration() <= 0 {
		v.addError("upstream.timeout", "must be positive")
	}
	if u.MaxResponseBytes <= 0 {
		v.addError("upstream.maxResponseBytes", "must be positive")
	}
	if u.CircuitBreaker.Enabled {
		if u.CircuitBreaker.Threshold < 1 {
			v.addError("upstream.circuitBreaker.threshold", "must be at least 1")
		}
		if u.CircuitBreaker.Timeout.Duration() <= 0 {
			v.addError("upstream.circuitBreaker.timeout", "must be positive")
		}
	}
}

func (v *validator) validateCredential(c *CredentialConfig) {
	switch c.Provider {
	case CredentialProviderEnv:
		if c.EnvVar == "" {
			v.addError("credential.envVar", "is required for the env provider")
		}
	case CredentialProviderVault:
		if c.Vault.Address == "" {
			v.addError("credential.vault.address", "is required for the vault provider")
		}
		if c.Vault.Path == "" {
			v.addError("credential.vault.path", "is required for the vault provider")
		}
		if c.Vault.Key == "" {
			v.addError("credential.vault.key", "is required for the vault provider")
		}
	default:
		v.addError("credential.provider", fmt.Sprintf("unknown provider %q", c.Provider))
	}
}

func (v *validator) validateRateLimit(r *RateLimitConfig) {
	if r.Capacity < 1 {
		v.addError("rateLimit.capacity", "must be at least 1")
	}
	if r.RefillRate <= 0 {
		v.addError("rateLimit.refillRate", "must be positive")
	}
	if r.BucketTTL.Duration() <= 0 {
		v.addError("rateLimit.bucketTTL", "must be positive")
	} else if r.Capacity >= 1 && r.RefillRate > 0 {
		refill := time.Duration(math.Ceil(float64(r.Capacity)/r.RefillRate)) * time.Second
		if r.BucketTTL.Duration() < refill {
			v.addError("rateLimit.bucketTTL",
				fmt.Sprintf("must be at least the refill time capacity/refillRate (%s)", refill))
		}
	}
	switch r.Store {
	case StoreMemory:
		if r.MaxEntries < 1 {
			v.addError("rateLimit.maxEntries", "must be at least 1")
		}
	case StoreRedis:
		if r.Redis.Address == "" {
			v.addError("rateLimit.redis.address", "is required for the redis store")
		}
	default:
		v.addError("rateLimit.store", fmt.Sprintf("unknown store %q", r.Store))
	}
	for i, cidr := range r.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			v.addError(fmt.Sprintf("rateLimit.trustedProxies[%d]", i), "must be a CIDR or an IP address")
		}
	}
	if r.Budget != nil {
		if r.Budget.RequestsPerSecond <= 0 {
			v.addError("rateLimit.budget.requestsPerSecond", "must be positive")
		}
		if r.Budget.Burst < 1 {
			v.addError("rateLimit.budget.burst", "must be at least 1")
		}
	}
}

func (v *validator) validateValidator(c *ValidatorConfig) {
	if len(c.AllowedOperations) == 0 && c.PatternPrefix == "" {
		v.addError("validator", "at least one allowed operation or a pattern prefix is required")
	}
	if c.QueryMaxLength < 1 {
		v.addError("validator.queryMaxLength", "must be at least 1")
	}
	if c.PageMin > c.PageMax {
		v.addError("validator.pageMin", "must not exceed pageMax")
	}
}

func (v *validator) validateLogging(l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unknown format %q", l.Format))
	}
}

func (v *validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
