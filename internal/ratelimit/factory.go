package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

// memoryCleanupInterval is how often the in-memory store sweeps expired buckets.
const memoryCleanupInterval = time.Minute

// FactoryDeps carries the collaborators needed to build rate-limit components.
type FactoryDeps struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// NewStore creates the bucket store selected by cfg.Store.
func NewStore(ctx context.Context, cfg config.RateLimitConfig, deps FactoryDeps) (store.Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Store {
	case "", config.StoreMemory:
		logger.Info("using in-memory bucket store", zap.Int("max_entries", cfg.MaxEntries))
		return store.NewMemoryStore(memoryCleanupInterval, store.WithMaxEntries(cfg.MaxEntries)), nil

	case config.StoreRedis:
		rc := store.DefaultRedisConfig()
		rc.Address = cfg.Redis.Address
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.Prefix != "" {
			rc.Prefix = cfg.Redis.Prefix
		}
		if d := cfg.Redis.DialTimeout.Duration(); d > 0 {
			rc.DialTimeout = d
		}
		if d := cfg.Redis.ReadTimeout.Duration(); d > 0 {
			rc.ReadTimeout = d
		}
		if d := cfg.Redis.WriteTimeout.Duration(); d > 0 {
			rc.WriteTimeout = d
		}
		rc.Logger = logger
		rc.Registerer = deps.Registerer

		s, err := store.NewRedisStore(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("create redis bucket store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown bucket store %q", cfg.Store)
	}
}

// NewFromConfig creates the per-client limiter and its store.
func NewFromConfig(ctx context.Context, cfg config.RateLimitConfig, deps FactoryDeps) (*TokenBucketLimiter, error) {
	s, err := NewStore(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	opts := []TokenBucketOption{WithLimiterLogger(deps.Logger)}
	if ttl := cfg.BucketTTL.Duration(); ttl > 0 {
		opts = append(opts, WithBucketTTL(ttl))
	}

	l, err := NewTokenBucketLimiter(s, cfg.Capacity, cfg.RefillRate, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return l, nil
}

// NewBudgetFromConfig returns the global budget, or nil when none is configured.
func NewBudgetFromConfig(cfg *config.BudgetConfig) *UpstreamBudget {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return nil
	}
	return NewUpstreamBudget(cfg.RequestsPerSecond, cfg.Burst)
}

// Store returns the limiter's backing store.
func (l *TokenBucketLimiter) Store() store.Store {
	return l.store
}
