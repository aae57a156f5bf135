package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hash fields holding bucket state.
const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

// takeTokenScript runs one refill-and-consume step atomically.
// KEYS[1] = bucket key
// ARGV[1] = capacity, ARGV[2] = refill rate per second,
// ARGV[3] = now in unix microseconds, ARGV[4] = ttl in milliseconds.
// Returns {allowed (0|1), tokens, last_refill}.
var takeTokenScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(data[1])
	local last = tonumber(data[2])
	if tokens == nil or last == nil then
		tokens = capacity
		last = now
	end

	local elapsed = (now - last) / 1000000.0
	if elapsed < 0 then
		elapsed = 0
	end
	tokens = math.min(capacity, tokens + elapsed * rate)
	if now > last then
		last = now
	end

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end

	local tokens_s = string.format('%.17g', tokens)
	local last_s = string.format('%.0f', last)
	redis.call('HSET', key, 'tokens', tokens_s, 'last_refill', last_s)
	redis.call('PEXPIRE', key, ttl_ms)

	return {allowed, tokens_s, last_s}
`)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the wait between connection attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ConnectionRetries is the number of retries after the first attempt.
	ConnectionRetries int

	// Registerer receives the store's operation metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "keygate:",
		PoolSize:          10,
		MinIdleConns:      2,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		ConnectionRetries: 3,
	}
}

type redisMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    prometheus.Counter
}

func newRedisMetrics(reg prometheus.Registerer) *redisMetrics {
	factory := promauto.With(reg)
	return &redisMetrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_redis_store_operations_total",
				Help: "Total number of Redis bucket store operations",
			},
			[]string{"operation", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_redis_store_operation_duration_seconds",
				Help:    "Duration of Redis bucket store operations in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		retries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_redis_store_connection_retries_total",
				Help: "Total number of Redis connection retry attempts",
			},
		),
	}
}

func (m *redisMetrics) observe(op string, start time.Time, err error) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	switch {
	case err == nil:
	case IsKeyNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
}

// RedisStore implements Store and TokenTaker on Redis. Bucket state lives
// in a hash per key so several gateway instances share one quota.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *zap.Logger
	metrics *redisMetrics

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis, retrying with decorrelated jitter
// backoff, and returns a ready store.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := NewRedisStoreWithClient(client, cfg.Prefix, logger, cfg.Registerer)
	if err := s.connectWithRetry(ctx, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client without checking connectivity.
func NewRedisStoreWithClient(
	client redis.UniversalClient,
	prefix string,
	logger *zap.Logger,
	reg prometheus.Registerer,
) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		metrics: newRedisMetrics(reg),
	}
}

func (s *RedisStore) connectWithRetry(ctx context.Context, cfg *RedisConfig) error {
	backoff := newDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectionRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = s.client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				s.logger.Info("redis connection established after retry",
					zap.String("address", cfg.Address),
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt == cfg.ConnectionRetries {
			break
		}

		wait := backoff.next(attempt)
		s.logger.Debug("redis connection failed, retrying",
			zap.String("address", cfg.Address),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		s.metrics.retries.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis connection aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", cfg.ConnectionRetries+1, lastErr)
}

// decorrelatedJitterBackoff implements decorrelated jitter:
// sleep = min(cap, random_between(base, sleep * 3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration < initial {
		maxDuration = initial
	}
	return &decorrelatedJitterBackoff{initial: initial, max: maxDuration, current: initial}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3

	//nolint:gosec // weak randomness is fine for jitter
	backoff := lo + float64(time.Now().UnixNano()%1000)/1000.0*(hi-lo)
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (b Bucket, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("get", start, err) }()

	if err := ctx.Err(); err != nil {
		return Bucket{}, fmt.Errorf("context error before redis get: %w", err)
	}

	vals, err := s.client.HMGet(ctx, s.prefixKey(key), fieldTokens, fieldLastRefill).Result()
	if err != nil {
		return Bucket{}, fmt.Errorf("redis get error: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Bucket{}, &ErrKeyNotFound{Key: key}
	}

	tokens, ok1 := vals[0].(string)
	last, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Bucket{}, fmt.Errorf("redis get: unexpected field types %T, %T", vals[0], vals[1])
	}
	return parseBucket(tokens, last)
}

// Set implements Store. The hash write and the expiry run in one transaction.
func (s *RedisStore) Set(ctx context.Context, key string, bucket Bucket, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("set", start, err) }()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis set: %w", err)
	}

	k := s.prefixKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			fieldTokens, strconv.FormatFloat(bucket.Tokens, 'g', -1, 64),
			fieldLastRefill, strconv.FormatInt(bucket.LastRefill.UnixMicro(), 10),
		)
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// TakeToken implements TokenTaker with a server-side Lua script.
func (s *RedisStore) TakeToken(ctx context.Context, key string, req TakeRequest) (b Bucket, allowed bool, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("take_token", start, err) }()

	if err := ctx.Err(); err != nil {
		return Bucket{}, false, fmt.Errorf("context error before redis take: %w", err)
	}

	ttlMs := req.TTL.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	res, err := takeTokenScript.Run(ctx, s.client, []string{s.prefixKey(key)},
		req.Capacity, req.Rate, req.Now.UnixMicro(), ttlMs,
	).Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("redis script error: %w", err)
	}
	if len(res) != 3 {
		return Bucket{}, false, fmt.Errorf("redis script returned %d values", len(res))
	}

	flag, ok := res[0].(int64)
	if !ok {
		return Bucket{}, false, fmt.Errorf("redis script returned unexpected type: %T", res[0])
	}
	tokens, ok1 := res[1].(string)
	last, ok2 := res[2].(string)
	if !ok1 || !ok2 {
		return Bucket{}, false, errors.New("redis script returned non-string bucket state")
	}

	b, err = parseBucket(tokens, last)
	if err != nil {
		return Bucket{}, false, err
	}
	return b, flag == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func parseBucket(tokens, lastRefill string) (Bucket, error) {
	t, err := strconv.ParseFloat(tokens, 64)
	if err != nil {
		return Bucket{}, fmt.Errorf("failed to parse tokens: %w", err)
	}
	micros, err := strconv.ParseInt(lastRefill, 10, 64)
	if err != nil {
		return Bucket{}, fmt.Errorf("failed to parse last refill: %w", err)
	}
	return Bucket{Tokens: t, LastRefill: time.UnixMicro(micros)}, nil
}
