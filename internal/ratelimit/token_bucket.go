package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

// Ensure TokenBucketLimiter implements io.Closer for proper resource cleanup
var _ io.Closer = (*TokenBucketLimiter)(nil)

// lockStripes is the number of mutexes that serialize bucket updates.
// Keys hashing to the same stripe share a lock; buckets never share state.
const lockStripes = 256

// ErrInvalidBucketParams is returned for a non-positive capacity or rate.
var ErrInvalidBucketParams = errors.New("token bucket capacity and rate must be positive")

// TokenBucketLimiter implements the token bucket algorithm over a store.Store.
// A bucket starts full at capacity tokens, refills continuously at rate
// tokens per second up to capacity, and each admitted request takes one token.
//
// When the store implements store.TokenTaker the whole step runs on the
// store side; otherwise the read-modify-write is guarded by a per-key
// stripe lock, which is released before Allow returns.
type TokenBucketLimiter struct {
	store     store.Store
	capacity  float64
	rate      float64
	bucketTTL time.Duration
	now       func() time.Time
	logger    *zap.Logger

	locks [lockStripes]sync.Mutex
}

// TokenBucketOption configures a TokenBucketLimiter.
type TokenBucketOption func(*TokenBucketLimiter)

// WithBucketTTL sets how long an idle bucket is kept. The default is twice
// the time a bucket needs to refill from empty; a shorter ttl than that
// refill time is raised to it, since forgetting a partly drained bucket
// would hand out a full one.
func WithBucketTTL(ttl time.Duration) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if ttl > 0 {
			l.bucketTTL = ttl
		}
	}
}

// WithLimiterClock overrides the limiter's time source.
func WithLimiterClock(now func() time.Time) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLimiterLogger sets the limiter's logger.
func WithLimiterLogger(logger *zap.Logger) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewTokenBucketLimiter creates a token bucket limiter backed by s.
func NewTokenBucketLimiter(
	s store.Store,
	capacity int,
	rate float64,
	opts ...TokenBucketOption,
) (*TokenBucketLimiter, error) {
	if s == nil {
		return nil, errors.New("token bucket store is required")
	}
	if capacity < 1 || rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: capacity=%d rate=%v", ErrInvalidBucketParams, capacity, rate)
	}

	l := &TokenBucketLimiter{
		store:     s,
		capacity:  float64(capacity),
		rate:      rate,
		bucketTTL: DefaultBucketTTL(capacity, rate),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if floor := RefillTime(capacity, rate); l.bucketTTL < floor {
		l.logger.Warn("bucket TTL shorter than refill time, raising it",
			zap.Duration("requested", l.bucketTTL),
			zap.Duration("applied", floor),
		)
		l.bucketTTL = floor
	}

	return l, nil
}

// RefillTime is how long an empty bucket takes to fill, rounded up to a
// whole second. A bucket idle at least that long is full, so forgetting it
// changes nothing.
func RefillTime(capacity int, rate float64) time.Duration {
	secs := math.Ceil(float64(capacity) / rate)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// DefaultBucketTTL returns twice RefillTime.
func DefaultBucketTTL(capacity int, rate float64) time.Duration {
	return 2 * RefillTime(capacity, rate)
}

// Capacity returns the bucket capacity.
func (l *TokenBucketLimiter) Capacity() int {
	return int(l.capacity)
}

// Rate returns the refill rate in tokens per second.
func (l *TokenBucketLimiter) Rate() float64 {
	return l.rate
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := l.now()

	if taker, ok := l.store.(store.TokenTaker); ok {
		b, allowed, err := taker.TakeToken(ctx, key, store.TakeRequest{
			Capacity: l.capacity,
			Rate:     l.rate,
			Now:      now,
			TTL:      l.bucketTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("take token: %w", err)
		}
		return l.result(b.Tokens, allowed), nil
	}

	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	b, err := l.store.Get(ctx, key)
	switch {
	case store.IsKeyNotFound(err):
		b = store.Bucket{Tokens: l.capacity, LastRefill: now}
	case err != nil:
		return nil, fmt.Errorf("load bucket: %w", err)
	}

	b, allowed := Take(b, now, l.capacity, l.rate)

	if err := l.store.Set(ctx, key, b, l.bucketTTL); err != nil {
		return nil, fmt.Errorf("save bucket: %w", err)
	}

	return l.result(b.Tokens, allowed), nil
}

// Take applies one refill-and-consume step to b at time now. The elapsed
// time is clamped at zero and LastRefill never moves backwards, so a clock
// regression neither adds tokens nor delays later refills.
func Take(b store.Bucket, now time.Time, capacity, rate float64) (store.Bucket, bool) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := math.Min(capacity, b.Tokens+elapsed*rate)
	if tokens < 0 {
		tokens = 0
	}

	last := b.LastRefill
	if now.After(last) {
		last = now
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	return store.Bucket{Tokens: tokens, LastRefill: last}, allowed
}

func (l *TokenBucketLimiter) result(tokens float64, allowed bool) *Result {
	r := &Result{
		Allowed:   allowed,
		Limit:     int(l.capacity),
		Remaining: int(math.Floor(tokens)),
		Tokens:    tokens,
	}
	if !allowed {
		r.RetryAfter = time.Duration((1 - tokens) / l.rate * float64(time.Second))
	}
	return r
}

func (l *TokenBucketLimiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.locks[h.Sum32()%lockStripes]
}

// Close releases the underlying store.
func (l *TokenBucketLimiter) Close() error {
	if err := l.store.Close(); err != nil {
		l.logger.Warn("failed to close bucket store", zap.Error(err))
		return err
	}
	return nil
}
