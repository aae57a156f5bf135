package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryLimiter(t *testing.T, clock *testClock, capacity int, rate float64) *TokenBucketLimiter {
	t.Helper()

	l, err := NewTokenBucketLimiter(store.NewMemoryStore(0), capacity, rate, WithLimiterClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newRedisLimiter(t *testing.T, clock *testClock, capacity int, rate float64) *TokenBucketLimiter {
	t.Helper()

	mr := miniredis.RunT(t)
	s := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rl:", nil, nil)
	l, err := NewTokenBucketLimiter(s, capacity, rate, WithLimiterClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestTokenBucketLimiter_AdmissionRate(t *testing.T) {
	t.Parallel()

	backends := map[string]func(*testing.T, *testClock, int, float64) *TokenBucketLimiter{
		"memory": newMemoryLimiter,
		"redis":  newRedisLimiter,
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newTestClock()
			l := build(t, clock, 60, 0.5)
			ctx := context.Background()

			for i := 0; i < 60; i++ {
				res, err := l.Allow(ctx, "203.0.113.7")
				require.NoError(t, err)
				require.True(t, res.Allowed, "request %d should be admitted", i+1)
				assert.Equal(t, 60, res.Limit)
				assert.Equal(t, 59-i, res.Remaining)
				clock.Advance(10 * time.Millisecond)
			}

			res, err := l.Allow(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.False(t, res.Allowed, "61st request within the same second is rejected")
			assert.Equal(t, 2, res.RetryAfterSeconds())

			clock.Advance(2 * time.Second)

			res, err = l.Allow(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.True(t, res.Allowed, "one token refilled after two seconds")

			res, err = l.Allow(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.False(t, res.Allowed, "exactly one request admitted after the refill")
		})
	}
}

func TestTokenBucketLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	l := newMemoryLimiter(t, clock, 2, 0.5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketLimiter_CapacityInvariant(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	s := store.NewMemoryStore(0)
	l, err := NewTokenBucketLimiter(s, 5, 2, WithLimiterClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		step := time.Duration(rng.Intn(1500)) * time.Millisecond
		if rng.Intn(10) == 0 {
			step = -step
		}
		clock.Advance(step)

		key := fmt.Sprintf("k%d", rng.Intn(3))
		_, err := l.Allow(ctx, key)
		require.NoError(t, err)

		b, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.GreaterOrEqual(t, b.Tokens, 0.0)
		require.LessOrEqual(t, b.Tokens, 5.0)
	}
}

func TestTokenBucketLimiter_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	l := newMemoryLimiter(t, clock, 60, 0.5)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				res, err := l.Allow(ctx, "shared")
				if err == nil && res.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(60), admitted.Load())
}

func TestTokenBucketLimiter_StoreErrors(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(0)
	l, err := NewTokenBucketLimiter(s, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = l.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}

func TestNewTokenBucketLimiter_InvalidParams(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(0)
	t.Cleanup(func() { _ = s.Close() })

	_, err := NewTokenBucketLimiter(s, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidBucketParams)
	_, err = NewTokenBucketLimiter(s, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidBucketParams)
	_, err = NewTokenBucketLimiter(nil, 1, 1)
	assert.Error(t, err)
}

func TestTake(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)

	tests := []struct {
		name        string
		bucket      store.Bucket
		now         time.Time
		wantTokens  float64
		wantLast    time.Time
		wantAllowed bool
	}{
		{
			name:        "full bucket",
			bucket:      store.Bucket{Tokens: 60, LastRefill: now},
			now:         now,
			wantTokens:  59,
			wantLast:    now,
			wantAllowed: true,
		},
		{
			name:        "refill capped at capacity",
			bucket:      store.Bucket{Tokens: 10, LastRefill: now},
			now:         now.Add(time.Hour),
			wantTokens:  59,
			wantLast:    now.Add(time.Hour),
			wantAllowed: true,
		},
		{
			name:        "partial token rejected",
			bucket:      store.Bucket{Tokens: 0, LastRefill: now},
			now:         now.Add(time.Second),
			wantTokens:  0.5,
			wantLast:    now.Add(time.Second),
			wantAllowed: false,
		},
		{
			name:        "clock regression",
			bucket:      store.Bucket{Tokens: 0.25, LastRefill: now},
			now:         now.Add(-time.Minute),
			wantTokens:  0.25,
			wantLast:    now,
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, allowed := Take(tt.bucket, tt.now, 60, 0.5)
			assert.Equal(t, tt.wantAllowed, allowed)
			assert.InDelta(t, tt.wantTokens, got.Tokens, 1e-9)
			assert.True(t, tt.wantLast.Equal(got.LastRefill))
		})
	}
}

func TestDefaultBucketTTL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 240*time.Second, DefaultBucketTTL(60, 0.5))
	assert.Equal(t, 2*time.Second, DefaultBucketTTL(1, 100))
	assert.Equal(t, 120*time.Second, RefillTime(60, 0.5))
	assert.Equal(t, time.Second, RefillTime(1, 100))
}

func TestTokenBucketLimiter_ShortTTLDoesNotResetDrainedBucket(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	l, err := NewTokenBucketLimiter(store.NewMemoryStore(0), 60, 0.5,
		WithBucketTTL(10*time.Second),
		WithLimiterClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	assert.Equal(t, 120*time.Second, l.bucketTTL)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		res, err := l.Allow(ctx, "198.51.100.4")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	clock.Advance(10 * time.Second)

	admitted := 0
	for i := 0; i < 60; i++ {
		res, err := l.Allow(ctx, "198.51.100.4")
		require.NoError(t, err)
		if res.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted, "ten seconds refill five tokens, not a full bucket")
}

func TestNoopLimiter(t *testing.T) {
	t.Parallel()

	res, err := NewNoopLimiter().Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.RetryAfterSeconds())
}
