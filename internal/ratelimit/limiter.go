// Package ratelimit decides per-client admission for the gateway.
// Each client key owns a token bucket whose state lives in a store.Store,
// so the same algorithm runs against process memory or a shared Redis.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow checks whether one request for key is admitted and consumes
	// a token when it is.
	Allow(ctx context.Context, key string) (*Result, error)
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the bucket capacity.
	Limit int

	// Remaining is the number of whole tokens left after this check.
	Remaining int

	// RetryAfter is how long until the next token is available. It is
	// zero for admitted requests.
	RetryAfter time.Duration

	// Tokens is the exact bucket level after this check.
	Tokens float64
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds,
// the unit of the Retry-After header.
func (r *Result) RetryAfterSeconds() int {
	if r == nil || r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// NoopLimiter admits every request.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never rejects.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow always admits.
func (l *NoopLimiter) Allow(_ context.Context, _ string) (*Result, error) {
	return &Result{Allowed: true, Limit: math.MaxInt32, Remaining: math.MaxInt32}, nil
}
