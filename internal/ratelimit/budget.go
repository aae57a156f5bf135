package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// UpstreamBudget caps the aggregate rate of forwarded requests across all
// clients. A nil budget admits everything.
type UpstreamBudget struct {
	limiter *rate.Limiter
}

// NewUpstreamBudget creates a budget of rps requests per second with the
// given burst. A burst below one is raised to one.
func NewUpstreamBudget(rps float64, burst int) *UpstreamBudget {
	if burst < 1 {
		burst = 1
	}
	return &UpstreamBudget{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one more request fits the budget now.
func (b *UpstreamBudget) Allow() bool {
	if b == nil {
		return true
	}
	return b.limiter.Allow()
}

// AllowAt is Allow evaluated at t.
func (b *UpstreamBudget) AllowAt(t time.Time) bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(t, 1)
}
