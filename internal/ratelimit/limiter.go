// Package ratelimit paces requests against an exchange's request-weight budget.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spends request weight from a token bucket and honours
// server-imposed back-off windows (HTTP 429/418 with Retry-After).
type RateLimiter struct {
	global  *rate.Limiter
	burst   int
	blocked atomic.Int64 // unix nanos until which all requests wait
	metrics *Metrics
}

// Metrics tracks statistics about rate limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
	consumedWeight  atomic.Int64
	penalties       atomic.Int64
}

// New creates a RateLimiter granting weight units per period.
func New(weight int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(limitFor(weight, period), weight),
		burst:   weight,
		metrics: &Metrics{},
	}
}

func limitFor(weight int, period time.Duration) rate.Limit {
	return rate.Limit(float64(weight) / period.Seconds())
}

// Wait blocks until weight units are available, any penalty window has
// passed, or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, weight int) error {
	r.metrics.totalRequests.Add(1)

	if err := r.waitPenalty(ctx); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}

	weight = min(max(weight, 1), r.burst)
	if err := r.global.WaitN(ctx, weight); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	r.metrics.allowedRequests.Add(1)
	r.metrics.consumedWeight.Add(int64(weight))
	return nil
}

func (r *RateLimiter) waitPenalty(ctx context.Context) error {
	until := r.blocked.Load()
	if until == 0 {
		return nil
	}
	d := time.Until(time.Unix(0, until))
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Allow reports whether weight units can be spent right now without waiting.
func (r *RateLimiter) Allow(weight int) bool {
	r.metrics.totalRequests.Add(1)
	if r.PenaltyRemaining() > 0 {
		r.metrics.deniedRequests.Add(1)
		return false
	}

	weight = min(max(weight, 1), r.burst)
	if !r.global.AllowN(time.Now(), weight) {
		r.metrics.deniedRequests.Add(1)
		return false
	}
	r.metrics.allowedRequests.Add(1)
	r.metrics.consumedWeight.Add(int64(weight))
	return true
}

// Penalize blocks every request for d. Overlapping penalties keep the later deadline.
func (r *RateLimiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	r.metrics.penalties.Add(1)
	until := time.Now().Add(d).UnixNano()
	for {
		cur := r.blocked.Load()
		if cur >= until || r.blocked.CompareAndSwap(cur, until) {
			return
		}
	}
}

// PenaltyRemaining returns how long the current penalty window still lasts.
func (r *RateLimiter) PenaltyRemaining() time.Duration {
	until := r.blocked.Load()
	if until == 0 {
		return 0
	}
	return max(time.Until(time.Unix(0, until)), 0)
}

// SetLimit updates the weight budget.
func (r *RateLimiter) SetLimit(weight int, period time.Duration) {
	r.burst = weight
	r.global.SetLimit(limitFor(weight, period))
	r.global.SetBurst(weight)
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (r *RateLimiter) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   r.metrics.totalRequests.Load(),
		AllowedRequests: r.metrics.allowedRequests.Load(),
		DeniedRequests:  r.metrics.deniedRequests.Load(),
		ConsumedWeight:  r.metrics.consumedWeight.Load(),
		Penalties:       r.metrics.penalties.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	TotalRequests   int64
	AllowedRequests int64
	DeniedRequests  int64
	// ConsumedWeight is the total weight granted so far.
	ConsumedWeight int64
	// Penalties counts server-imposed back-off windows.
	Penalties int64
}
