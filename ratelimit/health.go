package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// degraded reports whether remaining capacity is below 10% of limit.
func degraded(remaining, limit float64) bool {
	return remaining < max(limit/10, 1)
}

// Health checks Redis connectivity and the capacity left in the current window.
//
// Returns health.StatusDegraded when less than 10% of the window is left and
// health.StatusUnhealthy when Redis does not answer.
func (r *RedisLimiter) Health(ctx context.Context) *health.Result {
	start := time.Now()

	remaining, err := r.Remaining(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis connectivity failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	status := health.StatusHealthy
	message := ""
	if degraded(float64(remaining), float64(r.limit)) {
		status = health.StatusDegraded
		message = fmt.Sprintf("low capacity: %d/%d remaining", remaining, r.limit)
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"remaining": remaining,
			"limit":     r.limit,
			"window":    r.window.String(),
			"key":       r.key,
		},
	}
}

// Health reports the tokens left in the bucket. A local bucket is never unhealthy.
func (t *TokenBucket) Health(_ context.Context) *health.Result {
	start := time.Now()
	tokens := t.Tokens()

	status := health.StatusHealthy
	message := ""
	if degraded(tokens, float64(t.Burst())) {
		status = health.StatusDegraded
		message = fmt.Sprintf("low capacity: %.0f/%d tokens", tokens, t.Burst())
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"tokens": tokens,
			"burst":  t.Burst(),
		},
	}
}

var (
	_ health.Checker = (*RedisLimiter)(nil)
	_ health.Checker = (*TokenBucket)(nil)
)
