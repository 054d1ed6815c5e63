// Package ratelimit throttles inbound saga events.
//
// Two limiters are provided: TokenBucket, which is local to the process, and
// RedisLimiter, a fixed-window counter shared by every process using the same
// key. Both can be wrapped by MetricsLimiter to export OpenTelemetry metrics.
//
//	limiter := ratelimit.NewMetricsLimiter(
//	    ratelimit.NewRedisLimiter(client, "sagad:inbound", 500, time.Second),
//	    "inbound", metrics)
//	dispatcher := transport.NewDispatcher(codec, router, transport.WithLimiter(limiter))
package ratelimit

import (
	"context"
	"errors"
)

// ErrLimitExceeded is returned when a limiter cannot admit an event before
// the caller's deadline.
var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

// Limiter admits events at a bounded rate.
type Limiter interface {
	// Allow reports whether an event may happen now, consuming capacity if so.
	Allow(ctx context.Context) bool
	// Wait blocks until an event is admitted or ctx is done.
	Wait(ctx context.Context) error
}
