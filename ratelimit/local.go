package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// TokenBucket is an in-process limiter backed by golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket admits perSecond events per second with bursts up to burst.
// A non-positive perSecond admits everything.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(limit, burst)}
}

// Allow reports whether a token is available now.
func (t *TokenBucket) Allow(_ context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrLimitExceeded, err)
	}
	return nil
}

// Tokens returns the number of tokens currently available.
func (t *TokenBucket) Tokens() float64 {
	return t.limiter.Tokens()
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

var _ Limiter = (*TokenBucket)(nil)
