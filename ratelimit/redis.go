package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter stored in Redis.
//
// Every process that shares the key shares the budget: at most limit events
// are admitted per window. Counters expire with their window.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter admits limit events per window under key.
func NewRedisLimiter(client redis.Cmdable, key string, limit int64, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// windowKey returns the counter key of the current window and the time left in it.
func (r *RedisLimiter) windowKey() (string, time.Duration) {
	now := r.now()
	slot := now.UnixNano() / int64(r.window)
	next := time.Unix(0, (slot+1)*int64(r.window))
	return r.key + ":" + strconv.FormatInt(slot, 10), next.Sub(now)
}

// take increments the window counter and reports whether it stayed within the limit.
func (r *RedisLimiter) take(ctx context.Context) (bool, time.Duration, error) {
	key, left := r.windowKey()

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= r.limit, left, nil
}

// Allow reports whether an event fits in the current window. Redis errors deny the event.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, _, err := r.take(ctx)
	return err == nil && ok
}

// Wait blocks until the event fits in a window.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, left, err := r.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if deadline, has := ctx.Deadline(); has && time.Until(deadline) < left {
			return ErrLimitExceeded
		}

		timer := time.NewTimer(left)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the capacity left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int64, error) {
	key, _ := r.windowKey()
	used, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.limit, nil
		}
		return 0, fmt.Errorf("ratelimit: redis get: %w", err)
	}
	return max(r.limit-used, 0), nil
}

var _ Limiter = (*RedisLimiter)(nil)
