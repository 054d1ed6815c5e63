package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, limit int64, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, "test:inbound", limit, window), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("burst then deny", func(t *testing.T) {
		tb := NewTokenBucket(1, 2)
		if !tb.Allow(ctx) || !tb.Allow(ctx) {
			t.Fatal("expected burst of 2")
		}
		if tb.Allow(ctx) {
			t.Error("expected third event to be denied")
		}
	})

	t.Run("non-positive rate admits everything", func(t *testing.T) {
		tb := NewTokenBucket(0, 1)
		for i := 0; i < 100; i++ {
			if !tb.Allow(ctx) {
				t.Fatalf("expected event %d to be admitted", i)
			}
		}
	})

	t.Run("Wait past deadline fails", func(t *testing.T) {
		tb := NewTokenBucket(0.001, 1)
		tb.Allow(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := tb.Wait(waitCtx); err == nil {
			t.Error("expected Wait to fail")
		}
	})

	t.Run("Health degrades when empty", func(t *testing.T) {
		tb := NewTokenBucket(0.001, 1)
		tb.Allow(ctx)
		if got := tb.Health(ctx).Status; got != health.StatusDegraded {
			t.Errorf("expected degraded, got %s", got)
		}
	})
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to limit per window", func(t *testing.T) {
		limiter, _ := newRedisLimiter(t, 3, time.Hour)
		for i := 0; i < 3; i++ {
			if !limiter.Allow(ctx) {
				t.Fatalf("expected event %d to be admitted", i)
			}
		}
		if limiter.Allow(ctx) {
			t.Error("expected fourth event to be denied")
		}

		remaining, err := limiter.Remaining(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if remaining != 0 {
			t.Errorf("expected 0 remaining, got %d", remaining)
		}
	})

	t.Run("new window resets the budget", func(t *testing.T) {
		limiter, _ := newRedisLimiter(t, 1, time.Minute)
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		limiter.now = func() time.Time { return now }

		if !limiter.Allow(ctx) || limiter.Allow(ctx) {
			t.Fatal("expected exactly one admission in the first window")
		}
		now = now.Add(time.Minute)
		if !limiter.Allow(ctx) {
			t.Error("expected admission in the next window")
		}
	})

	t.Run("counters expire with the window", func(t *testing.T) {
		limiter, mr := newRedisLimiter(t, 5, time.Minute)
		limiter.Allow(ctx)
		key, _ := limiter.windowKey()
		if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
			t.Errorf("expected TTL within the window, got %v", ttl)
		}
	})

	t.Run("Wait gives up before an unreachable deadline", func(t *testing.T) {
		limiter, _ := newRedisLimiter(t, 1, time.Hour)
		limiter.Allow(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(waitCtx); !errors.Is(err, ErrLimitExceeded) {
			t.Errorf("expected ErrLimitExceeded, got %v", err)
		}
	})

	t.Run("Health", func(t *testing.T) {
		limiter, _ := newRedisLimiter(t, 10, time.Hour)
		if got := limiter.Health(ctx).Status; got != health.StatusHealthy {
			t.Errorf("expected healthy, got %s", got)
		}
		for i := 0; i < 10; i++ {
			limiter.Allow(ctx)
		}
		if got := limiter.Health(ctx).Status; got != health.StatusDegraded {
			t.Errorf("expected degraded, got %s", got)
		}
	})

	t.Run("Redis down denies and reports unhealthy", func(t *testing.T) {
		down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer down.Close()
		limiter := NewRedisLimiter(down, "test:down", 10, time.Second)

		if limiter.Allow(ctx) {
			t.Error("expected denial when Redis is unreachable")
		}
		if got := limiter.Health(ctx).Status; got != health.StatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", got)
		}
	})
}
