package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- String: saga:state:s:{id} - JSON encoded saga state
- Sorted Set: saga:state:index:by_time - saga IDs scored by last save time

States and indexes live under separate sub-prefixes, so no saga ID can name
an index key.
*/

// RedisStore is a Redis-based state store.
//
// RedisStore keeps each saga state as a JSON string under its own key, so
// any node of a deployment can resume any saga. It supports:
//   - Optional TTL so abandoned sagas expire on their own
//   - A time index for DeleteOlderThan and Count
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := saga.NewRedisStore(rdb).
//	    WithKeyPrefix("myapp:saga:").
//	    WithTTL(7 * 24 * time.Hour)
type RedisStore struct {
	client  redis.Cmdable
	prefix  string
	timeKey string
	ttl     time.Duration // 0 = no expiry
}

// NewRedisStore creates a new Redis state store.
//
// Default configuration:
//   - Key prefix: "saga:state:"
//   - TTL: 0 (no expiry)
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "saga:state:",
		timeKey: "saga:state:index:by_time",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.timeKey = prefix + "index:by_time"
	return s
}

// WithTTL sets how long a saga state lives after its last save.
// Returns the store for method chaining.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "s:" + id
}

// Load decodes the state stored for id into target.
func (s *RedisStore) Load(ctx context.Context, id string, target State) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get: %w", err)
	}

	if err := decodeState(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// Save stores state for id and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, id string, state State) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), data, s.ttl)
		pipe.ZAdd(ctx, s.timeKey, redis.Z{
			Score:  float64(now.Unix()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// Complete deletes the state stored for id.
func (s *RedisStore) Complete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.timeKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// DeleteOlderThan removes sagas not saved for longer than age.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()

	ids, err := s.client.ZRangeByScore(ctx, s.timeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		if err := s.Complete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}

// Count returns the number of indexed sagas.
// Sagas expired by TTL stay indexed until DeleteOlderThan removes them.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.timeKey).Result()
}

// Health performs a health check on the Redis state store.
func (s *RedisStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.Count(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"active_sagas": count,
			"prefix":       s.prefix,
		},
	}
}

// Compile-time checks
var (
	_ StatePersistence = (*RedisStore)(nil)
	_ Pruner           = (*RedisStore)(nil)
	_ health.Checker   = (*RedisStore)(nil)
)
