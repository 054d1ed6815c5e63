package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	streamFieldType    = "type"
	streamFieldPayload = "payload"
	streamFieldHeaders = "headers"
)

// RedisStreamConfig configures the Redis Streams publisher and consumer.
type RedisStreamConfig struct {
	Stream       string
	Group        string        // Consumer group
	Consumer     string        // Consumer name within the group
	MaxLen       int64         // Approximate stream cap; 0 keeps everything
	BatchSize    int64         // Entries per XREADGROUP
	BlockTimeout time.Duration // XREADGROUP block time
	Backoff      backoff.Strategy
}

// Validate checks the configuration.
func (c RedisStreamConfig) Validate() error {
	if c.Stream == "" {
		return errors.New("redis stream: stream cannot be empty")
	}
	if c.Group == "" {
		return errors.New("redis stream: group cannot be empty")
	}
	if c.Consumer == "" {
		return errors.New("redis stream: consumer cannot be empty")
	}
	if c.BatchSize < 0 || c.MaxLen < 0 {
		return errors.New("redis stream: batch size and max length must not be negative")
	}
	return nil
}

// DefaultRedisStreamConfig returns the default configuration.
func DefaultRedisStreamConfig() RedisStreamConfig {
	return RedisStreamConfig{
		Stream:       "sagas",
		Group:        "sagad",
		Consumer:     "sagad-1",
		MaxLen:       10000,
		BatchSize:    10,
		BlockTimeout: 5 * time.Second,
		Backoff: &backoff.Exponential{
			Initial:    100 * time.Millisecond,
			Multiplier: 2.0,
			Max:        10 * time.Second,
			Jitter:     0.1,
		},
	}
}

func toStreamValues(env *Envelope) (map[string]any, error) {
	values := map[string]any{
		streamFieldType:    env.Type,
		streamFieldPayload: string(env.Payload),
	}
	if len(env.Headers) > 0 {
		headers, err := json.Marshal(env.Headers)
		if err != nil {
			return nil, err
		}
		values[streamFieldHeaders] = string(headers)
	}
	return values, nil
}

func fromStreamValues(values map[string]any) (*Envelope, error) {
	env := &Envelope{}
	env.Type, _ = values[streamFieldType].(string)
	payload, _ := values[streamFieldPayload].(string)
	env.Payload = json.RawMessage(payload)
	if headers, ok := values[streamFieldHeaders].(string); ok && headers != "" {
		if err := json.Unmarshal([]byte(headers), &env.Headers); err != nil {
			return nil, fmt.Errorf("invalid headers field: %w", err)
		}
	}
	if env.Type == "" {
		return nil, errors.New("missing type field")
	}
	return env, nil
}

// RedisStreamPublisher appends envelopes to a stream with XADD.
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher for cfg.Stream.
func NewRedisStreamPublisher(client redis.Cmdable, cfg RedisStreamConfig) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}
}

// Send appends env to the stream.
func (p *RedisStreamPublisher) Send(ctx context.Context, env *Envelope) error {
	values, err := toStreamValues(env)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// RedisStreamConsumer reads a stream through a consumer group.
//
// Entries are XACKed only when the handler succeeds. Entries left pending by
// a previous run of the same consumer are replayed before new ones.
type RedisStreamConsumer struct {
	client redis.Cmdable
	cfg    RedisStreamConfig
	logger *slog.Logger
}

// NewRedisStreamConsumer creates a consumer. Zero fields of cfg fall back to
// DefaultRedisStreamConfig.
func NewRedisStreamConsumer(client redis.Cmdable, cfg RedisStreamConfig) *RedisStreamConsumer {
	def := DefaultRedisStreamConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	return &RedisStreamConsumer{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (c *RedisStreamConsumer) WithLogger(logger *slog.Logger) *RedisStreamConsumer {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (c *RedisStreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Consume reads entries until ctx is done.
func (c *RedisStreamConsumer) Consume(ctx context.Context, handler Handler) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid redis stream config: %w", err)
	}
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	// An explicit id replays this consumer's pending entries after it; ">" reads new ones.
	cursor := "0"
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, cursor},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			streams, err = nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := c.cfg.Backoff.NextDelay(failures)
			failures++
			c.logger.Warn("stream read failed",
				"stream", c.cfg.Stream,
				"attempt", failures,
				"backoff_delay", delay,
				"error", err)
			if !sleepContext(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		failures = 0

		last := ""
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				c.process(ctx, handler, msg)
			}
		}
		if cursor != ">" {
			// Walk the pending list once, then switch to new entries.
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

// process hands one entry to the handler and acks it on success. Malformed
// entries are acked so they do not stay pending forever.
func (c *RedisStreamConsumer) process(ctx context.Context, handler Handler, msg redis.XMessage) {
	env, err := fromStreamValues(msg.Values)
	if err != nil {
		c.logger.Warn("dropping malformed stream entry",
			"stream", c.cfg.Stream,
			"entry_id", msg.ID,
			"error", err)
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, env); err != nil {
		c.logger.Warn("stream entry left pending",
			"stream", c.cfg.Stream,
			"entry_id", msg.ID,
			"type", env.Type,
			"error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *RedisStreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("stream ack failed",
			"stream", c.cfg.Stream,
			"entry_id", id,
			"error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var (
	_ Sender   = (*RedisStreamPublisher)(nil)
	_ Consumer = (*RedisStreamConsumer)(nil)
)
