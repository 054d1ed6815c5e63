package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka publisher and consumer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int // -1 all, 0 none, 1 leader
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	MaxAttempts  int // Handler attempts per message before it is skipped
	Backoff      backoff.Strategy
}

// Validate checks the configuration.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group id cannot be empty")
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("kafka: invalid required acks %d", c.RequiredAcks)
	}
	if c.MinBytes > c.MaxBytes {
		return errors.New("kafka: min bytes exceeds max bytes")
	}
	return nil
}

// DefaultKafkaConfig returns a configuration for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "sagas",
		GroupID:      "sagad",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: -1,
		MinBytes:     1,
		MaxBytes:     10e6,
		MaxWait:      500 * time.Millisecond,
		MaxAttempts:  5,
		Backoff: &backoff.Exponential{
			Initial:    200 * time.Millisecond,
			Multiplier: 2.0,
			Max:        10 * time.Second,
			Jitter:     0.1,
		},
	}
}

// toKafkaMessage keys the message by correlation id so one business flow
// stays on one partition.
func toKafkaMessage(env *Envelope) kafka.Message {
	msg := kafka.Message{
		Key:     []byte(env.Header(HeaderCorrelationID)),
		Value:   env.Payload,
		Headers: make([]kafka.Header, 0, len(env.Headers)+1),
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderType, Value: []byte(env.Type)})
	for k, v := range env.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg
}

func fromKafkaMessage(msg kafka.Message) *Envelope {
	env := &Envelope{
		Payload: msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		if h.Key == HeaderType {
			env.Type = string(h.Value)
			continue
		}
		env.Headers[h.Key] = string(h.Value)
	}
	return env
}

// KafkaPublisher writes envelopes to a topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
		},
	}, nil
}

// Send writes env and waits for the broker acknowledgement.
func (p *KafkaPublisher) Send(ctx context.Context, env *Envelope) error {
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(env)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads a topic as part of a consumer group.
//
// Offsets are committed only after the handler succeeds. A failing message
// is retried with backoff; after MaxAttempts it is skipped uncommitted, and
// the next successful commit moves the group past it.
type KafkaConsumer struct {
	reader      *kafka.Reader
	topic       string
	maxAttempts int
	backoff     backoff.Strategy
	logger      *slog.Logger
}

// NewKafkaConsumer creates a group reader for cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	def := DefaultKafkaConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})
	return &KafkaConsumer{
		reader:      reader,
		topic:       cfg.Topic,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      slog.Default(),
	}, nil
}

// WithLogger sets a custom logger.
func (c *KafkaConsumer) WithLogger(logger *slog.Logger) *KafkaConsumer {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Consume fetches messages until ctx is done. The reader is closed on return.
func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("kafka reader close failed", "topic", c.topic, "error", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		env := fromKafkaMessage(msg)
		if !c.handle(ctx, handler, env, msg) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("kafka commit failed",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, handler Handler, env *Envelope, msg kafka.Message) bool {
	var err error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 && !sleepContext(ctx, c.backoff.NextDelay(attempt-1)) {
			return false
		}
		if err = handler(ctx, env); err == nil {
			return true
		}
	}

	c.logger.Error("kafka message skipped",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"type", env.Type,
		"attempts", c.maxAttempts,
		"error", err)
	return false
}

var (
	_ Sender   = (*KafkaPublisher)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
)
