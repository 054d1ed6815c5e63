package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *Envelope {
	env := &Envelope{Type: "orders.placed", Payload: json.RawMessage(`{"order_id":"1"}`)}
	env.SetHeader(HeaderMessageID, "m-1")
	env.SetHeader(HeaderCorrelationID, "corr-1")
	env.SetHeader(HeaderOriginSaga, "fulfilment")
	return env
}

func TestNATSConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultNATSConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*NATSConfig)
	}{
		{"empty URL", func(c *NATSConfig) { c.URL = "" }},
		{"bad scheme", func(c *NATSConfig) { c.URL = "http://localhost:4222" }},
		{"empty subject", func(c *NATSConfig) { c.Subject = "" }},
		{"wildcard subject", func(c *NATSConfig) { c.Subject = "sagas.>" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNATSConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNATSMessageConversion(t *testing.T) {
	env := sampleEnvelope()

	msg := toNATSMsg("sagas", env)
	assert.Equal(t, "sagas.orders.placed", msg.Subject)
	assert.Equal(t, "orders.placed", msg.Header.Get(HeaderType))
	assert.Equal(t, "corr-1", msg.Header.Get(HeaderCorrelationID))

	back := fromNATSMsg(msg)
	assert.Equal(t, env, back)
}

func TestNATSRequiresValidConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Subject = ""

	_, err := ConnectNATS(cfg)
	assert.Error(t, err)
	_, err = NewNATSPublisher(&nats.Conn{}, cfg)
	assert.Error(t, err)
	_, err = NewNATSSubscriber(&nats.Conn{}, cfg)
	assert.Error(t, err)
}

func TestKafkaConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultKafkaConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*KafkaConfig)
	}{
		{"no brokers", func(c *KafkaConfig) { c.Brokers = nil }},
		{"no topic", func(c *KafkaConfig) { c.Topic = "" }},
		{"no group", func(c *KafkaConfig) { c.GroupID = "" }},
		{"bad acks", func(c *KafkaConfig) { c.RequiredAcks = 2 }},
		{"min above max", func(c *KafkaConfig) { c.MinBytes, c.MaxBytes = 10, 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultKafkaConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKafkaMessageConversion(t *testing.T) {
	env := sampleEnvelope()

	msg := toKafkaMessage(env)
	assert.Equal(t, []byte("corr-1"), msg.Key, "messages are keyed by correlation id")
	assert.Equal(t, []byte(env.Payload), msg.Value)
	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, kafka.Header{Key: HeaderType, Value: []byte("orders.placed")}, msg.Headers[0])

	back := fromKafkaMessage(msg)
	assert.Equal(t, env, back)
}

func TestKafkaConsumerHandleRetries(t *testing.T) {
	consumer := &KafkaConsumer{
		topic:       "sagas",
		maxAttempts: 3,
		backoff:     fastBackoff(),
		logger:      slog.Default(),
	}

	ctx := context.Background()
	env := sampleEnvelope()

	calls := 0
	ok := consumer.handle(ctx, func(context.Context, *Envelope) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, env, kafka.Message{})
	assert.True(t, ok)
	assert.Equal(t, 2, calls)

	calls = 0
	ok = consumer.handle(ctx, func(context.Context, *Envelope) error {
		calls++
		return errors.New("permanent")
	}, env, kafka.Message{})
	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

func TestMemoryBus(t *testing.T) {
	t.Run("delivers in order and counts failures", func(t *testing.T) {
		bus := NewMemoryBus(4)
		ctx := context.Background()
		for _, typ := range []string{"a", "b", "c"} {
			require.NoError(t, bus.Send(ctx, &Envelope{Type: typ}))
		}
		require.NoError(t, bus.Close())

		var got []string
		err := bus.Consume(ctx, func(_ context.Context, env *Envelope) error {
			got = append(got, env.Type)
			if env.Type == "b" {
				return errors.New("rejected")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, got)
		assert.Equal(t, 1, bus.Failed())
		assert.Len(t, bus.Sent(), 3)
	})

	t.Run("Send after Close fails", func(t *testing.T) {
		bus := NewMemoryBus(1)
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())
		assert.ErrorIs(t, bus.Send(context.Background(), &Envelope{}), ErrBusClosed)
	})

	t.Run("Send honours the context when full", func(t *testing.T) {
		bus := NewMemoryBus(1)
		require.NoError(t, bus.Send(context.Background(), &Envelope{}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, bus.Send(ctx, &Envelope{}), context.DeadlineExceeded)
	})

	t.Run("stored copies are isolated", func(t *testing.T) {
		bus := NewMemoryBus(1)
		env := &Envelope{Type: "orders.placed"}
		require.NoError(t, bus.Send(context.Background(), env))
		env.Type = "mutated"
		assert.Equal(t, "orders.placed", bus.Sent()[0].Type)
	})
}
