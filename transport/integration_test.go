//go:build integration

package transport

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Integration tests require running services.
// Run with: go test -tags=integration ./transport/...
//
// Environment variables:
//   - NATS_URL: NATS server URL (default: nats://localhost:4222)
//   - KAFKA_BROKERS: comma-separated broker list (default: localhost:9092)

func natsConfig(t *testing.T) NATSConfig {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Subject = "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg.ConnectionTimeout = 2 * time.Second
	return cfg
}

func kafkaConfig(t *testing.T) KafkaConfig {
	t.Helper()
	cfg := DefaultKafkaConfig()
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Brokers = strings.Split(brokers, ",")
	}
	cfg.Topic = "test-sagas-" + uuid.NewString()
	cfg.GroupID = "test-" + uuid.NewString()
	cfg.Backoff = fastBackoff()
	return cfg
}

func roundTrip(t *testing.T, sender Sender, consumer Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	received := make(chan *Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(ctx, func(_ context.Context, env *Envelope) error {
			select {
			case received <- env:
			default:
			}
			return nil
		})
	}()

	want := sampleEnvelope()
	for {
		if err := sender.Send(ctx, want); err != nil {
			t.Logf("send failed, retrying: %v", err)
		}
		select {
		case got := <-received:
			require.Equal(t, want.Type, got.Type)
			require.Equal(t, want.Header(HeaderCorrelationID), got.Header(HeaderCorrelationID))
			require.JSONEq(t, string(want.Payload), string(got.Payload))
			cancel()
			<-done
			return
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("message not received")
		}
	}
}

func TestIntegration_NATS(t *testing.T) {
	cfg := natsConfig(t)
	conn, err := ConnectNATS(cfg)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer conn.Close()

	pub, err := NewNATSPublisher(conn, cfg)
	require.NoError(t, err)
	sub, err := NewNATSSubscriber(conn, cfg)
	require.NoError(t, err)

	// Core NATS drops messages published before the subscription exists;
	// roundTrip keeps sending until one arrives.
	roundTrip(t, pub, sub)
}

func TestIntegration_Kafka(t *testing.T) {
	cfg := kafkaConfig(t)
	pub, err := NewKafkaPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pub.Send(probeCtx, sampleEnvelope()); err != nil {
		t.Skipf("Kafka not available: %v", err)
	}

	consumer, err := NewKafkaConsumer(cfg)
	require.NoError(t, err)
	roundTrip(t, pub, consumer)
}
