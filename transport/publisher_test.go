package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event/v3/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender records every envelope it is given.
type captureSender struct {
	mu   sync.Mutex
	envs []*Envelope
	err  error
}

func (c *captureSender) Send(_ context.Context, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env.Clone())
	return nil
}

func (c *captureSender) sent() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Envelope(nil), c.envs...)
}

func fastBackoff() backoff.Strategy {
	return &backoff.Exponential{
		Initial:    time.Millisecond,
		Multiplier: 1.0,
		Max:        time.Millisecond,
	}
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)

	t.Run("stamps origin headers", func(t *testing.T) {
		sender := &captureSender{}
		pub := NewPublisher(codec, sender)

		msg := &orderShipped{Metadata: saga.NewMetadata("corr-9"), OrderID: "9"}
		require.NoError(t, pub.Publish(ctx, "saga-1", "fulfilment", msg))

		sent := sender.sent()
		require.Len(t, sent, 1)
		env := sent[0]
		assert.Equal(t, "orders.shipped", env.Type)
		assert.Equal(t, "saga-1", env.Header(HeaderOriginSagaID))
		assert.Equal(t, "fulfilment", env.Header(HeaderOriginSaga))
		assert.Equal(t, "corr-9", env.Header(HeaderCorrelationID))
		assert.Equal(t, msg.ID, env.Header(HeaderMessageID))
	})

	t.Run("unregistered type fails before sending", func(t *testing.T) {
		sender := &captureSender{}
		type refund struct{ saga.Metadata }
		err := NewPublisher(codec, sender).Publish(ctx, "s", "n", &refund{})
		assert.ErrorIs(t, err, ErrUnknownType)
		assert.Empty(t, sender.sent())
	})

	t.Run("sender errors are wrapped", func(t *testing.T) {
		boom := errors.New("broker down")
		err := NewPublisher(codec, &captureSender{err: boom}).Publish(ctx, "s", "n", &orderPlaced{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing sender", func(t *testing.T) {
		assert.Error(t, NewPublisher(codec, nil).Publish(ctx, "s", "n", &orderPlaced{}))
	})
}

func TestRetryPublisher(t *testing.T) {
	ctx := context.Background()
	env := &Envelope{Type: "orders.placed"}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		flaky := SenderFunc(func(context.Context, *Envelope) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, NewRetryPublisher(flaky, fastBackoff(), 5).Send(ctx, env))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		boom := errors.New("permanent")
		failing := SenderFunc(func(context.Context, *Envelope) error {
			calls.Add(1)
			return boom
		})

		err := NewRetryPublisher(failing, fastBackoff(), 3).Send(ctx, env)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		failing := SenderFunc(func(context.Context, *Envelope) error { return errors.New("down") })
		slow := &backoff.Exponential{Initial: time.Hour, Multiplier: 1, Max: time.Hour}

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := NewRetryPublisher(failing, slow, 3).Send(cctx, env)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("at least one attempt", func(t *testing.T) {
		var calls atomic.Int32
		ok := SenderFunc(func(context.Context, *Envelope) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, NewRetryPublisher(ok, nil, 0).Send(ctx, env))
		assert.Equal(t, int32(1), calls.Load())
	})
}
