package transport

import (
	"encoding/json"
	"testing"

	"github.com/rbaliyan/event-saga/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	saga.Metadata
	OrderID string `json:"order_id"`
}

type orderShipped struct {
	saga.Metadata
	OrderID string `json:"order_id"`
}

type notAPointer struct{ saga.Metadata }

func (notAPointer) Meta() *saga.Metadata { return &saga.Metadata{} }

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec := NewCodec()
	require.NoError(t, Register[*orderPlaced](codec, "orders.placed"))
	require.NoError(t, Register[*orderShipped](codec, "orders.shipped"))
	return codec
}

func TestRegister(t *testing.T) {
	t.Run("same binding twice is a no-op", func(t *testing.T) {
		codec := newTestCodec(t)
		assert.NoError(t, Register[*orderPlaced](codec, "orders.placed"))
		assert.Len(t, codec.Names(), 2)
	})

	t.Run("name conflict", func(t *testing.T) {
		codec := newTestCodec(t)
		assert.Error(t, Register[*orderShipped](codec, "orders.placed"))
	})

	t.Run("type conflict", func(t *testing.T) {
		codec := newTestCodec(t)
		assert.Error(t, Register[*orderPlaced](codec, "orders.created"))
	})

	t.Run("non-pointer type", func(t *testing.T) {
		assert.Error(t, Register[notAPointer](NewCodec(), "bad"))
	})

	t.Run("empty name", func(t *testing.T) {
		assert.Error(t, Register[*orderPlaced](NewCodec(), ""))
	})

	t.Run("MustRegister panics on conflict", func(t *testing.T) {
		codec := newTestCodec(t)
		assert.Panics(t, func() { MustRegister[*orderShipped](codec, "orders.placed") })
	})
}

func TestCodec(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("Encode stamps id and correlation headers", func(t *testing.T) {
		e := &orderPlaced{Metadata: saga.NewMetadata("corr-1"), OrderID: "42"}

		env, err := codec.Encode(e)
		require.NoError(t, err)
		assert.Equal(t, "orders.placed", env.Type)
		assert.Equal(t, e.ID, env.Header(HeaderMessageID))
		assert.Equal(t, "corr-1", env.Header(HeaderCorrelationID))

		var payload map[string]any
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, "42", payload["order_id"])
	})

	t.Run("Decode restores the concrete type", func(t *testing.T) {
		env := &Envelope{
			Type:    "orders.shipped",
			Payload: json.RawMessage(`{"id":"m-1","saga_id":"s-1","order_id":"7"}`),
		}

		e, err := codec.Decode(env)
		require.NoError(t, err)
		shipped, ok := e.(*orderShipped)
		require.True(t, ok, "expected *orderShipped, got %T", e)
		assert.Equal(t, "7", shipped.OrderID)
		assert.Equal(t, "s-1", shipped.SagaID)
		assert.Equal(t, "m-1", shipped.ID)
	})

	t.Run("unknown types are rejected both ways", func(t *testing.T) {
		type unknown struct{ saga.Metadata }
		_, err := codec.Encode(&unknown{})
		assert.ErrorIs(t, err, ErrUnknownType)

		_, err = codec.Decode(&Envelope{Type: "orders.refunded", Payload: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("bad payload", func(t *testing.T) {
		_, err := codec.Decode(&Envelope{Type: "orders.placed", Payload: json.RawMessage(`{`)})
		assert.Error(t, err)
	})

	t.Run("nil inputs", func(t *testing.T) {
		_, err := codec.Encode(nil)
		assert.Error(t, err)
		_, err = codec.Decode(nil)
		assert.Error(t, err)
	})
}

func TestEnvelopeClone(t *testing.T) {
	env := &Envelope{Type: "orders.placed", Payload: json.RawMessage(`{}`)}
	env.SetHeader(HeaderCorrelationID, "c")

	cp := env.Clone()
	cp.SetHeader(HeaderCorrelationID, "changed")
	cp.Payload[0] = '['

	assert.Equal(t, "c", env.Header(HeaderCorrelationID))
	assert.Equal(t, "{}", string(env.Payload))
	assert.Nil(t, (*Envelope)(nil).Clone())
	assert.Empty(t, (*Envelope)(nil).Header("x"))
}
