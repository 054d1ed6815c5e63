// Package transport moves saga messages across process boundaries.
//
// Outbound, a Publisher encodes a saga.Event into an Envelope, stamps the
// origin headers and hands it to a Sender (NATS, Redis Streams, Kafka or the
// in-process MemoryBus). Inbound, a Consumer reads envelopes and passes them
// to a Dispatcher, which decodes them and calls saga.Router.Execute. A
// message is acknowledged only when the dispatcher returns nil.
//
// Event types are resolved through an explicit registry:
//
//	codec := transport.NewCodec()
//	transport.Register[*OrderPlaced](codec, "orders.placed")
//	transport.Register[*PaymentReceived](codec, "orders.payment_received")
//
//	pub := transport.NewPublisher(codec, transport.NewRedisStreamPublisher(client, cfg))
//	router, _ := saga.NewRouter(store, pub, saga.WithSagas(...))
//
//	consumer := transport.NewRedisStreamConsumer(client, cfg)
//	err := consumer.Consume(ctx, transport.NewDispatcher(codec, router).Handle)
package transport

import (
	"context"
	"encoding/json"
	"maps"
)

// Header keys stamped on every outbound message.
const (
	HeaderType          = "saga_type"
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderOriginSagaID  = "origin_saga_id"
	HeaderOriginSaga    = "origin_saga"
)

// Envelope is the transport-neutral form of a saga message.
type Envelope struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// Header returns the value of a header, or "" when unset.
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map if needed.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Type:    e.Type,
		Headers: maps.Clone(e.Headers),
		Payload: append(json.RawMessage(nil), e.Payload...),
	}
}

// Sender delivers encoded envelopes to a broker.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, env *Envelope) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Handler processes one inbound envelope. Returning nil acknowledges it.
type Handler func(ctx context.Context, env *Envelope) error

// Consumer reads envelopes from a broker and hands them to a Handler.
// Consume blocks until ctx is cancelled or the subscription fails.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
