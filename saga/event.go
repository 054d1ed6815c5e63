package saga

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// Event is a message consumed by the router and by steps.
//
// Concrete events embed Metadata and are passed by pointer:
//
//	type OrderPlaced struct {
//	    saga.Metadata
//	    OrderID string `json:"order_id"`
//	}
//
//	router.Execute(ctx, &OrderPlaced{Metadata: saga.NewMetadata(corrID), OrderID: "42"})
//
// The runtime type of the event (here *OrderPlaced) selects the sagas to run.
type Event interface {
	Meta() *Metadata
}

// Metadata carries the identifiers shared by every saga message.
type Metadata struct {
	ID            string `json:"id"`                       // Unique per message
	CorrelationID string `json:"correlation_id,omitempty"` // Groups messages of one business flow
	SagaID        string `json:"saga_id,omitempty"`        // Target saga instance (empty for a fresh flow)
}

// Meta returns m, which makes any struct embedding Metadata an Event.
func (m *Metadata) Meta() *Metadata {
	return m
}

// NewMetadata returns Metadata with a fresh message ID.
func NewMetadata(correlationID string) Metadata {
	return Metadata{
		ID:            newID(),
		CorrelationID: correlationID,
	}
}

// Publisher hands outbound messages to a transport.
//
// sagaID and sagaName identify the originating saga instance so the transport
// can stamp origin headers. Publish returns once the message is accepted for
// delivery.
type Publisher interface {
	Publish(ctx context.Context, sagaID, sagaName string, msg Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, sagaID, sagaName string, msg Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, sagaID, sagaName string, msg Event) error {
	return f(ctx, sagaID, sagaName, msg)
}

// TypeName returns the routing name of an event's runtime type, e.g. "saga.OrderPlaced".
func TypeName(e Event) string {
	if e == nil {
		return "<nil>"
	}
	return typeName(reflect.TypeOf(e))
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// isNilEvent reports whether e is nil or a typed nil pointer.
func isNilEvent(e Event) bool {
	return isNil(e)
}

func newID() string {
	return uuid.NewString()
}
