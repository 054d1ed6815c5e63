package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rbaliyan/event-saga/saga"
)

// ErrUnknownType is returned when a message type is not registered with the Codec.
var ErrUnknownType = errors.New("transport: unknown message type")

// Codec maps saga event types to wire names and back.
//
// Payloads are JSON. The registry is explicit: only registered types can be
// encoded or decoded.
type Codec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds the event type T (a pointer to a struct) to a wire name.
//
// Registering the same pair twice is a no-op; reusing a name or a type for a
// different binding is an error.
func Register[T saga.Event](c *Codec, name string) error {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("transport: register %v: event type must be a pointer to a struct", t)
	}
	if name == "" {
		return fmt.Errorf("transport: register %v: empty name", t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byName[name]; ok && existing != t {
		return fmt.Errorf("transport: name %q already bound to %v", name, existing)
	}
	if existing, ok := c.byType[t]; ok && existing != name {
		return fmt.Errorf("transport: type %v already bound to %q", t, existing)
	}
	c.byName[name] = t
	c.byType[t] = name
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T saga.Event](c *Codec, name string) {
	if err := Register[T](c, name); err != nil {
		panic(err)
	}
}

// Name returns the wire name registered for the runtime type of e.
func (c *Codec) Name(e saga.Event) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byType[reflect.TypeOf(e)]
	return name, ok
}

// Names returns every registered wire name.
func (c *Codec) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}

// Encode serializes e into an Envelope carrying its id and correlation headers.
func (c *Codec) Encode(e saga.Event) (*Envelope, error) {
	if e == nil {
		return nil, errors.New("transport: encode nil event")
	}
	name, ok := c.Name(e)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, saga.TypeName(e))
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", name, err)
	}

	env := &Envelope{Type: name, Payload: payload}
	meta := e.Meta()
	if meta.ID != "" {
		env.SetHeader(HeaderMessageID, meta.ID)
	}
	if meta.CorrelationID != "" {
		env.SetHeader(HeaderCorrelationID, meta.CorrelationID)
	}
	return env, nil
}

// Decode deserializes env into a fresh value of its registered type.
func (c *Codec) Decode(env *Envelope) (saga.Event, error) {
	if env == nil {
		return nil, errors.New("transport: decode nil envelope")
	}

	c.mu.RLock()
	t, ok := c.byName[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	e := reflect.New(t.Elem()).Interface().(saga.Event)
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("transport: decode %s: %w", env.Type, err)
	}
	return e, nil
}
