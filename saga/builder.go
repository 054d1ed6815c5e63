package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// Builder assembles the step tree of a saga definition.
//
// A builder is sealed by Build. Every mutation attempted afterwards fails with
// ErrBuilderSealed: AddStep returns it, the fluent methods record it and Err
// reports the first recorded error.
//
// Example:
//
//	func (s *OrderSaga) Configure(b *saga.Builder) error {
//	    saga.On(b, func(f *saga.Flow[*OrderPlaced]) {
//	        f.Execute(s.reserve).
//	            Publish(func(e *OrderPlaced) saga.Event { return &ReserveStock{OrderID: e.OrderID} })
//	    })
//	    b.CompletedBy(func(context.Context) (bool, error) { return s.state.Shipped, nil })
//	    return nil
//	}
type Builder struct {
	publisher  Publisher
	steps      []Step
	entryTypes []reflect.Type
	handlers   []errorHandler
	muted      bool
	built      bool
	err        error
}

// errorHandler reports whether it matched and handled err.
type errorHandler func(ctx context.Context, err error) bool

// NewBuilder creates a builder whose publish steps hand messages to publisher.
// publisher may be nil for sagas that never publish.
func NewBuilder(publisher Publisher) *Builder {
	return &Builder{publisher: publisher}
}

// AddStep appends a root step.
func (b *Builder) AddStep(s Step) error {
	if b.built {
		return fmt.Errorf("add step %T: %w", s, ErrBuilderSealed)
	}
	if s == nil {
		return fmt.Errorf("%w: nil step", ErrConfiguration)
	}
	b.steps = append(b.steps, s)
	return nil
}

// Build seals the builder and returns its root steps.
// Calling Build again returns the same steps.
func (b *Builder) Build() []Step {
	b.built = true
	return b.steps
}

// IsBuilt reports whether Build has been called.
func (b *Builder) IsBuilt() bool {
	return b.built
}

// Err returns the first error recorded by a fluent method.
func (b *Builder) Err() error {
	return b.err
}

// Steps returns a copy of the root steps.
func (b *Builder) Steps() []Step {
	return slices.Clone(b.steps)
}

// EntryTypes returns the event types declared with On, in declaration order.
func (b *Builder) EntryTypes() []reflect.Type {
	return slices.Clone(b.entryTypes)
}

// Muted reports whether MuteExceptions was called.
func (b *Builder) Muted() bool {
	return b.muted
}

// MuteExceptions makes the saga log and swallow step errors that no OnError
// handler matches instead of failing the run.
func (b *Builder) MuteExceptions() *Builder {
	if b.built {
		b.fail(fmt.Errorf("mute exceptions: %w", ErrBuilderSealed))
		return b
	}
	b.muted = true
	return b
}

// CompletedBy appends the completion check of the saga.
//
// When the top-level chain reaches it, the router evaluates predicate after
// the chain: true completes the saga, false saves its state for the next event.
func (b *Builder) CompletedBy(predicate func(ctx context.Context) (bool, error)) *Builder {
	if predicate == nil {
		b.fail(fmt.Errorf("%w: nil completion predicate", ErrConfiguration))
		return b
	}
	b.add(newCompletedByStep(predicate))
	return b
}

// On starts a root branch that runs only for events of type T and records T
// as an entry type of the saga. T must be the concrete type the transport
// delivers, usually a pointer such as *OrderPlaced.
func On[T Event](b *Builder, build func(f *Flow[T])) *Builder {
	if b.built {
		b.fail(fmt.Errorf("on %s: %w", reflect.TypeFor[T](), ErrBuilderSealed))
		return b
	}
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Interface {
		b.fail(fmt.Errorf("%w: entry type %s must be concrete", ErrConfiguration, t))
		return b
	}
	steps := b.nest(func(sub *Builder) {
		if build != nil {
			build(&Flow[T]{b: sub})
		}
	})
	if !slices.Contains(b.entryTypes, t) {
		b.entryTypes = append(b.entryTypes, t)
	}
	b.add(newOnStep(t, steps))
	return b
}

// OnError registers handler for step errors matching E (by errors.As).
//
// A handled error lets the top-level chain continue with the next step.
// Handlers are tried in registration order and apply whether or not the saga
// mutes exceptions.
func OnError[E error](b *Builder, handler func(ctx context.Context, err E)) *Builder {
	if b.built {
		b.fail(fmt.Errorf("on error %s: %w", reflect.TypeFor[E](), ErrBuilderSealed))
		return b
	}
	b.handlers = append(b.handlers, func(ctx context.Context, err error) bool {
		var target E
		if !errors.As(err, &target) {
			return false
		}
		handler(ctx, target)
		return true
	})
	return b
}

// add appends s, recording ErrBuilderSealed when sealed.
func (b *Builder) add(s Step) {
	if err := b.AddStep(s); err != nil {
		b.fail(err)
	}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// nest runs build against a fresh sub-builder, seals it and returns its steps.
func (b *Builder) nest(build func(sub *Builder)) []Step {
	sub := NewBuilder(b.publisher)
	build(sub)
	steps := sub.Build()
	if sub.err != nil {
		b.fail(sub.err)
	}
	return steps
}
