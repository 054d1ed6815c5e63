// Package saga provides saga orchestration for event driven workflows.
//
// A saga is a long-running business workflow that reacts to several events
// arriving at different times. Each saga is declared once as a tree of steps
// and resumed from persisted state whenever one of its events arrives.
//
// # Overview
//
// The package provides:
//   - Step tree: type gates, conditions, publish and execute steps, promises
//     with success and failure branches, completion checks
//   - Builder and Flow for declaring the tree fluently
//   - Instance for running one occurrence of a saga against one event
//   - Router for fanning an event out to every saga it triggers
//   - StatePersistence with memory, file, SQL, Redis and MongoDB backends
//
// # Defining a Saga
//
// A definition declares its steps in Configure. Definitions with durable state
// also implement Stateful:
//
//	type OrderState struct {
//	    saga.BaseState
//	    Paid bool `json:"paid"`
//	}
//
//	type OrderSaga struct {
//	    state    OrderState
//	    payments *PaymentService
//	}
//
//	func (s *OrderSaga) State() saga.State { return &s.state }
//
//	func (s *OrderSaga) Configure(b *saga.Builder) error {
//	    saga.On(b, func(f *saga.Flow[*OrderPlaced]) {
//	        f.EnsureFunc(s.payments.Authorize, func(p *saga.Promise[*OrderPlaced]) {
//	            p.OnSuccess(func(f *saga.Flow[*OrderPlaced]) {
//	                f.Publish(func(e *OrderPlaced) saga.Event { return &ShipOrder{OrderID: e.OrderID} })
//	            })
//	            p.OnFailure(func(f *saga.Flow[*OrderPlaced]) {
//	                f.Publish(func(e *OrderPlaced) saga.Event { return &CancelOrder{OrderID: e.OrderID} })
//	            })
//	        })
//	    })
//	    b.CompletedBy(func(context.Context) (bool, error) { return s.state.Paid, nil })
//	    return nil
//	}
//
// # Routing Events
//
//	router, err := saga.NewRouter(store, publisher,
//	    saga.WithSagas(
//	        saga.Register("order", func(ctx context.Context) (saga.Definition, error) {
//	            return &OrderSaga{payments: payments}, nil
//	        }),
//	    ),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := router.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = router.Execute(ctx, &OrderPlaced{Metadata: saga.NewMetadata(corrID), OrderID: "42"})
//
// The definition is created and configured again for every event, so Configure
// may capture per-event dependencies.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"
)

// Definition declares the step tree of a saga.
//
// Configure is called once per event on a fresh definition. An error returned
// from Configure is a configuration error and fails the run.
type Definition interface {
	Configure(b *Builder) error
}

// Factory creates a definition for one event.
type Factory func(ctx context.Context) (Definition, error)

// Registration binds a saga name to the factory of its definition.
type Registration struct {
	Name string
	New  Factory
}

// Register creates a Registration.
func Register(name string, factory Factory) Registration {
	return Registration{Name: name, New: factory}
}

func (r Registration) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: saga name is required", ErrConfiguration)
	}
	if r.New == nil {
		return fmt.Errorf("%w: saga %s has no factory", ErrConfiguration, r.Name)
	}
	return nil
}

// Status represents the lifecycle of an instance.
//
// State transitions:
//
//	created -> configured -> running -> succeeded
//	                                 \-> halted
//	                                 \-> aborted
//	                                 \-> faulted
type Status string

const (
	// StatusCreated indicates the definition is not configured yet.
	StatusCreated Status = "created"

	// StatusConfigured indicates the step tree is built and attached.
	StatusConfigured Status = "configured"

	// StatusRunning indicates the top-level chain is executing.
	StatusRunning Status = "running"

	// StatusSucceeded indicates every top-level step let the chain continue.
	StatusSucceeded Status = "succeeded"

	// StatusHalted indicates a top-level step stopped the chain.
	StatusHalted Status = "halted"

	// StatusAborted indicates a Throw step aborted the saga.
	StatusAborted Status = "aborted"

	// StatusFaulted indicates an unhandled error escaped the chain.
	StatusFaulted Status = "faulted"
)

// Instance is one occurrence of a saga definition handling one event.
//
// An instance is owned by a single goroutine and is not reused across events;
// only its state outlives it.
type Instance struct {
	id         string
	name       string
	definition Definition
	state      State
	steps      []Step
	entryTypes []reflect.Type
	handlers   []errorHandler
	muted      bool
	configured bool
	status     Status
	path       []Step
	logger     *slog.Logger
	metrics    *MetricsRecorder
}

// NewInstance creates an instance of def with a fresh ID.
// Only WithLogger and WithMetrics apply to instances.
func NewInstance(name string, def Definition, opts ...Option) *Instance {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newInstance(name, def, o)
}

func newInstance(name string, def Definition, o *routerOptions) *Instance {
	s := &Instance{
		id:         newID(),
		name:       name,
		definition: def,
		status:     StatusCreated,
		logger:     o.logger.With("saga", name),
		metrics:    o.metrics,
	}
	if stateful, ok := def.(Stateful); ok {
		if state := stateful.State(); !isNil(state) {
			s.state = state
		}
	}
	return s
}

// ID returns the saga instance ID.
func (s *Instance) ID() string {
	return s.id
}

// Name returns the saga name.
func (s *Instance) Name() string {
	return s.name
}

// Definition returns the definition the instance runs.
func (s *Instance) Definition() Definition {
	return s.definition
}

// State returns the state of a Stateful definition, or nil.
func (s *Instance) State() State {
	return s.state
}

// Muted reports whether unhandled step errors are logged and swallowed.
func (s *Instance) Muted() bool {
	return s.muted
}

// Status returns the lifecycle status.
func (s *Instance) Status() Status {
	return s.status
}

// Steps returns a copy of the root steps.
func (s *Instance) Steps() []Step {
	return slices.Clone(s.steps)
}

// EntryTypes returns the event types that start the saga.
func (s *Instance) EntryTypes() []reflect.Type {
	return slices.Clone(s.entryTypes)
}

// ExecutedPath returns the top-level steps that completed in the last run, in order.
func (s *Instance) ExecutedPath() []Step {
	return slices.Clone(s.path)
}

// Configure builds the step tree and attaches it to the instance.
// Calling Configure on a configured instance is a no-op.
func (s *Instance) Configure(publisher Publisher) error {
	if s.configured {
		return nil
	}

	b := NewBuilder(publisher)
	if err := s.definition.Configure(b); err != nil {
		return fmt.Errorf("%w: saga %s: %w", ErrConfiguration, s.name, err)
	}
	steps := b.Build()
	if err := b.Err(); err != nil {
		return fmt.Errorf("saga %s: %w", s.name, err)
	}

	for _, step := range steps {
		step.bind(s)
	}
	s.steps = steps
	s.entryTypes = b.entryTypes
	s.handlers = b.handlers
	s.muted = b.muted
	s.configured = true
	s.status = StatusConfigured
	return nil
}

// Run executes the top-level chain against e.
//
// A step that stops the chain halts the run without error. A step error is
// passed to the matching OnError handler, or logged when the saga is muted,
// and the chain continues with the next step; otherwise the run faults and
// the error is returned. Configuration errors always fault.
func (s *Instance) Run(ctx context.Context, e Event) (Status, error) {
	if !s.configured {
		s.status = StatusFaulted
		return s.status, fmt.Errorf("saga %s: %w", s.name, ErrNotConfigured)
	}

	s.status = StatusRunning
	s.path = s.path[:0]

	for i, step := range s.steps {
		stepStart := time.Now()
		r, err := step.Execute(ctx, e)
		s.recordStep(ctx, r, err, time.Since(stepStart))

		if err != nil {
			if IsConfigurationError(err) {
				s.status = StatusFaulted
				return s.status, fmt.Errorf("saga %s step %d: %w", s.name, i, err)
			}
			if s.handle(ctx, err) {
				s.logger.Debug("step error handled",
					"saga_id", s.id,
					"step_index", i,
					"error", err)
				continue
			}
			if s.muted {
				s.logger.Log(ctx, LevelCritical, "unhandled step error muted",
					"saga_id", s.id,
					"step_index", i,
					"error", err)
				continue
			}
			s.status = StatusFaulted
			return s.status, fmt.Errorf("saga %s step %d: %w", s.name, i, err)
		}

		if r.Aborted() {
			s.status = StatusAborted
			return s.status, &AbortError{Saga: s.name, SagaID: s.id, Reason: r.Reason()}
		}
		if !r.OK() {
			s.logger.Info("validated false at step",
				"saga_id", s.id,
				"step_index", i)
			s.status = StatusHalted
			return s.status, nil
		}

		s.path = append(s.path, step)
	}

	s.status = StatusSucceeded
	return s.status, nil
}

// handle runs the first handler matching err.
func (s *Instance) handle(ctx context.Context, err error) bool {
	for _, h := range s.handlers {
		if h(ctx, err) {
			return true
		}
	}
	return false
}

func (s *Instance) recordStep(ctx context.Context, r Result, err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	result := r.String()
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStepExecution(ctx, s.name, result, d)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
