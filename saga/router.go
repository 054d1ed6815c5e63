package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/rbaliyan/event-saga/saga"

// Option configures a Router or an Instance.
type Option func(*routerOptions)

type routerOptions struct {
	logger         *slog.Logger
	metrics        *MetricsRecorder
	tracerProvider trace.TracerProvider
	sagas          []Registration
	single         *Registration
	concurrency    int
}

func defaultOptions() *routerOptions {
	return &routerOptions{
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *routerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *routerOptions) {
		o.metrics = recorder
	}
}

// WithTracerProvider sets the tracer provider for saga spans.
// If not set, the global provider is used.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *routerOptions) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}

// WithSagas registers the sagas the router dispatches to.
func WithSagas(regs ...Registration) Option {
	return func(o *routerOptions) {
		o.sagas = append(o.sagas, regs...)
	}
}

// WithSingleSaga binds the router to one saga, which runs for every event
// regardless of its entry types.
func WithSingleSaga(reg Registration) Option {
	return func(o *routerOptions) {
		o.single = &reg
	}
}

// WithConcurrency limits how many sagas run at once for one event.
// Zero or less means no limit.
func WithConcurrency(n int) Option {
	return func(o *routerOptions) {
		o.concurrency = n
	}
}

// Router dispatches events to the sagas they trigger.
//
// For every event, each matching saga is created, resumed from the store,
// configured and run in its own goroutine. Execute waits for all of them, then
// returns their errors joined. A failing saga never cancels the others.
//
// Example:
//
//	router, err := saga.NewRouter(saga.NewMemoryStore(), publisher,
//	    saga.WithSagas(orderSaga, billingSaga),
//	    saga.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := router.Initialize(ctx); err != nil {
//	    return err
//	}
//	return router.Execute(ctx, event)
type Router struct {
	store     StatePersistence
	publisher Publisher
	opts      *routerOptions
	logger    *slog.Logger
	metrics   *MetricsRecorder
	tracer    trace.Tracer

	mu          sync.RWMutex
	registry    map[reflect.Type][]Registration
	initialized bool
}

// NewRouter creates a router persisting state in store and publishing through publisher.
//
// publisher may be nil when no saga publishes; such sagas then fail to
// configure with ErrNoPublisher.
func NewRouter(store StatePersistence, publisher Publisher, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	provider := o.tracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &Router{
		store:     store,
		publisher: publisher,
		opts:      o,
		logger:    o.logger,
		metrics:   o.metrics,
		tracer:    provider.Tracer(tracerName),
	}, nil
}

// Initialize builds the registry of entry event types.
//
// Each registered saga is created and configured once to read its entry
// types; the probe instance is then discarded. Calling Initialize again
// rebuilds the registry from scratch.
func (r *Router) Initialize(ctx context.Context) error {
	if r.opts.single != nil {
		if _, err := r.probe(ctx, *r.opts.single); err != nil {
			return err
		}
		r.mu.Lock()
		r.registry = nil
		r.initialized = true
		r.mu.Unlock()
		r.logger.Info("saga router initialized", "mode", "single", "saga", r.opts.single.Name)
		return nil
	}

	if len(r.opts.sagas) == 0 {
		return fmt.Errorf("%w: no sagas registered", ErrConfiguration)
	}

	registry := make(map[reflect.Type][]Registration)
	seen := make(map[string]bool, len(r.opts.sagas))
	for _, reg := range r.opts.sagas {
		if seen[reg.Name] {
			return fmt.Errorf("%w: saga %s registered twice", ErrConfiguration, reg.Name)
		}
		seen[reg.Name] = true

		entryTypes, err := r.probe(ctx, reg)
		if err != nil {
			return err
		}
		if len(entryTypes) == 0 {
			r.logger.Warn("saga declares no entry event", "saga", reg.Name)
		}
		for _, t := range entryTypes {
			registry[t] = append(registry[t], reg)
		}
	}

	r.mu.Lock()
	r.registry = registry
	r.initialized = true
	r.mu.Unlock()

	r.logger.Info("saga router initialized",
		"event_types", len(registry),
		"sagas", len(r.opts.sagas))
	return nil
}

// probe configures a throwaway instance of reg and returns its entry types.
func (r *Router) probe(ctx context.Context, reg Registration) ([]reflect.Type, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}
	def, err := reg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve saga %s: %w", reg.Name, err)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: saga %s factory returned nil", ErrConfiguration, reg.Name)
	}
	inst := newInstance(reg.Name, def, r.opts)
	if err := inst.Configure(r.publisher); err != nil {
		return nil, err
	}
	return inst.EntryTypes(), nil
}

func (r *Router) ensureInitialized(ctx context.Context) error {
	r.mu.RLock()
	initialized := r.initialized
	r.mu.RUnlock()
	if initialized {
		return nil
	}
	return r.Initialize(ctx)
}

// Sagas returns the names of the sagas e would trigger.
func (r *Router) Sagas(e Event) []string {
	regs := r.match(e)
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.Name
	}
	return names
}

func (r *Router) match(e Event) []Registration {
	if r.opts.single != nil {
		return []Registration{*r.opts.single}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry[reflect.TypeOf(e)]
}

// Execute runs every saga triggered by e and waits for all of them.
//
// Errors of individual sagas are joined; use errors.Is with ErrAborted or
// ErrConfiguration to classify them. Store errors are returned as well.
func (r *Router) Execute(ctx context.Context, e Event) error {
	if isNilEvent(e) {
		return fmt.Errorf("event is nil")
	}
	if err := r.ensureInitialized(ctx); err != nil {
		return err
	}

	start := time.Now()
	eventType := TypeName(e)
	meta := e.Meta()
	if meta.ID == "" {
		meta.ID = newID()
	}

	regs := r.match(e)
	if len(regs) == 0 {
		r.logger.Debug("no saga for event", "event_type", eventType)
		return nil
	}

	errs := make([]error, len(regs))
	var g errgroup.Group
	if r.opts.concurrency > 0 {
		g.SetLimit(r.opts.concurrency)
	}
	for i, reg := range regs {
		g.Go(func() error {
			errs[i] = r.executeSingle(ctx, reg, e)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	r.logger.Info("event executed",
		"event_type", eventType,
		"correlation_id", meta.CorrelationID,
		"sagas", len(regs),
		"elapsed", time.Since(start),
		"failed", err != nil)
	return err
}

// executeSingle resumes, runs and persists one saga for one event.
func (r *Router) executeSingle(ctx context.Context, reg Registration, e Event) (err error) {
	ctx, span := r.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.name", reg.Name),
		attribute.String("event.type", TypeName(e)),
	))
	start := time.Now()
	outcome := StatusFaulted
	r.metrics.RecordSagaStart(ctx, reg.Name)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: saga %s: %v", ErrPanic, reg.Name, p)
			outcome = StatusFaulted
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error("saga failed",
				"saga", reg.Name,
				"event_type", TypeName(e),
				"error", err)
		}
		span.SetAttributes(attribute.String("saga.outcome", string(outcome)))
		r.metrics.RecordSagaEnd(ctx, reg.Name, outcome, time.Since(start))
		span.End()
	}()

	def, err := reg.New(ctx)
	if err != nil {
		return fmt.Errorf("resolve saga %s: %w", reg.Name, err)
	}
	if def == nil {
		return fmt.Errorf("%w: saga %s factory returned nil", ErrConfiguration, reg.Name)
	}

	inst := newInstance(reg.Name, def, r.opts)
	if id := e.Meta().SagaID; id != "" {
		inst.id = id
	}
	span.SetAttributes(attribute.String("saga.id", inst.id))

	if state := inst.State(); state != nil {
		found, err := r.store.Load(ctx, inst.id, state)
		if err != nil {
			return fmt.Errorf("load saga %s state %s: %w", reg.Name, inst.id, err)
		}
		if !found {
			state.Base().SagaID = inst.id
		}
		inst.logger.Debug("saga state resolved",
			"saga_id", inst.id,
			"resumed", found)
	}

	if err := inst.Configure(r.publisher); err != nil {
		return err
	}

	outcome, err = inst.Run(ctx, e)
	if err != nil {
		return err
	}
	return r.settle(ctx, inst)
}

// settle saves or completes the state of a finished run.
//
// A CompletedBy step decides when present, but only if the chain reached it.
// Otherwise the state's Completed flag decides. Stateless sagas without a
// CompletedBy step persist nothing.
func (r *Router) settle(ctx context.Context, inst *Instance) error {
	if step, ok := Find[*CompletedByStep](inst.steps); ok {
		if !step.Reached() {
			return nil
		}
		done, err := step.Completed(ctx)
		if err != nil {
			return fmt.Errorf("saga %s completion check: %w", inst.name, err)
		}
		if done {
			return r.complete(ctx, inst)
		}
		return r.save(ctx, inst)
	}

	state := inst.State()
	if state == nil {
		return nil
	}
	if state.Base().Completed {
		return r.complete(ctx, inst)
	}
	return r.save(ctx, inst)
}

func (r *Router) complete(ctx context.Context, inst *Instance) error {
	if state := inst.State(); state != nil {
		state.Base().Completed = true
	}
	if err := r.store.Complete(ctx, inst.id); err != nil {
		return fmt.Errorf("complete saga %s %s: %w", inst.name, inst.id, err)
	}
	r.metrics.RecordPersistence(ctx, inst.name, "complete")
	inst.logger.Info("saga completed", "saga_id", inst.id)
	return nil
}

func (r *Router) save(ctx context.Context, inst *Instance) error {
	state := inst.State()
	if state == nil {
		return nil
	}
	if err := r.store.Save(ctx, inst.id, state); err != nil {
		return fmt.Errorf("save saga %s %s: %w", inst.name, inst.id, err)
	}
	r.metrics.RecordPersistence(ctx, inst.name, "save")
	inst.logger.Debug("saga state saved", "saga_id", inst.id)
	return nil
}
