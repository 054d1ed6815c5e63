package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/event-saga/ratelimit"
	"github.com/rbaliyan/event-saga/saga"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Executor runs an inbound event. *saga.Router implements it.
type Executor interface {
	Execute(ctx context.Context, e saga.Event) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets a custom logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLimiter throttles inbound events. Handle waits for the limiter before
// executing each event.
func WithLimiter(limiter ratelimit.Limiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// Dispatcher decodes inbound envelopes and hands them to an Executor.
//
// Messages whose type is not registered, or whose payload cannot be decoded,
// are logged and acknowledged: redelivering them cannot succeed. Every other
// failure is returned so the consumer leaves the message unacknowledged.
type Dispatcher struct {
	codec   *Codec
	exec    Executor
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(codec *Codec, exec Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		codec:  codec,
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes env and executes the event. It has the Handler signature.
func (d *Dispatcher) Handle(ctx context.Context, env *Envelope) error {
	e, err := d.codec.Decode(env)
	if err != nil {
		d.logger.Warn("dropping undecodable message",
			"type", env.Type,
			"message_id", env.Header(HeaderMessageID),
			"error", err)
		return nil
	}

	meta := e.Meta()
	if meta.CorrelationID == "" {
		meta.CorrelationID = env.Header(HeaderCorrelationID)
	}
	if meta.ID == "" {
		meta.ID = env.Header(HeaderMessageID)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("throttle %s: %w", env.Type, err)
		}
	}

	if err := d.exec.Execute(ctx, e); err != nil {
		level := slog.LevelError
		if errors.Is(err, saga.ErrAborted) {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "message not acknowledged",
			"type", env.Type,
			"message_id", meta.ID,
			"correlation_id", meta.CorrelationID,
			"origin_saga", env.Header(HeaderOriginSaga),
			"error", err)
		return err
	}
	return nil
}
