package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/event-saga/saga"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher implements saga.Publisher on top of a Sender.
//
// Every message is stamped with its id, correlation id and the id and name
// of the saga that produced it. The active trace context is injected into
// the headers so the consuming side can continue the trace.
type Publisher struct {
	codec  *Codec
	sender Sender
	logger *slog.Logger
}

// NewPublisher creates a Publisher that encodes with codec and delivers through sender.
func NewPublisher(codec *Codec, sender Sender) *Publisher {
	return &Publisher{
		codec:  codec,
		sender: sender,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (p *Publisher) WithLogger(logger *slog.Logger) *Publisher {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Publish encodes msg and hands it to the sender.
func (p *Publisher) Publish(ctx context.Context, sagaID, sagaName string, msg saga.Event) error {
	if p.sender == nil {
		return errors.New("transport: publisher has no sender")
	}

	env, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}
	if sagaID != "" {
		env.SetHeader(HeaderOriginSagaID, sagaID)
	}
	if sagaName != "" {
		env.SetHeader(HeaderOriginSaga, sagaName)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))

	if err := p.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}

	p.logger.Debug("message published",
		"type", env.Type,
		"message_id", env.Header(HeaderMessageID),
		"saga_id", sagaID,
		"saga", sagaName)
	return nil
}

var _ saga.Publisher = (*Publisher)(nil)
