package demo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event-saga/saga"
)

// Saga names.
const (
	FulfilmentSaga = "fulfilment"
	SimulatorSaga  = "simulator"
)

// Simulator answers payment requests and shipping commands the way the
// payment and warehouse services would. Payments above Limit are declined.
type Simulator struct {
	Limit float64
}

func (s *Simulator) Configure(b *saga.Builder) error {
	saga.On(b, func(f *saga.Flow[*RequestPayment]) {
		f.EnsureFunc(func(_ context.Context, e *RequestPayment) (bool, error) {
			return e.Amount <= s.Limit, nil
		}, func(p *saga.Promise[*RequestPayment]) {
			p.OnSuccess(func(f *saga.Flow[*RequestPayment]) {
				f.Publish(func(e *RequestPayment) saga.Event {
					return &PaymentReceived{Metadata: reply(e), OrderID: e.OrderID, Amount: e.Amount}
				})
			})
			p.OnFailure(func(f *saga.Flow[*RequestPayment]) {
				f.Publish(func(e *RequestPayment) saga.Event {
					return &PaymentDeclined{
						Metadata: reply(e),
						OrderID:  e.OrderID,
						Reason:   fmt.Sprintf("amount %.2f exceeds limit %.2f", e.Amount, s.Limit),
					}
				})
			})
		})
	})

	saga.On(b, func(f *saga.Flow[*ShipOrder]) {
		f.Publish(func(e *ShipOrder) saga.Event {
			return &OrderShipped{Metadata: reply(e), OrderID: e.OrderID}
		})
	})
	return nil
}

// reply addresses a response to the saga that sent e.
func reply(e saga.Event) saga.Metadata {
	return saga.Metadata{SagaID: e.Meta().SagaID}
}

// Sagas returns the registrations of the demo saga set.
func Sagas(inventory Inventory, paymentLimit float64, logger *slog.Logger) []saga.Registration {
	return []saga.Registration{
		saga.Register(FulfilmentSaga, func(context.Context) (saga.Definition, error) {
			return NewFulfilment(inventory, logger), nil
		}),
		saga.Register(SimulatorSaga, func(context.Context) (saga.Definition, error) {
			return &Simulator{Limit: paymentLimit}, nil
		}),
	}
}

// Seed publishes n sample orders. Every third order exceeds the payment limit.
func Seed(ctx context.Context, pub saga.Publisher, n int, paymentLimit float64) error {
	for i := range n {
		amount := 20.0 + float64(i)
		if i%3 == 2 {
			amount = paymentLimit * 2
		}
		order := &OrderPlaced{
			Metadata:   saga.NewMetadata(uuid.NewString()),
			OrderID:    fmt.Sprintf("order-%d-%d", time.Now().Unix(), i),
			CustomerID: fmt.Sprintf("customer-%d", i%5),
			Items:      1 + i%3,
			Amount:     amount,
		}
		if err := pub.Publish(ctx, "", "seed", order); err != nil {
			return fmt.Errorf("seed order %s: %w", order.OrderID, err)
		}
	}
	return nil
}
