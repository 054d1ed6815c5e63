package demo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/rbaliyan/event-saga/saga"
)

// FulfilmentState is the durable state of one order.
type FulfilmentState struct {
	saga.BaseState
	OrderID      string  `json:"order_id"`
	Amount       float64 `json:"amount"`
	Reserved     bool    `json:"reserved"`
	Paid         bool    `json:"paid"`
	Shipped      bool    `json:"shipped"`
	Cancelled    bool    `json:"cancelled"`
	CancelReason string  `json:"cancel_reason,omitempty"`
}

// Inventory reserves stock for orders.
type Inventory interface {
	Reserve(ctx context.Context, orderID string, items int) (bool, error)
}

// PaymentMismatchError reports a payment whose amount differs from the order total.
type PaymentMismatchError struct {
	OrderID  string
	Expected float64
	Received float64
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("order %s: expected payment %.2f, received %.2f", e.OrderID, e.Expected, e.Received)
}

// Fulfilment drives an order from placement to shipment or cancellation.
type Fulfilment struct {
	state     FulfilmentState
	inventory Inventory
	logger    *slog.Logger
}

// NewFulfilment creates a fresh definition.
func NewFulfilment(inventory Inventory, logger *slog.Logger) *Fulfilment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fulfilment{inventory: inventory, logger: logger}
}

func (s *Fulfilment) State() saga.State { return &s.state }

// meta addresses an outbound message to this saga instance so replies find it.
func (s *Fulfilment) meta() saga.Metadata {
	return saga.Metadata{SagaID: s.state.SagaID}
}

func (s *Fulfilment) cancel(reason string) {
	s.state.Cancelled = true
	s.state.CancelReason = reason
}

func (s *Fulfilment) Configure(b *saga.Builder) error {
	// Inventory outages cancel the order instead of failing the event.
	b.MuteExceptions()

	saga.OnError(b, func(ctx context.Context, err *PaymentMismatchError) {
		s.logger.WarnContext(ctx, "payment ignored",
			"saga_id", s.state.SagaID,
			"order_id", err.OrderID,
			"expected", err.Expected,
			"received", err.Received)
	})

	saga.On(b, func(f *saga.Flow[*OrderPlaced]) {
		f.When(func(e *OrderPlaced) bool { return e.Items > 0 && e.Amount > 0 }, func(f *saga.Flow[*OrderPlaced]) {
			f.Execute(func(_ context.Context, e *OrderPlaced) (bool, error) {
				s.state.OrderID = e.OrderID
				s.state.Amount = e.Amount
				return true, nil
			})
			f.EnsureFunc(func(ctx context.Context, e *OrderPlaced) (bool, error) {
				return s.inventory.Reserve(ctx, e.OrderID, e.Items)
			}, func(p *saga.Promise[*OrderPlaced]) {
				p.OnSuccess(func(f *saga.Flow[*OrderPlaced]) {
					f.Execute(func(context.Context, *OrderPlaced) (bool, error) {
						s.state.Reserved = true
						return true, nil
					})
					f.Publish(func(e *OrderPlaced) saga.Event {
						return &RequestPayment{Metadata: s.meta(), OrderID: e.OrderID, Amount: e.Amount}
					})
				})
				p.OnFailure(func(f *saga.Flow[*OrderPlaced]) {
					f.Execute(func(ctx context.Context, _ *OrderPlaced) (bool, error) {
						reason := "out of stock"
						if err := saga.PromiseError(ctx); err != nil {
							reason = err.Error()
						}
						s.cancel(reason)
						return true, nil
					})
					f.Publish(func(e *OrderPlaced) saga.Event {
						return &CancelOrder{Metadata: s.meta(), OrderID: e.OrderID, Reason: s.state.CancelReason}
					})
				})
			})
		})
	})

	saga.On(b, func(f *saga.Flow[*PaymentReceived]) {
		f.EnsureFunc(func(context.Context, *PaymentReceived) (bool, error) {
			return s.state.Reserved && !s.state.Cancelled, nil
		}, func(p *saga.Promise[*PaymentReceived]) {
			p.OnSuccess(func(f *saga.Flow[*PaymentReceived]) {
				f.Execute(func(_ context.Context, e *PaymentReceived) (bool, error) {
					if math.Abs(e.Amount-s.state.Amount) > 0.005 {
						return false, &PaymentMismatchError{OrderID: e.OrderID, Expected: s.state.Amount, Received: e.Amount}
					}
					s.state.Paid = true
					return true, nil
				})
				f.Publish(func(e *PaymentReceived) saga.Event {
					return &ShipOrder{Metadata: s.meta(), OrderID: e.OrderID}
				})
			})
			p.OnFailure(func(f *saga.Flow[*PaymentReceived]) {
				// The order is not known yet; leave the payment for redelivery.
				f.Throw("payment received for an order that is not reserved")
			})
		})
	})

	saga.On(b, func(f *saga.Flow[*PaymentDeclined]) {
		f.Execute(func(_ context.Context, e *PaymentDeclined) (bool, error) {
			s.cancel(e.Reason)
			return true, nil
		})
		f.Publish(func(e *PaymentDeclined) saga.Event {
			return &CancelOrder{Metadata: s.meta(), OrderID: e.OrderID, Reason: e.Reason}
		})
	})

	saga.On(b, func(f *saga.Flow[*OrderShipped]) {
		f.Execute(func(context.Context, *OrderShipped) (bool, error) {
			s.state.Shipped = true
			return true, nil
		})
	})

	b.CompletedBy(func(context.Context) (bool, error) {
		return s.state.Shipped || s.state.Cancelled, nil
	})
	return nil
}

// StockInventory is an in-memory Inventory with a fixed stock.
type StockInventory struct {
	mu       sync.Mutex
	stock    int
	reserved map[string]int
}

// NewStockInventory creates an inventory holding stock items.
func NewStockInventory(stock int) *StockInventory {
	return &StockInventory{stock: stock, reserved: make(map[string]int)}
}

// Reserve takes items from stock once per order.
func (i *StockInventory) Reserve(_ context.Context, orderID string, items int) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.reserved[orderID]; ok {
		return true, nil
	}
	if items > i.stock {
		return false, nil
	}
	i.stock -= items
	i.reserved[orderID] = items
	return true, nil
}

// Stock returns the items left.
func (i *StockInventory) Stock() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock
}
