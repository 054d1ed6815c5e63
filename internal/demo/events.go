// Package demo is an order-fulfilment saga set run by sagad.
//
// The fulfilment saga reserves stock for a placed order, asks for payment,
// ships once paid and completes when the order is shipped or cancelled. The
// simulator saga stands in for the payment and warehouse services so the
// whole flow runs against a single transport.
package demo

import (
	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/transport"
)

type OrderPlaced struct {
	saga.Metadata
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Items      int     `json:"items"`
	Amount     float64 `json:"amount"`
}

type RequestPayment struct {
	saga.Metadata
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

type PaymentReceived struct {
	saga.Metadata
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

type PaymentDeclined struct {
	saga.Metadata
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type ShipOrder struct {
	saga.Metadata
	OrderID string `json:"order_id"`
}

type OrderShipped struct {
	saga.Metadata
	OrderID string `json:"order_id"`
}

type CancelOrder struct {
	saga.Metadata
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// RegisterEvents binds every demo event to its wire name.
func RegisterEvents(codec *transport.Codec) error {
	for _, register := range []func(*transport.Codec) error{
		func(c *transport.Codec) error { return transport.Register[*OrderPlaced](c, "orders.placed") },
		func(c *transport.Codec) error { return transport.Register[*RequestPayment](c, "payments.requested") },
		func(c *transport.Codec) error { return transport.Register[*PaymentReceived](c, "payments.received") },
		func(c *transport.Codec) error { return transport.Register[*PaymentDeclined](c, "payments.declined") },
		func(c *transport.Codec) error { return transport.Register[*ShipOrder](c, "warehouse.ship") },
		func(c *transport.Codec) error { return transport.Register[*OrderShipped](c, "warehouse.shipped") },
		func(c *transport.Codec) error { return transport.Register[*CancelOrder](c, "orders.cancelled") },
	} {
		if err := register(codec); err != nil {
			return err
		}
	}
	return nil
}
