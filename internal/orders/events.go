package orders

import (
	"fmt"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
)

// Kind is the envelope event type of a saga message.
type Kind string

const (
	KindOrderCreated           Kind = "OrderCreated"
	KindStockReserved          Kind = "StockReserved"
	KindStockReservationFailed Kind = "StockReservationFailed"
	KindStockCompensation      Kind = "StockCompensation"
)

var Kinds = []Kind{KindOrderCreated, KindStockReserved, KindStockReservationFailed, KindStockCompensation}

// Topic returns the routing key a kind travels on.
func (k Kind) Topic() string {
	switch k {
	case KindOrderCreated:
		return TopicOrderCreated
	case KindStockReserved:
		return TopicStockReserved
	case KindStockReservationFailed:
		return TopicStockReservationFailed
	case KindStockCompensation:
		return TopicStockCompensation
	default:
		panic(fmt.Sprintf("orders: unknown event kind %q", string(k)))
	}
}

// Payloads carried in Envelope.Payload, one per Kind.

type OrderCreatedEvent struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type StockReservedEvent struct {
	OrderID string `json:"orderId"`
}

type StockReservationFailedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type StockCompensationEvent struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OutboxRoutes maps outbox record types to topics. StockRestore records are
// delivered as compensation so inventory treats both the same way.
func OutboxRoutes() outbox.Routes {
	return outbox.Routes{
		outbox.TypeOrderCreated:      {Topic: TopicOrderCreated, EventType: string(KindOrderCreated)},
		outbox.TypeStockCompensation: {Topic: TopicStockCompensation, EventType: string(KindStockCompensation)},
		outbox.TypeStockRestore:      {Topic: TopicStockCompensation, EventType: string(KindStockCompensation)},
	}
}

func orderCreatedRecord(o Order) (outbox.Event, error) {
	return outbox.NewEvent(outbox.TypeOrderCreated, o.ID, OrderCreatedEvent{
		OrderID: o.ID, ProductID: o.ProductID, Quantity: o.Quantity,
	})
}

// CompensationRecord builds the outbox record that credits back the stock
// held by o. t is TypeStockCompensation or TypeStockRestore.
func CompensationRecord(t outbox.Type, o Order) (outbox.Event, error) {
	return outbox.NewEvent(t, o.ID, StockCompensationEvent{
		OrderID: o.ID, ProductID: o.ProductID, Quantity: o.Quantity,
	})
}
