// Package saga holds the order side reactions to inventory events.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/async"
	"github.com/ariefcatur/go-order-saga/internal/bus"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Payments starts a payment without waiting for it.
type Payments interface {
	ProcessAsync(ctx context.Context, orderID string) *async.Future[orders.Order]
}

type Coordinator struct {
	store    orders.Store
	payments Payments
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewCoordinator(store orders.Store, payments Payments, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		payments: payments,
		log:      log.With().Str("component", "saga").Logger(),
		tracer:   otel.Tracer("saga"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register subscribes the order side handlers to their topics.
func (c *Coordinator) Register(sub bus.Subscriber) {
	for _, k := range orders.Kinds {
		if h := c.handlerFor(k); h != nil {
			sub.Subscribe(k.Topic(), h)
		}
	}
}

func (c *Coordinator) handlerFor(k orders.Kind) bus.Handler {
	switch k {
	case orders.KindStockReserved:
		return c.HandleStockReserved
	case orders.KindStockReservationFailed:
		return c.HandleStockReservationFailed
	case orders.KindOrderCreated, orders.KindStockCompensation:
		return nil
	default:
		panic(fmt.Sprintf("saga: no decision for event kind %q", string(k)))
	}
}

// HandleStockReserved moves the order to STOCK_RESERVED and starts the payment.
func (c *Coordinator) HandleStockReserved(ctx context.Context, env bus.Envelope) error {
	if env.EventType != string(orders.KindStockReserved) {
		return nil
	}
	p, err := bus.Decode[orders.StockReservedEvent](env)
	if err != nil {
		return c.drop(env, err)
	}
	ctx, span := c.tracer.Start(ctx, "saga.stock_reserved", trace.WithAttributes(attribute.String("order.id", p.OrderID)))
	defer span.End()

	if err := c.transition(ctx, p.OrderID, orders.StatusStockReserved, ""); err != nil {
		return c.settle(env, p.OrderID, err)
	}
	c.log.Info().Str("order_id", p.OrderID).Msg("stock reserved, starting payment")
	metrics.SagaEvents.WithLabelValues(env.EventType, "applied").Inc()

	c.payments.ProcessAsync(ctx, p.OrderID).Then(func(o orders.Order, err error) {
		if err != nil {
			c.log.Error().Err(err).Str("order_id", p.OrderID).Msg("payment did not complete")
		}
	})
	return nil
}

// HandleStockReservationFailed fails the order with the inventory's reason.
func (c *Coordinator) HandleStockReservationFailed(ctx context.Context, env bus.Envelope) error {
	if env.EventType != string(orders.KindStockReservationFailed) {
		return nil
	}
	p, err := bus.Decode[orders.StockReservationFailedEvent](env)
	if err != nil {
		return c.drop(env, err)
	}
	ctx, span := c.tracer.Start(ctx, "saga.stock_reservation_failed", trace.WithAttributes(attribute.String("order.id", p.OrderID)))
	defer span.End()

	if err := c.transition(ctx, p.OrderID, orders.StatusFailed, p.Reason); err != nil {
		return c.settle(env, p.OrderID, err)
	}
	c.log.Info().Str("order_id", p.OrderID).Str("reason", p.Reason).Msg("order failed, stock not reserved")
	metrics.SagaEvents.WithLabelValues(env.EventType, "applied").Inc()
	return nil
}

func (c *Coordinator) transition(ctx context.Context, orderID string, to orders.Status, msg string) error {
	return c.store.Do(ctx, func(tx orders.Tx) error {
		o, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := o.TransitionTo(to, msg, c.now()); err != nil {
			return err
		}
		return tx.Orders().Update(ctx, o)
	})
}

// settle acknowledges events that can never apply (unknown order, illegal
// transition after a redelivery) and returns everything else for retry.
func (c *Coordinator) settle(env bus.Envelope, orderID string, err error) error {
	if errors.Is(err, orders.ErrNotFound) || errors.Is(err, orders.ErrInvalidOperation) {
		c.log.Warn().Err(err).Str("order_id", orderID).Str("event_id", env.EventID).Msg("event not applicable, skipped")
		metrics.SagaEvents.WithLabelValues(env.EventType, "skipped").Inc()
		return nil
	}
	metrics.SagaEvents.WithLabelValues(env.EventType, "error").Inc()
	return fmt.Errorf("%s for order %s: %w", env.EventType, orderID, err)
}

func (c *Coordinator) drop(env bus.Envelope, err error) error {
	c.log.Error().Err(err).Str("event_id", env.EventID).Msg("drop undecodable event")
	metrics.SagaEvents.WithLabelValues(env.EventType, "dropped").Inc()
	return nil
}
