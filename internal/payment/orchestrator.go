// Package payment drives payment, refund and status queries against the
// payment dependency and folds the outcome back into the order.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/async"
	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusView is the answer to a payment status query.
type StatusView struct {
	OrderID       string       `json:"orderId"`
	TransactionID string       `json:"transactionId"`
	Status        ResultStatus `json:"status"`
	Message       string       `json:"message,omitempty"`
}

type Orchestrator struct {
	store  orders.Store
	client Client
	guard  *breaker.Guard
	pool   *async.Pool
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewOrchestrator(store orders.Store, client Client, guard *breaker.Guard, pool *async.Pool, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		client: client,
		guard:  guard,
		pool:   pool,
		log:    log.With().Str("component", "payment").Logger(),
		tracer: otel.Tracer("payment"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessAsync charges the order. The future resolves with the order as
// persisted afterwards; a dependency failure resolves to a PAYMENT_ERROR order,
// not an error.
func (o *Orchestrator) ProcessAsync(ctx context.Context, orderID string) *async.Future[orders.Order] {
	return async.Submit(o.pool, ctx, func(ctx context.Context) (orders.Order, error) {
		return o.process(ctx, orderID)
	})
}

// RefundAsync refunds a paid order.
func (o *Orchestrator) RefundAsync(ctx context.Context, orderID string) *async.Future[orders.Order] {
	return async.Submit(o.pool, ctx, func(ctx context.Context) (orders.Order, error) {
		return o.refund(ctx, orderID)
	})
}

// StatusAsync asks the payment dependency about the order's transaction.
// Failures to reach it are reported as UNKNOWN.
func (o *Orchestrator) StatusAsync(ctx context.Context, orderID string) *async.Future[StatusView] {
	return async.Submit(o.pool, ctx, func(ctx context.Context) (StatusView, error) {
		return o.status(ctx, orderID)
	})
}

func (o *Orchestrator) process(ctx context.Context, orderID string) (orders.Order, error) {
	ctx, span := o.tracer.Start(ctx, "payment.process", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	ord, err := o.store.Orders().Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(ord.Status, orders.StatusPaid) {
		return orders.Order{}, &orders.TransitionError{OrderID: ord.ID, From: ord.Status, To: orders.StatusPaid}
	}

	req := Request{OrderID: ord.ID, CustomerName: ord.CustomerName, Amount: ord.Amount, Currency: ord.Currency}
	res, callErr := breaker.Call(ctx, o.guard, func(ctx context.Context) (Result, error) {
		return o.client.Process(ctx, req)
	})

	target, msg := paymentOutcome(res, callErr)
	if callErr != nil {
		span.RecordError(callErr)
		o.log.Warn().Err(downstream(callErr)).Str("order_id", orderID).Msg("payment call failed")
	}

	updated, err := o.apply(ctx, orderID, func(tx orders.Tx, cur *orders.Order) error {
		prev := cur.Status
		if err := cur.TransitionTo(target, msg, o.now()); err != nil {
			return err
		}
		if res.TransactionID != "" {
			id := res.TransactionID
			cur.PaymentTransactionID = &id
		}
		if target != orders.StatusPaid && prev == orders.StatusStockReserved && cur.Compensable() {
			return enqueue(ctx, tx, outbox.TypeStockCompensation, *cur)
		}
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}
	metrics.PaymentOutcomes.WithLabelValues("process", string(updated.Status)).Inc()
	o.log.Info().Str("order_id", orderID).Str("status", string(updated.Status)).Msg("payment applied")
	return updated, nil
}

func paymentOutcome(res Result, callErr error) (orders.Status, string) {
	if callErr != nil {
		return orders.StatusPaymentError, "payment service unavailable: " + callErr.Error()
	}
	switch res.Status {
	case ResultSuccess:
		return orders.StatusPaid, ""
	case ResultFailed:
		if res.ErrorMessage == "" {
			return orders.StatusPaymentFailed, "payment declined"
		}
		return orders.StatusPaymentFailed, res.ErrorMessage
	default:
		return orders.StatusPaymentError, fmt.Sprintf("unexpected payment status %s", res.Status)
	}
}

func (o *Orchestrator) refund(ctx context.Context, orderID string) (orders.Order, error) {
	ctx, span := o.tracer.Start(ctx, "payment.refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	ord, err := o.store.Orders().Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	txID := ord.TransactionID()
	if txID == "" {
		return orders.Order{}, fmt.Errorf("%w: order %s has no payment transaction", orders.ErrNotFound, orderID)
	}
	if !orders.CanTransition(ord.Status, orders.StatusRefunded) {
		return orders.Order{}, &orders.TransitionError{OrderID: ord.ID, From: ord.Status, To: orders.StatusRefunded}
	}

	res, callErr := breaker.Call(ctx, o.guard, func(ctx context.Context) (Result, error) {
		return o.client.Refund(ctx, txID)
	})

	var target orders.Status
	var msg string
	switch {
	case callErr != nil:
		span.RecordError(callErr)
		o.log.Warn().Err(downstream(callErr)).Str("order_id", orderID).Msg("refund call failed")
		target, msg = orders.StatusRefundError, "payment service unavailable: "+callErr.Error()
	case res.Status == ResultRefunded:
		target = orders.StatusRefunded
	default:
		target, msg = orders.StatusRefundFailed, res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("refund not completed, payment status %s", res.Status)
		}
	}

	updated, err := o.apply(ctx, orderID, func(tx orders.Tx, cur *orders.Order) error {
		if err := cur.TransitionTo(target, msg, o.now()); err != nil {
			return err
		}
		if target == orders.StatusRefunded && cur.Compensable() {
			return enqueue(ctx, tx, outbox.TypeStockRestore, *cur)
		}
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}
	metrics.PaymentOutcomes.WithLabelValues("refund", string(updated.Status)).Inc()
	o.log.Info().Str("order_id", orderID).Str("status", string(updated.Status)).Msg("refund applied")
	return updated, nil
}

func (o *Orchestrator) status(ctx context.Context, orderID string) (StatusView, error) {
	ctx, span := o.tracer.Start(ctx, "payment.status", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	ord, err := o.store.Orders().Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	txID := ord.TransactionID()
	if txID == "" {
		return StatusView{}, fmt.Errorf("%w: order %s has no payment transaction", orders.ErrNotFound, orderID)
	}
	res, err := breaker.Call(ctx, o.guard, func(ctx context.Context) (Result, error) {
		return o.client.Get(ctx, txID)
	})
	if err != nil {
		o.log.Warn().Err(downstream(err)).Str("order_id", orderID).Msg("payment status query failed")
		metrics.PaymentOutcomes.WithLabelValues("status", string(ResultUnknown)).Inc()
		return StatusView{OrderID: orderID, TransactionID: txID, Status: ResultUnknown, Message: err.Error()}, nil
	}
	metrics.PaymentOutcomes.WithLabelValues("status", string(res.Status)).Inc()
	return StatusView{OrderID: orderID, TransactionID: txID, Status: res.Status, Message: res.ErrorMessage}, nil
}

// apply re-reads the order inside a unit of work, lets fn mutate it and
// persists the result.
func (o *Orchestrator) apply(ctx context.Context, orderID string, fn func(tx orders.Tx, cur *orders.Order) error) (orders.Order, error) {
	var out orders.Order
	err := o.store.Do(ctx, func(tx orders.Tx) error {
		cur, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(tx, &cur); err != nil {
			return err
		}
		if err := tx.Orders().Update(ctx, cur); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

func enqueue(ctx context.Context, tx orders.Tx, t outbox.Type, o orders.Order) error {
	ev, err := orders.CompensationRecord(t, o)
	if err != nil {
		return err
	}
	if err := tx.Outbox().Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("enqueue %s: %w", t, err)
	}
	return nil
}

// downstream tags breaker rejections and timeouts as an unavailable dependency.
func downstream(err error) error {
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTimeout) {
		return fmt.Errorf("%w: %w", orders.ErrDownstreamUnavailable, err)
	}
	return err
}
