package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the order intake and query path.
type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "orders").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a PENDING order together with its OrderCreated outbox record.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (Order, error) {
	if err := in.Normalize(); err != nil {
		return Order{}, err
	}
	now := s.now()
	o := Order{
		ID:           uuid.NewString(),
		CustomerName: in.CustomerName,
		ProductID:    in.ProductID,
		Quantity:     in.Quantity,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ev, err := orderCreatedRecord(o)
	if err != nil {
		return Order{}, err
	}
	err = s.store.Do(ctx, func(tx Tx) error {
		if err := tx.Orders().Insert(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Outbox().Enqueue(ctx, ev); err != nil {
			return fmt.Errorf("enqueue %s: %w", ev.EventType, err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.log.Info().Str("order_id", o.ID).Str("product_id", o.ProductID).Int("quantity", o.Quantity).Msg("order created")
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if id == "" {
		return Order{}, validationf("order id is required")
	}
	return s.store.Orders().Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationf("unknown status %q", f.Status)
	}
	return s.store.Orders().List(ctx, f)
}

// UpdateStatus applies a manual status change. Cancelling an order that still
// holds stock schedules a StockRestore in the same unit of work.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (Order, error) {
	if !to.Valid() {
		return Order{}, validationf("unknown status %q", to)
	}
	var out Order
	err := s.store.Do(ctx, func(tx Tx) error {
		o, err := tx.Orders().Get(ctx, id)
		if err != nil {
			return err
		}
		prev := o.Status
		if err := o.TransitionTo(to, "", s.now()); err != nil {
			return err
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if to == StatusCancelled && prev.HoldsStock() && o.Compensable() {
			ev, err := CompensationRecord(outbox.TypeStockRestore, o)
			if err != nil {
				return err
			}
			if err := tx.Outbox().Enqueue(ctx, ev); err != nil {
				return fmt.Errorf("enqueue %s: %w", ev.EventType, err)
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.log.Info().Str("order_id", id).Str("status", string(to)).Msg("order status updated")
	return out, nil
}

// Delete removes an order once none of its outbox records is still in flight.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Do(ctx, func(tx Tx) error {
		if _, err := tx.Orders().Get(ctx, id); err != nil {
			return err
		}
		open, err := tx.Outbox().OpenForOrder(ctx, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: order %s has %d unpublished events", ErrInvalidOperation, id, open)
		}
		return tx.Orders().Delete(ctx, id)
	})
}

// OrderNotFound builds the error stores return for a missing order.
func OrderNotFound(id string) error {
	return notFoundf("order %s", id)
}
