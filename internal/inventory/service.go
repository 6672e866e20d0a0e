package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-saga/internal/bus"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Stock is the product quantity store. Decrement must only succeed when
// enough stock is available and must do the check and the write atomically.
type Stock interface {
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	Decrement(ctx context.Context, productID string, qty int) (orders.Product, error)
	Increment(ctx context.Context, productID string, qty int) (orders.Product, error)
}

// Dedup remembers processed event ids and the reply sent for them.
type Dedup interface {
	// Seen marks key and reports whether it was already marked.
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
	SaveReply(ctx context.Context, key string, reply []byte) error
	// Reply returns the reply saved for key, ok is false when there is none.
	Reply(ctx context.Context, key string) (reply []byte, ok bool, err error)
}

type Service struct {
	Stock       Stock
	Bus         bus.Publisher
	Dedup       Dedup // nil: every delivery is applied
	ServiceName string
	Log         zerolog.Logger
}

// Register subscribes the inventory handlers to their topics.
func (s *Service) Register(sub bus.Subscriber) {
	for kind, h := range s.handlers() {
		sub.Subscribe(kind.Topic(), h)
	}
}

func (s *Service) handlers() map[orders.Kind]bus.Handler {
	out := map[orders.Kind]bus.Handler{}
	for _, k := range orders.Kinds {
		if h := s.handlerFor(k); h != nil {
			out[k] = h
		}
	}
	return out
}

func (s *Service) handlerFor(k orders.Kind) bus.Handler {
	switch k {
	case orders.KindOrderCreated:
		return s.HandleOrderCreated
	case orders.KindStockCompensation:
		return s.HandleStockCompensation
	case orders.KindStockReserved, orders.KindStockReservationFailed:
		return nil
	default:
		panic(fmt.Sprintf("inventory: no decision for event kind %q", string(k)))
	}
}

// HandleOrderCreated reserves stock for a new order and answers with
// StockReserved or StockReservationFailed.
func (s *Service) HandleOrderCreated(ctx context.Context, env bus.Envelope) error {
	if env.EventType != string(orders.KindOrderCreated) {
		return nil
	}
	ctx, span := otel.Tracer("inventory").Start(ctx, "inventory.order_created")
	defer span.End()

	p, err := bus.Decode[orders.OrderCreatedEvent](env)
	if err != nil {
		s.Log.Error().Err(err).Str("event_id", env.EventID).Msg("drop undecodable event")
		metrics.SagaEvents.WithLabelValues(env.EventType, "dropped").Inc()
		return nil
	}
	span.SetAttributes(attribute.String("order.id", p.OrderID), attribute.String("product.id", p.ProductID))
	log := s.Log.With().Str("order_id", p.OrderID).Str("event_id", env.EventID).Logger()

	key := fmt.Sprintf(redisx.KeyDedup, "inventory", env.EventID)
	if dup, err := s.seen(ctx, key); err != nil {
		return err
	} else if dup {
		metrics.SagaEvents.WithLabelValues(env.EventType, "duplicate").Inc()
		return s.resend(ctx, log, key)
	}

	var reply bus.Envelope
	_, err = s.Stock.Decrement(ctx, p.ProductID, p.Quantity)
	switch {
	case err == nil:
		log.Info().Str("product_id", p.ProductID).Int("quantity", p.Quantity).Msg("stock reserved")
		metrics.SagaEvents.WithLabelValues(env.EventType, "reserved").Inc()
		reply, err = s.envelope(orders.KindStockReserved, p.OrderID, orders.StockReservedEvent{OrderID: p.OrderID})
	case isRejection(err):
		log.Info().Err(err).Msg("stock reservation failed")
		metrics.SagaEvents.WithLabelValues(env.EventType, "rejected").Inc()
		reply, err = s.envelope(orders.KindStockReservationFailed, p.OrderID,
			orders.StockReservationFailedEvent{OrderID: p.OrderID, Reason: err.Error()})
	default:
		s.forget(ctx, key)
		metrics.SagaEvents.WithLabelValues(env.EventType, "error").Inc()
		return fmt.Errorf("reserve stock for order %s: %w", p.OrderID, err)
	}
	if err != nil {
		return err
	}

	// The decision is made and stock may be taken: a redelivery repeats this answer.
	s.saveReply(ctx, log, key, reply)
	return s.publish(ctx, reply)
}

// resend publishes the reply stored for a redelivered OrderCreated. Without a
// stored reply the first delivery is still in flight or died before deciding,
// and the event is acknowledged as before.
func (s *Service) resend(ctx context.Context, log zerolog.Logger, key string) error {
	raw, ok, err := s.Dedup.Reply(ctx, key)
	if err != nil {
		return fmt.Errorf("load reply %s: %w", key, err)
	}
	if !ok {
		log.Info().Msg("duplicate OrderCreated ignored")
		return nil
	}
	var reply bus.Envelope
	if err := json.Unmarshal(raw, &reply); err != nil {
		log.Error().Err(err).Msg("drop unreadable stored reply")
		return nil
	}
	switch orders.Kind(reply.EventType) {
	case orders.KindStockReserved, orders.KindStockReservationFailed:
	default:
		log.Error().Str("reply_type", reply.EventType).Msg("drop stored reply of unexpected type")
		return nil
	}
	log.Info().Str("reply_id", reply.EventID).Str("reply_type", reply.EventType).Msg("duplicate OrderCreated, re-sending reply")
	return s.publish(ctx, reply)
}

// HandleStockCompensation credits stock back. The increment is unconditional:
// without a Dedup a redelivered event credits twice.
func (s *Service) HandleStockCompensation(ctx context.Context, env bus.Envelope) error {
	if env.EventType != string(orders.KindStockCompensation) {
		return nil
	}
	ctx, span := otel.Tracer("inventory").Start(ctx, "inventory.stock_compensation")
	defer span.End()

	p, err := bus.Decode[orders.StockCompensationEvent](env)
	if err != nil {
		s.Log.Error().Err(err).Str("event_id", env.EventID).Msg("drop undecodable event")
		metrics.SagaEvents.WithLabelValues(env.EventType, "dropped").Inc()
		return nil
	}
	span.SetAttributes(attribute.String("order.id", p.OrderID), attribute.String("product.id", p.ProductID))
	log := s.Log.With().Str("order_id", p.OrderID).Str("event_id", env.EventID).Logger()

	key := fmt.Sprintf(redisx.KeyDedup, "inventory", env.EventID)
	if dup, err := s.seen(ctx, key); err != nil {
		return err
	} else if dup {
		log.Info().Msg("duplicate StockCompensation ignored")
		metrics.SagaEvents.WithLabelValues(env.EventType, "duplicate").Inc()
		return nil
	}

	if _, err := s.Stock.Increment(ctx, p.ProductID, p.Quantity); err != nil {
		if isRejection(err) {
			log.Error().Err(err).Msg("compensation cannot be applied, dropping")
			metrics.SagaEvents.WithLabelValues(env.EventType, "dropped").Inc()
			return nil
		}
		s.forget(ctx, key)
		metrics.SagaEvents.WithLabelValues(env.EventType, "error").Inc()
		return fmt.Errorf("compensate stock for order %s: %w", p.OrderID, err)
	}
	log.Info().Str("product_id", p.ProductID).Int("quantity", p.Quantity).Msg("stock compensated")
	metrics.SagaEvents.WithLabelValues(env.EventType, "compensated").Inc()
	return nil
}

func (s *Service) envelope(kind orders.Kind, orderID string, payload any) (bus.Envelope, error) {
	return bus.NewEnvelope(string(kind), s.ServiceName, orderID, payload)
}

func (s *Service) publish(ctx context.Context, env bus.Envelope) error {
	kind := orders.Kind(env.EventType)
	if err := s.Bus.Publish(ctx, kind.Topic(), orders.PartitionKey(env.CorrelationID), env); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", kind, env.CorrelationID, err)
	}
	return nil
}

func (s *Service) saveReply(ctx context.Context, log zerolog.Logger, key string, reply bus.Envelope) {
	if s.Dedup == nil {
		return
	}
	raw, err := json.Marshal(reply)
	if err == nil {
		err = s.Dedup.SaveReply(ctx, key, raw)
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("save reply, a redelivery will not re-send it")
	}
}

func (s *Service) seen(ctx context.Context, key string) (bool, error) {
	if s.Dedup == nil {
		return false, nil
	}
	dup, err := s.Dedup.Seen(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return dup, nil
}

func (s *Service) forget(ctx context.Context, key string) {
	if s.Dedup == nil {
		return
	}
	if err := s.Dedup.Forget(ctx, key); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("forget dedup key")
	}
}

// isRejection reports business answers that retrying cannot change.
func isRejection(err error) bool {
	return errors.Is(err, orders.ErrInsufficientStock) ||
		errors.Is(err, orders.ErrNotFound) ||
		errors.Is(err, orders.ErrValidation)
}
