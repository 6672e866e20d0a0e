// Package kafka carries bus envelopes over Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/ariefcatur/go-order-saga/internal/bus"
	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Bus implements bus.Bus. Subscriptions are collected first and consumed by Run.
type Bus struct {
	producer *Producer
	brokers  []string
	group    string
	workers  int
	log      zerolog.Logger

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	topic string
	h     bus.Handler
}

func NewBus(brokers []string, group string, workers int, log zerolog.Logger) *Bus {
	return &Bus{
		producer: NewProducer(brokers),
		brokers:  brokers,
		group:    group,
		workers:  workers,
		log:      log.With().Str("component", "kafka").Logger(),
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, key []byte, env bus.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	headers := tracing.InjectKafkaHeaders(ctx, []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	})
	return b.producer.Publish(ctx, topic, key, value, headers...)
}

func (b *Bus) Subscribe(topic string, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{topic: topic, h: h})
}

// Run consumes every subscribed topic until ctx is cancelled or a consumer fails.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range subs {
		c := NewConsumer(b.brokers, b.group, s.topic, b.workers, b.log)
		h := b.adapt(s.h)
		topic := s.topic
		g.Go(func() error {
			b.log.Info().Str("topic", topic).Str("group", b.group).Int("workers", b.workers).Msg("consumer started")
			if err := c.Start(ctx, h); err != nil {
				return fmt.Errorf("consume %s: %w", topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Bus) Close() error { return b.producer.Close() }

func (b *Bus) adapt(h bus.Handler) Handler {
	return func(ctx context.Context, m kafka.Message) error {
		var env bus.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			b.log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("drop undecodable message")
			return nil
		}
		return h(tracing.ExtractKafkaHeaders(ctx, m.Headers), env)
	}
}
