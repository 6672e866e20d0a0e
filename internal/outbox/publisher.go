package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/bus"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Route tells the publisher where a record type goes and under which
// envelope event type consumers will see it.
type Route struct {
	Topic     string
	EventType string
}

type Routes map[Type]Route

type Config struct {
	Interval  time.Duration
	LeaseName string
	// LeaseTTL also bounds a cycle: no record is started once the lease could
	// expire before that record's publish times out.
	LeaseTTL time.Duration
	// BatchSize caps the records fetched per cycle. Whatever is left, or not
	// reached before the cycle budget runs out, goes in the next cycle.
	BatchSize      int
	PublishTimeout time.Duration
	Producer       string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.LeaseName == "" {
		c.LeaseName = "outbox-publisher"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.PublishTimeout > c.LeaseTTL/2 {
		c.PublishTimeout = c.LeaseTTL / 2
	}
	return c
}

// budget is how long a cycle may keep starting records after it took the lease.
// A tenth of the TTL is kept for the status writes around the last publish.
func (c Config) budget() time.Duration {
	return c.LeaseTTL - c.PublishTimeout - c.LeaseTTL/10
}

// CycleResult summarises one drain cycle.
type CycleResult struct {
	Acquired  bool
	Recovered int
	Published int
	Retried   int
	Failed    int
	Skipped   int
	// Deferred counts fetched records left PENDING because the cycle ran out of lease time.
	Deferred int
}

// Publisher periodically drains PENDING records to the bus while holding a lease.
type Publisher struct {
	store  Store
	bus    bus.Publisher
	locker Locker
	routes Routes
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewPublisher(store Store, pub bus.Publisher, locker Locker, routes Routes, cfg Config, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		bus:    pub,
		locker: locker,
		routes: routes,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "outbox-publisher").Logger(),
		now:    time.Now,
	}
}

// Run drains once per interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	p.log.Info().Dur("interval", p.cfg.Interval).Str("lease", p.cfg.LeaseName).Msg("outbox publisher started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox publisher stopped")
			return nil
		case <-t.C:
			if _, err := p.Drain(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("drain cycle failed")
			}
		}
	}
}

// Drain runs a single cycle. A cycle that cannot take the lease does nothing.
func (p *Publisher) Drain(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	deadline := p.now().Add(p.cfg.budget())
	unlock, ok, err := p.locker.TryLock(ctx, p.cfg.LeaseName, p.cfg.LeaseTTL)
	if err != nil {
		metrics.OutboxCycles.WithLabelValues("error").Inc()
		return res, fmt.Errorf("acquire lease %s: %w", p.cfg.LeaseName, err)
	}
	if !ok {
		metrics.OutboxCycles.WithLabelValues("skipped").Inc()
		p.log.Debug().Msg("lease held elsewhere, skipping cycle")
		return res, nil
	}
	res.Acquired = true
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn().Err(err).Msg("release lease")
		}
	}()

	// Only the lease holder moves records to PROCESSING, so anything still
	// there was abandoned by a previous holder.
	if res.Recovered, err = p.store.RecoverProcessing(ctx); err != nil {
		metrics.OutboxCycles.WithLabelValues("error").Inc()
		return res, fmt.Errorf("recover processing: %w", err)
	}

	events, err := p.store.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		metrics.OutboxCycles.WithLabelValues("error").Inc()
		return res, fmt.Errorf("fetch pending: %w", err)
	}

	blocked := map[string]bool{}
	for i, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && !p.now().Before(deadline) {
			// Stopping here keeps per-order order: nothing after this point was sent.
			res.Deferred = len(events) - i
			p.log.Warn().Int("deferred", res.Deferred).Dur("budget", p.cfg.budget()).Msg("cycle budget spent, deferring rest")
			break
		}
		if blocked[ev.OrderID] {
			res.Skipped++
			continue
		}
		switch p.publishOne(ctx, ev) {
		case StatusCompleted:
			res.Published++
		case StatusPending:
			res.Retried++
			blocked[ev.OrderID] = true
		case StatusFailed:
			res.Failed++
			blocked[ev.OrderID] = true
		default:
			res.Skipped++
			blocked[ev.OrderID] = true
		}
	}

	p.sampleCounts(ctx)
	metrics.OutboxCycles.WithLabelValues("drained").Inc()
	if len(events) > 0 {
		p.log.Info().
			Int("fetched", len(events)).
			Int("published", res.Published).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Int("deferred", res.Deferred).
			Msg("outbox cycle done")
	}
	return res, nil
}

// publishOne walks a record through PROCESSING and returns the status it ended in.
// An empty status means the record was left alone.
func (p *Publisher) publishOne(ctx context.Context, ev Event) Status {
	// Once a record is PROCESSING it is driven to a resting status even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := p.log.With().Str("event_id", ev.ID).Str("event_type", string(ev.EventType)).Str("order_id", ev.OrderID).Logger()

	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.event_id", ev.ID),
		attribute.String("outbox.event_type", string(ev.EventType)),
		attribute.String("order.id", ev.OrderID),
	)

	if err := p.store.MarkProcessing(ctx, ev.ID); err != nil {
		log.Warn().Err(err).Msg("mark processing")
		return ""
	}

	pubErr := p.send(ctx, ev)
	if pubErr == nil {
		if err := p.store.MarkCompleted(ctx, ev.ID, p.now().UTC()); err != nil {
			// The message went out; the record will be recovered and published again.
			log.Error().Err(err).Msg("mark completed")
			return ""
		}
		metrics.OutboxPublished.WithLabelValues(string(ev.EventType)).Inc()
		return StatusCompleted
	}

	span.RecordError(pubErr)
	span.SetStatus(codes.Error, pubErr.Error())
	updated, err := p.store.MarkFailedOrRetry(ctx, ev.ID, pubErr.Error())
	if err != nil {
		log.Error().Err(err).AnErr("publish_error", pubErr).Msg("mark failed or retry")
		return ""
	}
	if updated.Status == StatusFailed {
		metrics.OutboxFailed.WithLabelValues(string(ev.EventType)).Inc()
		log.Error().
			Err(fmt.Errorf("%w: %w", ErrPermanentFailure, pubErr)).
			Int("retry_count", updated.RetryCount).
			RawJSON("payload", ev.Payload).
			Msg("outbox event FAILED after max retries, manual intervention required")
		return StatusFailed
	}
	metrics.OutboxRetried.WithLabelValues(string(ev.EventType)).Inc()
	log.Warn().Err(pubErr).Int("retry_count", updated.RetryCount).Msg("publish failed, will retry")
	return StatusPending
}

func (p *Publisher) send(ctx context.Context, ev Event) error {
	route, ok := p.routes[ev.EventType]
	if !ok {
		return fmt.Errorf("no route for event type %s", ev.EventType)
	}
	env := bus.Envelope{
		EventID:       ev.ID,
		EventType:     route.EventType,
		EventVersion:  bus.EnvelopeVersion,
		OccurredAt:    ev.CreatedAt,
		Producer:      p.cfg.Producer,
		CorrelationID: ev.OrderID,
		Payload:       ev.Payload,
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, route.Topic, []byte(ev.OrderID), env); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("publish to %s timed out: %w", route.Topic, err)
		}
		return fmt.Errorf("publish to %s: %w", route.Topic, err)
	}
	return nil
}

func (p *Publisher) sampleCounts(ctx context.Context) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("count outbox events")
		return
	}
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		metrics.OutboxEvents.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
