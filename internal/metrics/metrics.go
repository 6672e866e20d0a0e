// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "order_saga"

var (
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Outbox events published to the bus.",
	}, []string{"event_type"})

	OutboxRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_retried_total",
		Help:      "Failed publish attempts returned to PENDING.",
	}, []string{"event_type"})

	OutboxFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_failed_total",
		Help:      "Outbox events that exhausted their retries and need manual intervention.",
	}, []string{"event_type"})

	OutboxEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_events",
		Help:      "Outbox events by status, sampled once per drain cycle.",
	}, []string{"status"})

	OutboxCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_cycles_total",
		Help:      "Drain cycles by result (drained, skipped, error).",
	}, []string{"result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})

	BreakerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_rejected_total",
		Help:      "Calls rejected without reaching the dependency.",
	}, []string{"dependency"})

	PaymentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_outcomes_total",
		Help:      "Payment orchestrator outcomes by operation and resulting order status.",
	}, []string{"operation", "status"})

	SagaEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_events_total",
		Help:      "Inbound saga events by kind and result.",
	}, []string{"kind", "result"})
)
