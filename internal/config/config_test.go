package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "redis", cfg.LeaseBackend)
	assert.Equal(t, 256, cfg.PaymentQueue)
	assert.Equal(t, 4*time.Second, cfg.CallTimeout)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.DedupEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAYMENT_QUEUE", "0")
	t.Setenv("PAYMENT_WORKERS", "-3")
	t.Setenv("OUTBOX_LEASE_TTL", "30s")
	t.Setenv("CALL_TIMEOUT", "soon")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("DEDUP_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, 0, cfg.PaymentQueue, "a zero-length queue is allowed")
	assert.Equal(t, 8, cfg.PaymentWorkers, "negative falls back to the default")
	assert.Equal(t, 30*time.Second, cfg.OutboxLeaseTTL)
	assert.Equal(t, 4*time.Second, cfg.CallTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.DedupEnabled)
}
