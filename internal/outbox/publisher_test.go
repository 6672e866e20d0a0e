package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/bus"
	"github.com/ariefcatur/go-order-saga/internal/memstore"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memstore.Store
	bus    *bus.Memory
	locker *outbox.LocalLocker
	pub    *outbox.Publisher
	orders *orders.Service
}

func newFixture() *fixture {
	f := &fixture{
		store:  memstore.New(),
		bus:    bus.NewMemory(zerolog.Nop()),
		locker: outbox.NewLocalLocker(),
	}
	f.pub = outbox.NewPublisher(f.store, f.bus, f.locker, orders.OutboxRoutes(), outbox.Config{Producer: "test"}, zerolog.Nop())
	f.orders = orders.NewService(f.store, zerolog.Nop())
	return f
}

func (f *fixture) createOrder(t *testing.T) orders.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), orders.CreateOrderInput{
		CustomerName: "alice", ProductID: "p-1", Quantity: 1, Amount: 100,
	})
	require.NoError(t, err)
	return o
}

func TestDrain_PublishesAndCompletes(t *testing.T) {
	f := newFixture()
	o := f.createOrder(t)
	ev := f.store.Events(o.ID)[0]

	res, err := f.pub.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, 1, res.Published)

	msgs := f.bus.Published(orders.TopicOrderCreated)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID, msgs[0].Envelope.EventID)
	assert.Equal(t, string(orders.KindOrderCreated), msgs[0].Envelope.EventType)
	assert.Equal(t, bus.EnvelopeVersion, msgs[0].Envelope.EventVersion)
	assert.Equal(t, "test", msgs[0].Envelope.Producer)
	assert.Equal(t, []byte(o.ID), msgs[0].Key)

	got := f.store.Events(o.ID)[0]
	assert.Equal(t, outbox.StatusCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	// nothing left to send
	res, err = f.pub.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Published)
	assert.Len(t, f.bus.Published(""), 1)
}

func TestDrain_RetriesThenFails(t *testing.T) {
	f := newFixture()
	o := f.createOrder(t)
	f.bus.FailTopic(orders.TopicOrderCreated, errors.New("broker down"))
	ctx := context.Background()

	for i := 1; i < outbox.MaxRetries; i++ {
		res, err := f.pub.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried)
		ev := f.store.Events(o.ID)[0]
		assert.Equal(t, outbox.StatusPending, ev.Status)
		assert.Equal(t, i, ev.RetryCount)
		assert.Contains(t, ev.ErrorMessage, "broker down")
	}

	res, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	ev := f.store.Events(o.ID)[0]
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, outbox.MaxRetries, ev.RetryCount)

	// FAILED records are never retried
	f.bus.FailTopic(orders.TopicOrderCreated, nil)
	res, err = f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Published)
	assert.Empty(t, f.bus.Published(""))
}

func TestDrain_KeepsPerOrderOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o := f.createOrder(t)
	require.NoError(t, f.store.Do(ctx, func(tx orders.Tx) error {
		cur, err := tx.Orders().Get(ctx, o.ID)
		if err != nil {
			return err
		}
		cur.Status = orders.StatusStockReserved
		return tx.Orders().Update(ctx, cur)
	}))
	_, err := f.orders.UpdateStatus(ctx, o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	other := f.createOrder(t)

	f.bus.FailTopic(orders.TopicOrderCreated, errors.New("broker down"))
	res, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	// o's OrderCreated retried, its StockRestore held back, other's OrderCreated retried too
	assert.Equal(t, 2, res.Retried)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.bus.Published(orders.TopicStockCompensation))

	f.bus.FailTopic(orders.TopicOrderCreated, nil)
	res, err = f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Published)

	comp := f.bus.Published(orders.TopicStockCompensation)
	require.Len(t, comp, 1)
	assert.Equal(t, string(orders.KindStockCompensation), comp[0].Envelope.EventType)
	assert.Equal(t, o.ID, comp[0].Envelope.CorrelationID)

	created := f.bus.Published(orders.TopicOrderCreated)
	require.Len(t, created, 2)
	assert.Equal(t, o.ID, created[0].Envelope.CorrelationID)
	assert.Equal(t, other.ID, created[1].Envelope.CorrelationID)
}

func TestDrain_SkipsWithoutLease(t *testing.T) {
	f := newFixture()
	f.createOrder(t)
	ctx := context.Background()

	unlock, ok, err := f.locker.TryLock(ctx, "outbox-publisher", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Empty(t, f.bus.Published(""))

	require.NoError(t, unlock(ctx))
	res, err = f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, 1, res.Published)
}

func TestDrain_RecoversAbandonedProcessing(t *testing.T) {
	f := newFixture()
	o := f.createOrder(t)
	ctx := context.Background()
	ev := f.store.Events(o.ID)[0]
	require.NoError(t, f.store.MarkProcessing(ctx, ev.ID))

	res, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, outbox.StatusCompleted, f.store.Events(o.ID)[0].Status)
}

func TestDrain_UnroutedTypeIsRetried(t *testing.T) {
	f := newFixture()
	f.pub = outbox.NewPublisher(f.store, f.bus, f.locker, outbox.Routes{}, outbox.Config{}, zerolog.Nop())
	o := f.createOrder(t)

	res, err := f.pub.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	ev := f.store.Events(o.ID)[0]
	assert.Contains(t, ev.ErrorMessage, "no route")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture()
	f.pub = outbox.NewPublisher(f.store, f.bus, f.locker, orders.OutboxRoutes(), outbox.Config{Interval: 10 * time.Millisecond}, zerolog.Nop())
	f.createOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.bus.Published(orders.TopicOrderCreated)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
