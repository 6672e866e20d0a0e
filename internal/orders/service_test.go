package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ariefcatur/go-order-saga/internal/memstore"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() (*orders.Service, *memstore.Store) {
	st := memstore.New()
	return orders.NewService(st, zerolog.Nop()), st
}

func validInput() orders.CreateOrderInput {
	return orders.CreateOrderInput{CustomerName: "alice", ProductID: "p-1", Quantity: 2, Amount: 2500}
}

// forceStatus writes a status directly, bypassing the status machine.
func forceStatus(t *testing.T, st *memstore.Store, id string, s orders.Status) {
	t.Helper()
	require.NoError(t, st.Do(context.Background(), func(tx orders.Tx) error {
		o, err := tx.Orders().Get(context.Background(), id)
		if err != nil {
			return err
		}
		o.Status = s
		return tx.Orders().Update(context.Background(), o)
	}))
}

func TestService_CreateWritesOrderAndOutboxRecord(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	o, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "USD", o.Currency)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	evs := st.Events(o.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, outbox.TypeOrderCreated, evs[0].EventType)
	assert.Equal(t, outbox.StatusPending, evs[0].Status)

	var p orders.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(evs[0].Payload, &p))
	assert.Equal(t, orders.OrderCreatedEvent{OrderID: o.ID, ProductID: "p-1", Quantity: 2}, p)
}

func TestService_CreateIsAtomic(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	st.FailEnqueue(errors.New("outbox down"))

	_, err := svc.Create(ctx, validInput())
	require.Error(t, err)

	all, err := svc.List(ctx, orders.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, st.Events(""))
}

func TestService_CreateValidation(t *testing.T) {
	svc, st := newService()
	in := validInput()
	in.Quantity = 0
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, orders.ErrValidation)
	assert.Empty(t, st.Events(""))
}

func TestService_GetMissing(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, orders.ErrNotFound)
	_, err = svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestService_ListFilters(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	a, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	in := validInput()
	in.CustomerName = "bob"
	b, err := svc.Create(ctx, in)
	require.NoError(t, err)
	forceStatus(t, st, b.ID, orders.StatusPaid)

	byCustomer, err := svc.List(ctx, orders.Filter{CustomerName: "alice"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, a.ID, byCustomer[0].ID)

	byStatus, err := svc.List(ctx, orders.Filter{Status: orders.StatusPaid})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)

	_, err = svc.List(ctx, orders.Filter{Status: "WHATEVER"})
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestService_UpdateStatusRejectsInvalidTransition(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	o, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, orders.StatusRefunded)
	assert.ErrorIs(t, err, orders.ErrInvalidOperation)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
}

func TestService_CancelReservedOrderRestoresStock(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	o, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	forceStatus(t, st, o.ID, orders.StatusStockReserved)

	got, err := svc.UpdateStatus(ctx, o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)

	evs := st.Events(o.ID)
	require.Len(t, evs, 2)
	assert.Equal(t, outbox.TypeStockRestore, evs[1].EventType)
}

func TestService_CancelPendingOrderHasNoRestore(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	o, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, st.Events(o.ID), 1)
}

func TestService_DeleteGuard(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	o, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	// OrderCreated is still pending
	err = svc.Delete(ctx, o.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidOperation)

	ev := st.Events(o.ID)[0]
	require.NoError(t, st.MarkProcessing(ctx, ev.ID))
	require.NoError(t, st.MarkCompleted(ctx, ev.ID, ev.CreatedAt))

	require.NoError(t, svc.Delete(ctx, o.ID))
	_, err = svc.Get(ctx, o.ID)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, o.ID), orders.ErrNotFound)
}
