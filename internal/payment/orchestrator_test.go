package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/async"
	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/memstore"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers from fields; calls counts every invocation.
type fakeClient struct {
	mu     sync.Mutex
	calls  int
	result Result
	err    error
}

func (f *fakeClient) answer() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeClient) Process(context.Context, Request) (Result, error) { return f.answer() }
func (f *fakeClient) Get(context.Context, string) (Result, error)      { return f.answer() }
func (f *fakeClient) Refund(context.Context, string) (Result, error)   { return f.answer() }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store  *memstore.Store
	client *fakeClient
	guard  *breaker.Guard
	orch   *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		store:  memstore.New(),
		client: &fakeClient{},
		guard:  breaker.NewGuard(breaker.New(breaker.DefaultSettings("payment")), time.Second),
	}
	h.orch = NewOrchestrator(h.store, h.client, h.guard, async.NewPool(4, 16), zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, status orders.Status, txID string) orders.Order {
	t.Helper()
	now := time.Now().UTC()
	o := orders.Order{
		ID: "o-1", CustomerName: "alice", ProductID: "p-1", Quantity: 2,
		Amount: 2500, Currency: "USD", Status: status, CreatedAt: now, UpdatedAt: now,
	}
	if txID != "" {
		o.PaymentTransactionID = &txID
	}
	require.NoError(t, h.store.Do(context.Background(), func(tx orders.Tx) error {
		return tx.Orders().Insert(context.Background(), o)
	}))
	return o
}

func await[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func TestProcess_Success(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusStockReserved, "")
	h.client.result = Result{TransactionID: "tx-1", Status: ResultSuccess}

	o, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "tx-1", o.TransactionID())
	assert.Empty(t, h.store.Events("o-1"))

	stored, err := h.store.Orders().Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, stored.Status)
}

func TestProcess_DeclinedCompensates(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusStockReserved, "")
	h.client.result = Result{TransactionID: "tx-2", Status: ResultFailed, ErrorMessage: "card declined"}

	o, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentFailed, o.Status)
	assert.Equal(t, "card declined", o.StatusMessage)

	evs := h.store.Events("o-1")
	require.Len(t, evs, 1)
	assert.Equal(t, outbox.TypeStockCompensation, evs[0].EventType)
}

func TestProcess_CallErrorBecomesPaymentError(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusStockReserved, "")
	h.client.err = errors.New("connection refused")

	o, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentError, o.Status)
	assert.Contains(t, o.StatusMessage, "connection refused")
	require.Len(t, h.store.Events("o-1"), 1)
}

func TestProcess_RetryAfterFailureDoesNotCompensateTwice(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusPaymentFailed, "")
	h.client.result = Result{TransactionID: "tx-3", Status: ResultFailed}

	o, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentFailed, o.Status)
	assert.Empty(t, h.store.Events("o-1"))
}

func TestProcess_OpenBreakerShortCircuits(t *testing.T) {
	h := newHarness()
	h.client.err = errors.New("503")
	for i := 0; i < 5; i++ {
		_, _ = breaker.Call(context.Background(), h.guard, func(ctx context.Context) (Result, error) {
			return h.client.Process(ctx, Request{})
		})
	}
	require.Equal(t, breaker.StateOpen, h.guard.Breaker().State())
	calls := h.client.callCount()

	h.seed(t, orders.StatusStockReserved, "")
	o, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentError, o.Status)
	assert.Contains(t, o.StatusMessage, breaker.ErrOpen.Error())
	assert.Equal(t, calls, h.client.callCount(), "open breaker must not reach the client")
}

func TestProcess_RejectsWrongStatus(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusPending, "")

	_, err := await(t, h.orch.ProcessAsync(context.Background(), "o-1"))
	assert.ErrorIs(t, err, orders.ErrInvalidOperation)
	assert.Zero(t, h.client.callCount())

	_, err = await(t, h.orch.ProcessAsync(context.Background(), "missing"))
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestRefund(t *testing.T) {
	tests := []struct {
		name       string
		result     Result
		err        error
		wantStatus orders.Status
		wantEvents int
	}{
		{name: "refunded", result: Result{Status: ResultRefunded}, wantStatus: orders.StatusRefunded, wantEvents: 1},
		{name: "rejected", result: Result{Status: ResultRefundFailed, ErrorMessage: "too late"}, wantStatus: orders.StatusRefundFailed},
		{name: "unreachable", err: errors.New("timeout"), wantStatus: orders.StatusRefundError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.seed(t, orders.StatusPaid, "tx-1")
			h.client.result, h.client.err = tt.result, tt.err

			o, err := await(t, h.orch.RefundAsync(context.Background(), "o-1"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, o.Status)

			evs := h.store.Events("o-1")
			require.Len(t, evs, tt.wantEvents)
			if tt.wantEvents > 0 {
				assert.Equal(t, outbox.TypeStockRestore, evs[0].EventType)
			}
		})
	}
}

func TestRefund_NeedsTransaction(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusPaid, "")
	_, err := await(t, h.orch.RefundAsync(context.Background(), "o-1"))
	assert.ErrorIs(t, err, orders.ErrNotFound)
	assert.Zero(t, h.client.callCount())
}

func TestStatus(t *testing.T) {
	h := newHarness()
	h.seed(t, orders.StatusPaid, "tx-1")
	h.client.result = Result{TransactionID: "tx-1", Status: ResultSuccess}

	v, err := await(t, h.orch.StatusAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusView{OrderID: "o-1", TransactionID: "tx-1", Status: ResultSuccess}, v)

	h.client.mu.Lock()
	h.client.err = errors.New("down")
	h.client.mu.Unlock()
	v, err = await(t, h.orch.StatusAsync(context.Background(), "o-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, v.Status)
	assert.Contains(t, v.Message, "down")
}
