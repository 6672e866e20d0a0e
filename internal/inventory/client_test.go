package inventory_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/memstore"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteStock(t *testing.T) (*inventory.HTTPClient, *breaker.Guard) {
	t.Helper()
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p-1", Name: "Widget", Stock: 3})

	router := httpx.NewRouter(zerolog.Nop())
	(&httpx.StockHandler{Stock: st}).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	s := breaker.DefaultSettings("inventory")
	s.IsFailure = breaker.Ignoring(orders.ErrNotFound, orders.ErrValidation, orders.ErrInsufficientStock)
	g := breaker.NewGuard(breaker.New(s), time.Second)
	return inventory.NewHTTPClient(srv.URL, g, srv.Client()), g
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	c, _ := newRemoteStock(t)
	ctx := context.Background()

	p, err := c.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, orders.Product{ID: "p-1", Name: "Widget", Stock: 3}, p)

	p, err = c.Decrement(ctx, "p-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)

	p, err = c.Increment(ctx, "p-1", 4)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
}

func TestHTTPClient_MapsStatuses(t *testing.T) {
	c, g := newRemoteStock(t)
	ctx := context.Background()

	_, err := c.Decrement(ctx, "p-1", 10)
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)

	_, err = c.GetProduct(ctx, "nope")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = c.Increment(ctx, "p-1", 0)
	assert.ErrorIs(t, err, orders.ErrValidation)

	for i := 0; i < 10; i++ {
		_, _ = c.Decrement(ctx, "p-1", 10)
	}
	assert.Equal(t, breaker.StateClosed, g.Breaker().State(), "business answers keep the breaker closed")
}

func TestHTTPClient_UnreachableOpensBreaker(t *testing.T) {
	s := breaker.DefaultSettings("inventory")
	g := breaker.NewGuard(breaker.New(s), time.Second)
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	c := inventory.NewHTTPClient(url, g, nil)
	for i := 0; i < 5; i++ {
		_, err := c.GetProduct(context.Background(), "p-1")
		require.Error(t, err)
	}
	_, err := c.GetProduct(context.Background(), "p-1")
	assert.ErrorIs(t, err, breaker.ErrOpen)
}
