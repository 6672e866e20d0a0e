// Package memstore keeps orders, outbox records and stock in memory. It
// implements the same ports as the postgres package and is used for tests and
// local runs without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
)

type Store struct {
	txMu sync.Mutex // one unit of work at a time

	mu         sync.RWMutex
	orders     map[string]orders.Order
	events     map[string]outbox.Event
	seq        map[string]int64
	nextSeq    int64
	products   map[string]orders.Product
	enqueueErr error

	now func() time.Time
}

func New() *Store {
	return &Store{
		orders:   map[string]orders.Order{},
		events:   map[string]outbox.Event{},
		seq:      map[string]int64{},
		products: map[string]orders.Product{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FailEnqueue makes every subsequent outbox enqueue fail with err. nil restores normal behaviour.
func (s *Store) FailEnqueue(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueErr = err
}

func (s *Store) Orders() orders.Repository { return committedOrders{s} }

func (s *Store) Do(ctx context.Context, fn func(tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{s: s, orders: map[string]*orders.Order{}}
	if err := fn(t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range t.orders {
		if o == nil {
			delete(s.orders, id)
			continue
		}
		s.orders[id] = cloneOrder(*o)
	}
	for _, ev := range t.events {
		s.nextSeq++
		s.seq[ev.ID] = s.nextSeq
		s.events[ev.ID] = ev
	}
}

func cloneOrder(o orders.Order) orders.Order {
	if o.PaymentTransactionID != nil {
		id := *o.PaymentTransactionID
		o.PaymentTransactionID = &id
	}
	return o
}

type committedOrders struct{ s *Store }

func (c committedOrders) Get(_ context.Context, id string) (orders.Order, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	o, ok := c.s.orders[id]
	if !ok {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	return cloneOrder(o), nil
}

func (c committedOrders) List(_ context.Context, f orders.Filter) ([]orders.Order, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]orders.Order, 0, len(c.s.orders))
	for _, o := range c.s.orders {
		if f.Match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (committedOrders) Insert(context.Context, orders.Order) error {
	return fmt.Errorf("%w: order writes need a unit of work", orders.ErrInvalidOperation)
}

func (committedOrders) Update(context.Context, orders.Order) error {
	return fmt.Errorf("%w: order writes need a unit of work", orders.ErrInvalidOperation)
}

func (committedOrders) Delete(context.Context, string) error {
	return fmt.Errorf("%w: order writes need a unit of work", orders.ErrInvalidOperation)
}

// tx stages writes until the unit of work commits. A nil entry is a delete.
type tx struct {
	s      *Store
	orders map[string]*orders.Order
	events []outbox.Event
}

func (t *tx) Orders() orders.Repository { return txOrders{t} }
func (t *tx) Outbox() outbox.Writer     { return txOutbox{t} }

type txOrders struct{ t *tx }

func (r txOrders) Get(ctx context.Context, id string) (orders.Order, error) {
	if o, ok := r.t.orders[id]; ok {
		if o == nil {
			return orders.Order{}, orders.OrderNotFound(id)
		}
		return cloneOrder(*o), nil
	}
	return committedOrders{r.t.s}.Get(ctx, id)
}

func (r txOrders) List(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	base, err := committedOrders{r.t.s}.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := base[:0]
	for _, o := range base {
		if _, staged := r.t.orders[o.ID]; !staged {
			out = append(out, o)
		}
	}
	for _, o := range r.t.orders {
		if o != nil && f.Match(*o) {
			out = append(out, cloneOrder(*o))
		}
	}
	return out, nil
}

func (r txOrders) Insert(ctx context.Context, o orders.Order) error {
	if _, err := r.Get(ctx, o.ID); err == nil {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidOperation, o.ID)
	}
	c := cloneOrder(o)
	r.t.orders[o.ID] = &c
	return nil
}

func (r txOrders) Update(ctx context.Context, o orders.Order) error {
	cur, err := r.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	c := cloneOrder(o)
	c.Amount, c.Currency, c.CreatedAt = cur.Amount, cur.Currency, cur.CreatedAt
	r.t.orders[o.ID] = &c
	return nil
}

func (r txOrders) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	r.t.orders[id] = nil
	return nil
}

type txOutbox struct{ t *tx }

func (w txOutbox) Enqueue(_ context.Context, e outbox.Event) error {
	w.t.s.mu.RLock()
	err := w.t.s.enqueueErr
	w.t.s.mu.RUnlock()
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = outbox.StatusPending
	}
	w.t.events = append(w.t.events, e)
	return nil
}

func (w txOutbox) OpenForOrder(_ context.Context, orderID string) (int, error) {
	n := 0
	for _, e := range w.t.events {
		if e.OrderID == orderID && !e.Status.Terminal() {
			n++
		}
	}
	w.t.s.mu.RLock()
	defer w.t.s.mu.RUnlock()
	for _, e := range w.t.s.events {
		if e.OrderID == orderID && !e.Status.Terminal() {
			n++
		}
	}
	return n, nil
}
