package orders

import (
	"context"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
)

type Repository interface {
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	Insert(ctx context.Context, o Order) error
	// Update persists every mutable field of o. Amount and currency are never rewritten.
	Update(ctx context.Context, o Order) error
	Delete(ctx context.Context, id string) error
}

// Tx exposes the repositories bound to one open unit of work.
type Tx interface {
	Orders() Repository
	Outbox() outbox.Writer
}

// Store is the order persistence boundary. Reads through Orders run outside
// any unit of work; Do commits when fn returns nil and rolls back otherwise.
type Store interface {
	Orders() Repository
	Do(ctx context.Context, fn func(tx Tx) error) error
}
