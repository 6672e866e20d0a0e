package postgres

import (
	"context"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements orders.Store. Each unit of work is one database
// transaction; rows re-read inside it are locked FOR UPDATE.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) Orders() orders.Repository { return &OrderRepo{q: s.DB} }

func (s *Store) Do(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(txRepos{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txRepos struct{ tx pgx.Tx }

func (t txRepos) Orders() orders.Repository { return &OrderRepo{q: t.tx, forUpdate: true} }
func (t txRepos) Outbox() outbox.Writer     { return &outboxWriter{q: t.tx} }
