package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StockRepo keeps product quantities for the inventory service.
type StockRepo struct{ DB *pgxpool.Pool }

func (r *StockRepo) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	var p orders.Product
	err := r.DB.QueryRow(ctx, `SELECT id, name, stock, updated_at FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("%w: product %s", orders.ErrNotFound, id)
	}
	return p, err
}

func (r *StockRepo) PutProduct(ctx context.Context, p orders.Product) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(id, name, stock) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, stock=EXCLUDED.stock, updated_at=now()`,
		p.ID, p.Name, p.Stock)
	return err
}

// Decrement lowers stock only when enough is available; the check and the
// write are one statement.
func (r *StockRepo) Decrement(ctx context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrValidation, qty)
	}
	var p orders.Product
	err := r.DB.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND stock >= $2
		RETURNING id, name, stock, updated_at`, productID, qty).
		Scan(&p.ID, &p.Name, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.GetProduct(ctx, productID)
		if gerr != nil {
			return orders.Product{}, gerr
		}
		return orders.Product{}, fmt.Errorf("%w: product %s has %d, need %d", orders.ErrInsufficientStock, productID, cur.Stock, qty)
	}
	return p, err
}

func (r *StockRepo) Increment(ctx context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrValidation, qty)
	}
	var p orders.Product
	err := r.DB.QueryRow(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id=$1
		RETURNING id, name, stock, updated_at`, productID, qty).
		Scan(&p.ID, &p.Name, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	return p, err
}
