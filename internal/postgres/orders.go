package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const orderColumns = `id, customer_name, product_id, quantity, amount, currency, status,
	status_message, payment_transaction_id, created_at, updated_at`

type OrderRepo struct {
	q         querier
	forUpdate bool
}

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := row.Scan(&o.ID, &o.CustomerName, &o.ProductID, &o.Quantity, &o.Amount, &o.Currency, &status,
		&o.StatusMessage, &o.PaymentTransactionID, &o.CreatedAt, &o.UpdatedAt)
	o.Status = orders.Status(status)
	return o, err
}

func (r *OrderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if r.forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(r.q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	if err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (r *OrderRepo) List(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.CustomerName != "" {
		add("customer_name", f.CustomerName)
	}
	if f.ProductID != "" {
		add("product_id", f.ProductID)
	}
	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at, id`

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrderRepo) Insert(ctx context.Context, o orders.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders(id, customer_name, product_id, quantity, amount, currency, status,
			status_message, payment_transaction_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.CustomerName, o.ProductID, o.Quantity, o.Amount, o.Currency, string(o.Status),
		o.StatusMessage, o.PaymentTransactionID, o.CreatedAt, o.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidOperation, o.ID)
	}
	return err
}

// Update never touches amount or currency.
func (r *OrderRepo) Update(ctx context.Context, o orders.Order) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE orders SET status=$2, status_message=$3, payment_transaction_id=$4,
			customer_name=$5, product_id=$6, quantity=$7, updated_at=$8
		WHERE id=$1`,
		o.ID, string(o.Status), o.StatusMessage, o.PaymentTransactionID,
		o.CustomerName, o.ProductID, o.Quantity, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.OrderNotFound(o.ID)
	}
	return nil
}

func (r *OrderRepo) Delete(ctx context.Context, id string) error {
	ct, err := r.q.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.OrderNotFound(id)
	}
	return nil
}
