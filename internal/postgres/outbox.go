package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type outboxWriter struct{ q querier }

func (w *outboxWriter) Enqueue(ctx context.Context, e outbox.Event) error {
	if e.Status == "" {
		e.Status = outbox.StatusPending
	}
	_, err := w.q.Exec(ctx, `
		INSERT INTO outbox_events(id, event_type, status, payload, order_id, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, string(e.EventType), string(e.Status), e.Payload, e.OrderID, e.RetryCount, e.CreatedAt)
	return err
}

func (w *outboxWriter) OpenForOrder(ctx context.Context, orderID string) (int, error) {
	var n int
	err := w.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events
		WHERE order_id=$1 AND status NOT IN ('COMPLETED','FAILED')`, orderID).Scan(&n)
	return n, err
}

// OutboxStore is the drain side of the outbox table.
type OutboxStore struct{ DB *pgxpool.Pool }

const eventColumns = `id, event_type, status, payload, order_id, retry_count, created_at, processed_at, error_message`

func scanEvent(row pgx.Row) (outbox.Event, error) {
	var (
		e          outbox.Event
		typ, state string
	)
	err := row.Scan(&e.ID, &typ, &state, &e.Payload, &e.OrderID, &e.RetryCount, &e.CreatedAt, &e.ProcessedAt, &e.ErrorMessage)
	e.EventType, e.Status = outbox.Type(typ), outbox.Status(state)
	return e, err
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE status='PENDING'
		ORDER BY created_at, seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkProcessing(ctx context.Context, id string) error {
	return s.move(ctx, id, outbox.StatusPending, `UPDATE outbox_events SET status='PROCESSING' WHERE id=$1 AND status='PENDING'`, id)
}

func (s *OutboxStore) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	return s.move(ctx, id, outbox.StatusProcessing, `
		UPDATE outbox_events SET status='COMPLETED', processed_at=$2, error_message=''
		WHERE id=$1 AND status='PROCESSING'`, id, processedAt)
}

func (s *OutboxStore) move(ctx context.Context, id string, from outbox.Status, sql string, args ...any) error {
	ct, err := s.DB.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	return s.staleErr(ctx, id, from)
}

// MarkFailedOrRetry bumps retry_count and parks the record as FAILED once it
// reaches the maximum, in a single statement.
func (s *OutboxStore) MarkFailedOrRetry(ctx context.Context, id, errMsg string) (outbox.Event, error) {
	e, err := scanEvent(s.DB.QueryRow(ctx, `
		UPDATE outbox_events SET
			retry_count   = retry_count + 1,
			status        = CASE WHEN retry_count + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END,
			processed_at  = CASE WHEN retry_count + 1 >= $2 THEN now() ELSE processed_at END,
			error_message = $3
		WHERE id=$1 AND status='PROCESSING'
		RETURNING `+eventColumns, id, outbox.MaxRetries, errMsg))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Event{}, s.staleErr(ctx, id, outbox.StatusProcessing)
	}
	return e, err
}

func (s *OutboxStore) RecoverProcessing(ctx context.Context) (int, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE outbox_events SET status='PENDING' WHERE status='PROCESSING'`)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.DB.Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[outbox.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[outbox.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *OutboxStore) staleErr(ctx context.Context, id string, want outbox.Status) error {
	var st string
	err := s.DB.QueryRow(ctx, `SELECT status FROM outbox_events WHERE id=$1`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, want %s", outbox.ErrStaleTransition, id, st, want)
}
