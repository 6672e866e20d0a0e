package outbox

import (
	"context"
	"time"
)

// Writer is the transactional side of the outbox. Implementations are only
// handed out inside a unit of work so every record commits with the business
// write it announces.
type Writer interface {
	Enqueue(ctx context.Context, e Event) error
	// OpenForOrder counts records of orderID that are not yet COMPLETED or FAILED.
	OpenForOrder(ctx context.Context, orderID string) (int, error)
}

// Store is the drain side used by the Publisher.
type Store interface {
	// FetchPending returns up to limit PENDING records, oldest first.
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, processedAt time.Time) error
	// MarkFailedOrRetry records a failed attempt and returns the updated record.
	MarkFailedOrRetry(ctx context.Context, id, errMsg string) (Event, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// RecoverProcessing returns PROCESSING records to PENDING without touching their retry count.
	RecoverProcessing(ctx context.Context) (int, error)
}
