package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxRetries is the number of failed publish attempts after which an event is FAILED.
const MaxRetries = 5

var (
	ErrPermanentFailure = errors.New("outbox event permanently failed")
	ErrEventNotFound    = errors.New("outbox event not found")
	ErrStaleTransition  = errors.New("outbox event not in expected status")
)

type Type string

const (
	TypeOrderCreated      Type = "OrderCreated"
	TypeStockCompensation Type = "StockCompensation"
	TypeStockRestore      Type = "StockRestore"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the record may no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type Event struct {
	ID           string
	EventType    Type
	Status       Status
	Payload      []byte
	OrderID      string
	RetryCount   int
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ErrorMessage string
}

// NewEvent builds a PENDING record with payload serialized as JSON.
func NewEvent(t Type, orderID string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{
		ID:        uuid.NewString(),
		EventType: t,
		Status:    StatusPending,
		Payload:   b,
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// AfterFailure returns the retry count and status a record takes after one more
// failed publish attempt.
func AfterFailure(retryCount int) (int, Status) {
	retryCount++
	if retryCount >= MaxRetries {
		return retryCount, StatusFailed
	}
	return retryCount, StatusPending
}
