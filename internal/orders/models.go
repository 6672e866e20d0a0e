package orders

import (
	"strings"
	"time"
)

const DefaultCurrency = "USD"

type Product struct {
	ID        string
	Name      string
	Stock     int
	UpdatedAt time.Time
}

type Order struct {
	ID                   string
	CustomerName         string
	ProductID            string
	Quantity             int
	Amount               int64 // minor units
	Currency             string
	Status               Status // moves only along CanTransition
	StatusMessage        string
	PaymentTransactionID *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TransitionTo moves the order to status to after consulting the status machine.
// On rejection the order is left untouched.
func (o *Order) TransitionTo(to Status, message string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.StatusMessage = message
	o.UpdatedAt = now
	return nil
}

// Compensable reports whether the order references stock that can be credited back.
func (o Order) Compensable() bool {
	return o.ProductID != "" && o.Quantity > 0
}

func (o Order) TransactionID() string {
	if o.PaymentTransactionID == nil {
		return ""
	}
	return *o.PaymentTransactionID
}

type CreateOrderInput struct {
	CustomerName string `json:"customerName"`
	ProductID    string `json:"productId"`
	Quantity     int    `json:"quantity"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

func (in *CreateOrderInput) Normalize() error {
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}
	switch {
	case in.CustomerName == "":
		return validationf("customer name is required")
	case in.ProductID == "":
		return validationf("product id is required")
	case in.Quantity <= 0:
		return validationf("quantity must be positive, got %d", in.Quantity)
	case in.Amount <= 0:
		return validationf("amount must be positive, got %d", in.Amount)
	case len(in.Currency) != 3:
		return validationf("currency must be a 3-letter code, got %q", in.Currency)
	}
	return nil
}

// Filter narrows order listings. Zero fields match everything.
type Filter struct {
	Status       Status
	CustomerName string
	ProductID    string
}

func (f Filter) Match(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.CustomerName != "" && o.CustomerName != f.CustomerName {
		return false
	}
	if f.ProductID != "" && o.ProductID != f.ProductID {
		return false
	}
	return true
}
