package orders

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusStockReserved Status = "STOCK_RESERVED"
	StatusPaid          Status = "PAID"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
	StatusPaymentError  Status = "PAYMENT_ERROR"
	StatusRefunded      Status = "REFUNDED"
	StatusRefundFailed  Status = "REFUND_FAILED"
	StatusRefundError   Status = "REFUND_ERROR"
	StatusCancelled     Status = "CANCELLED"
	StatusFailed        Status = "FAILED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusStockReserved, StatusPaid, StatusPaymentFailed, StatusPaymentError,
	StatusRefunded, StatusRefundFailed, StatusRefundError, StatusCancelled, StatusFailed,
}

var paymentRetry = map[Status]bool{
	StatusPaid: true, StatusPaymentFailed: true, StatusPaymentError: true, StatusCancelled: true, StatusFailed: true,
}

var refundRetry = map[Status]bool{
	StatusRefunded: true, StatusRefundFailed: true, StatusRefundError: true,
}

var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusStockReserved: true, StatusFailed: true, StatusPaymentFailed: true,
		StatusPaymentError: true, StatusCancelled: true,
	},
	StatusStockReserved: {
		StatusPaid: true, StatusPaymentFailed: true, StatusPaymentError: true, StatusCancelled: true,
	},
	StatusPaymentFailed: paymentRetry,
	StatusPaymentError:  paymentRetry,
	StatusPaid: {
		StatusRefunded: true, StatusRefundFailed: true, StatusRefundError: true, StatusCancelled: true,
	},
	StatusRefundFailed: refundRetry,
	StatusRefundError:  refundRetry,
	StatusRefunded:     {},
	StatusCancelled:    {},
	StatusFailed:       {},
}

// CanTransition reports whether an order in status from may move to status to.
// Unknown statuses never transition.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// HoldsStock reports whether an order in status s still has inventory decremented for it.
func (s Status) HoldsStock() bool {
	return s == StatusStockReserved || s == StatusPaid
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", validationf("unknown status %q", s)
	}
	return st, nil
}
