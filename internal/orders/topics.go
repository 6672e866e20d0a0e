package orders

const (
	TopicOrderCreated           = "order.created"
	TopicStockReserved          = "stock.reserved"
	TopicStockReservationFailed = "stock.reservation.failed"
	TopicStockCompensation      = "stock.compensation"
)

// PartitionKey keys every saga message by order so one order's events stay in one partition, in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
