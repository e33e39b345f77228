package marketplace

import "time"

// OrderStatus mirrors the orders.status column.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is the subset of an order the dispute engine reads.
type Order struct {
	ID                string
	BuyerID           string
	SellerID          string
	Status            OrderStatus
	TrackingNumber    string
	EstimatedDelivery *time.Time
	DeliveredAt       *time.Time
	Total             float64
	Currency          string
	Items             []Item
}

type Item struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice float64
}

// HasTracking reports whether a carrier tracking number was recorded.
func (o Order) HasTracking() bool {
	return o.TrackingNumber != ""
}
