package marketplace

import (
	"context"
	"errors"
)

var ErrOrderNotFound = errors.New("marketplace: order not found")

// OrderLookup reads orders owned by the surrounding marketplace.
type OrderLookup interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// OrderUpdater applies order status changes decided by a resolution.
type OrderUpdater interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error
}

// HistoryLookup exposes the read-only user history criteria score against.
// An empty status counts disputes in every status.
type HistoryLookup interface {
	CountDisputesByUser(ctx context.Context, userID, status string) (int, error)
	CountOrdersByUser(ctx context.Context, userID string) (int, error)
	GetSellerResponseRate(ctx context.Context, sellerID string) (float64, error)
}
