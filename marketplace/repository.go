package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads orders and user history from the marketplace schema.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetOrder fetches an order by its primary key.
func (r *PGRepository) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const query = `
		SELECT id, buyer_id, seller_id, status, COALESCE(tracking_number, ''),
		       estimated_delivery, delivered_at, total, currency, items
		FROM orders
		WHERE id = $1
	`

	var (
		o     Order
		items []byte
	)
	err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&o.ID,
		&o.BuyerID,
		&o.SellerID,
		&o.Status,
		&o.TrackingNumber,
		&o.EstimatedDelivery,
		&o.DeliveredAt,
		&o.Total,
		&o.Currency,
		&items,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("marketplace: query order: %w", err)
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return Order{}, fmt.Errorf("marketplace: decode items: %w", err)
		}
	}
	return o, nil
}

// UpdateOrderStatus sets the order status. Re-applying the same status is a
// no-op so callers may retry.
func (r *PGRepository) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	const query = `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, string(status), orderID)
	if err != nil {
		return fmt.Errorf("marketplace: update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PGRepository) CountDisputesByUser(ctx context.Context, userID, status string) (int, error) {
	query := `SELECT COUNT(*) FROM disputes WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}

	var n int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("marketplace: count disputes: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountOrdersByUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM orders WHERE buyer_id = $1 OR seller_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("marketplace: count orders: %w", err)
	}
	return n, nil
}

// GetSellerResponseRate returns the share of buyer messages the seller
// answered. Sellers without stats report zero.
func (r *PGRepository) GetSellerResponseRate(ctx context.Context, sellerID string) (float64, error) {
	const query = `SELECT response_rate FROM seller_stats WHERE seller_id = $1`
	var rate float64
	err := r.pool.QueryRow(ctx, query, sellerID).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("marketplace: seller response rate: %w", err)
	}
	return rate, nil
}
