package resolution

import (
	"context"

	"disputeflow/dispute"
)

// Payments moves escrowed funds. Both calls must be safe to repeat with the
// same idempotency key.
type Payments interface {
	Refund(ctx context.Context, buyerID string, amount float64, currency, idempotencyKey string) error
	Release(ctx context.Context, sellerID string, amount float64, currency, idempotencyKey string) error
}

// Chain settles an escrow contract and returns the transaction hash.
type Chain interface {
	ResolveOnChain(ctx context.Context, contractAddress string, decision dispute.Decision) (string, error)
}

// Moderation applies warnings, suspensions, rating impacts and fees.
type Moderation interface {
	ApplyAction(ctx context.Context, action, targetUserID, details string) error
}
