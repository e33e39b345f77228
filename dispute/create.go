package dispute

import (
	"math"
	"strings"
	"time"
)

// CreateParams carries the caller-supplied fields of a new dispute.
type CreateParams struct {
	BuyerID        string
	SellerID       string
	InitiatedBy    Party
	OrderID        string
	TransactionID  *string
	Category       Category
	Description    string
	DisputedAmount float64
	EscrowAmount   float64
	Currency       string

	BlockchainLocked     bool
	SmartContractAddress string
}

// Validate rejects malformed input before it reaches the state machine.
func (p CreateParams) Validate() error {
	switch {
	case strings.TrimSpace(p.BuyerID) == "":
		return invalid("buyer_id", "required")
	case strings.TrimSpace(p.SellerID) == "":
		return invalid("seller_id", "required")
	case p.BuyerID == p.SellerID:
		return invalid("seller_id", "buyer and seller must differ")
	case strings.TrimSpace(p.OrderID) == "":
		return invalid("order_id", "required")
	case p.InitiatedBy != PartyBuyer && p.InitiatedBy != PartySeller:
		return invalid("initiated_by", "must be buyer or seller")
	case !p.Category.Valid():
		return invalid("category", "unknown category "+string(p.Category))
	case strings.TrimSpace(p.Description) == "":
		return invalid("description", "required")
	case math.IsNaN(p.DisputedAmount) || p.DisputedAmount <= 0:
		return invalid("disputed_amount", "must be positive")
	case math.IsNaN(p.EscrowAmount) || p.EscrowAmount < 0:
		return invalid("escrow_amount", "must not be negative")
	case len(strings.TrimSpace(p.Currency)) != 3:
		return invalid("currency", "must be a three letter code")
	case p.BlockchainLocked && strings.TrimSpace(p.SmartContractAddress) == "":
		return invalid("smart_contract_address", "required when escrow is locked on chain")
	}
	return nil
}

// New builds an open dispute with its deadlines and creation entry.
// orderTotal feeds the priority derivation.
func New(id string, p CreateParams, orderTotal float64, now time.Time) *Dispute {
	now = now.UTC()
	d := &Dispute{
		ID:                   id,
		BuyerID:              p.BuyerID,
		SellerID:             p.SellerID,
		InitiatedBy:          p.InitiatedBy,
		OrderID:              p.OrderID,
		TransactionID:        clonePtr(p.TransactionID),
		Category:             p.Category,
		Description:          strings.TrimSpace(p.Description),
		DisputedAmount:       p.DisputedAmount,
		EscrowAmount:         p.EscrowAmount,
		Currency:             strings.ToUpper(strings.TrimSpace(p.Currency)),
		Status:               StatusOpen,
		Priority:             DerivePriority(orderTotal, p.Category),
		ResponseDeadline:     now.Add(ResponseWindow),
		EscalationDeadline:   now.Add(EscalationWindow),
		AutoCloseAt:          now.Add(AutoCloseWindow),
		BlockchainLocked:     p.BlockchainLocked,
		SmartContractAddress: strings.TrimSpace(p.SmartContractAddress),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	performer := d.partyID(p.InitiatedBy)
	d.Append(TimelineEntry{
		Action:      TimelineCreated,
		Description: "dispute opened by " + string(p.InitiatedBy),
		PerformedBy: &performer,
		Metadata: map[string]any{
			"category":        string(d.Category),
			"disputed_amount": d.DisputedAmount,
			"currency":        d.Currency,
			"priority":        string(d.Priority),
		},
		Timestamp: now,
	})
	return d
}

// DerivePriority computes the creation-time priority from the order total
// and category. It is not revisited as the dispute ages.
func DerivePriority(orderTotal float64, c Category) Priority {
	switch {
	case orderTotal >= 1000 || c == CategoryUnauthorizedCharge:
		return PriorityUrgent
	case orderTotal >= 500 || c == CategoryCounterfeitItem:
		return PriorityHigh
	case orderTotal >= 100 || c == CategoryItemNotReceived || c == CategoryDamagedItem:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (d *Dispute) partyID(p Party) string {
	if p == PartySeller {
		return d.SellerID
	}
	return d.BuyerID
}

// IsParty reports whether userID is the buyer or the seller.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.BuyerID || userID == d.SellerID)
}
