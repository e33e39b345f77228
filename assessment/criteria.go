package assessment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"disputeflow/dispute"
	"disputeflow/marketplace"
)

// Criterion names.
const (
	DeliveryConfirmation  = "delivery_confirmation"
	DeliveryTimeline      = "delivery_timeline"
	SellerResponsiveness  = "seller_responsiveness"
	TransactionValue      = "transaction_value"
	BuyerCredibility      = "buyer_credibility"
	SellerCredibility     = "seller_credibility"
	DefaultHighValueLimit = 500.0
)

var errNoHistory = errors.New("assessment: history lookup unavailable")

// Input is everything a criterion may read. Each criterion receives its own
// copy of the dispute and must treat all fields as read-only.
type Input struct {
	Dispute *dispute.Dispute
	Order   marketplace.Order
	History marketplace.HistoryLookup
	Now     time.Time
}

// Verdict is the partial result of one criterion. Confidence is 0..100.
type Verdict struct {
	Satisfied  bool
	Confidence float64
	Details    string
}

// Criterion is one independently evaluated signal with a fixed weight.
type Criterion interface {
	Name() string
	Weight() float64
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

type deliveryConfirmation struct{ weight float64 }

func (c deliveryConfirmation) Name() string    { return DeliveryConfirmation }
func (c deliveryConfirmation) Weight() float64 { return c.weight }

func (c deliveryConfirmation) Evaluate(_ context.Context, in Input) (Verdict, error) {
	tracked := in.Order.HasTracking()
	delivered := in.Order.Status == marketplace.OrderDelivered
	v := Verdict{Satisfied: tracked && delivered, Confidence: 20}
	if tracked {
		v.Confidence = 95
	}
	switch {
	case v.Satisfied:
		v.Details = fmt.Sprintf("order delivered with tracking %s", in.Order.TrackingNumber)
	case tracked:
		v.Details = fmt.Sprintf("tracking %s present but order is %s", in.Order.TrackingNumber, in.Order.Status)
	default:
		v.Details = "no tracking number on order"
	}
	return v, nil
}

// maxLateDays is the lateness tolerated before the timeline criterion fails.
const maxLateDays = 7

type deliveryTimeline struct{ weight float64 }

func (c deliveryTimeline) Name() string    { return DeliveryTimeline }
func (c deliveryTimeline) Weight() float64 { return c.weight }

func (c deliveryTimeline) Evaluate(_ context.Context, in Input) (Verdict, error) {
	// Without an estimate lateness cannot be shown either way.
	if in.Order.EstimatedDelivery == nil {
		return Verdict{Satisfied: false, Confidence: 50, Details: "no estimated delivery date"}, nil
	}
	ref := in.Now
	if in.Order.DeliveredAt != nil {
		ref = *in.Order.DeliveredAt
	}
	daysLate := 0
	if late := ref.Sub(*in.Order.EstimatedDelivery); late > 0 {
		daysLate = int(late / (24 * time.Hour))
	}
	return Verdict{
		Satisfied:  daysLate < maxLateDays,
		Confidence: clamp(100 - 10*float64(daysLate)),
		Details:    fmt.Sprintf("%d days late", daysLate),
	}, nil
}

type sellerResponsiveness struct{ weight float64 }

func (c sellerResponsiveness) Name() string    { return SellerResponsiveness }
func (c sellerResponsiveness) Weight() float64 { return c.weight }

func (c sellerResponsiveness) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if in.History == nil {
		return Verdict{}, errNoHistory
	}
	rate, err := in.History.GetSellerResponseRate(ctx, in.Dispute.SellerID)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Satisfied:  rate > 0.7,
		Confidence: 80,
		Details:    fmt.Sprintf("seller response rate %.2f", rate),
	}, nil
}

type transactionValue struct {
	weight    float64
	highValue float64
}

func (c transactionValue) Name() string    { return TransactionValue }
func (c transactionValue) Weight() float64 { return c.weight }

func (c transactionValue) Evaluate(_ context.Context, in Input) (Verdict, error) {
	total := in.Order.Total
	return Verdict{
		Satisfied:  total <= c.highValue,
		Confidence: clamp(100 * (1 - total/(2*c.highValue))),
		Details:    fmt.Sprintf("order total %.2f against limit %.2f", total, c.highValue),
	}, nil
}

type buyerCredibility struct{ weight float64 }

func (c buyerCredibility) Name() string    { return BuyerCredibility }
func (c buyerCredibility) Weight() float64 { return c.weight }

func (c buyerCredibility) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	rate, err := disputeRate(ctx, in.History, in.Dispute.BuyerID)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Satisfied:  rate < 0.10,
		Confidence: clamp(100 - rate*500),
		Details:    fmt.Sprintf("buyer dispute rate %.3f", rate),
	}, nil
}

type sellerCredibility struct{ weight float64 }

func (c sellerCredibility) Name() string    { return SellerCredibility }
func (c sellerCredibility) Weight() float64 { return c.weight }

func (c sellerCredibility) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	rate, err := disputeRate(ctx, in.History, in.Dispute.SellerID)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Satisfied:  rate < 0.05,
		Confidence: clamp(100 - rate*1000),
		Details:    fmt.Sprintf("seller dispute rate %.3f", rate),
	}, nil
}

func disputeRate(ctx context.Context, h marketplace.HistoryLookup, userID string) (float64, error) {
	if h == nil {
		return 0, errNoHistory
	}
	disputes, err := h.CountDisputesByUser(ctx, userID, "")
	if err != nil {
		return 0, err
	}
	orders, err := h.CountOrdersByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if orders < 1 {
		orders = 1
	}
	return float64(disputes) / float64(orders), nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
