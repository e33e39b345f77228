package assessment

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"disputeflow/dispute"
	"disputeflow/marketplace"
)

type fakeHistory struct {
	disputes     map[string]int
	orders       map[string]int
	responseRate float64
	err          error
}

func (f *fakeHistory) CountDisputesByUser(_ context.Context, userID, _ string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.disputes[userID], nil
}

func (f *fakeHistory) CountOrdersByUser(_ context.Context, userID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.orders[userID], nil
}

func (f *fakeHistory) GetSellerResponseRate(context.Context, string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.responseRate, nil
}

type stubCriterion struct {
	name   string
	weight float64
	fn     func(ctx context.Context, in Input) (Verdict, error)
}

func (s stubCriterion) Name() string    { return s.name }
func (s stubCriterion) Weight() float64 { return s.weight }

func (s stubCriterion) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	return s.fn(ctx, in)
}

func failing(name string, weight float64) Criterion {
	return stubCriterion{name: name, weight: weight, fn: func(context.Context, Input) (Verdict, error) {
		return Verdict{}, errors.New("data source down")
	}}
}

func fixed(name string, weight float64, satisfied bool, confidence float64) Criterion {
	return stubCriterion{name: name, weight: weight, fn: func(context.Context, Input) (Verdict, error) {
		return Verdict{Satisfied: satisfied, Confidence: confidence, Details: "stub"}, nil
	}}
}

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testDispute(category dispute.Category) *dispute.Dispute {
	return dispute.New("d-1", dispute.CreateParams{
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		InitiatedBy:    dispute.PartyBuyer,
		OrderID:        "order-1",
		Category:       category,
		Description:    "package never arrived",
		DisputedAmount: 100,
		EscrowAmount:   100,
		Currency:       "USD",
	}, 100, fixedNow.Add(-time.Hour))
}

func deliveredOrder() marketplace.Order {
	eta := fixedNow.Add(-48 * time.Hour)
	delivered := fixedNow.Add(-72 * time.Hour)
	return marketplace.Order{
		ID:                "order-1",
		BuyerID:           "buyer-1",
		SellerID:          "seller-1",
		Status:            marketplace.OrderDelivered,
		TrackingNumber:    "1Z999",
		EstimatedDelivery: &eta,
		DeliveredAt:       &delivered,
		Total:             100,
		Currency:          "USD",
	}
}

func newAggregator(t *testing.T, criteria []Criterion, history marketplace.HistoryLookup) *Aggregator {
	t.Helper()
	cfg, err := NewConfig(criteria, 50*time.Millisecond, 3)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return NewAggregator(cfg, history, nil).WithClock(func() time.Time { return fixedNow })
}

func TestAssessWithDefaultCriteria(t *testing.T) {
	history := &fakeHistory{
		disputes:     map[string]int{},
		orders:       map[string]int{"buyer-1": 10, "seller-1": 40},
		responseRate: 0.9,
	}
	agg := NewAggregator(DefaultConfig(), history, nil).WithClock(func() time.Time { return fixedNow })

	res, err := agg.Assess(context.Background(), testDispute(dispute.CategoryItemNotReceived), deliveredOrder())
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	// 25*.95 + 20 + 15*.8 + 10*.9 + 15 + 15 = 94.75
	if res.ConfidenceScore != 95 {
		t.Fatalf("expected confidence 95, got %d", res.ConfidenceScore)
	}
	if res.RecommendedAction != dispute.ActionAutoResolveSeller {
		t.Fatalf("expected auto_resolve_seller, got %s", res.RecommendedAction)
	}
	if len(res.CriteriaChecked) != 6 {
		t.Fatalf("expected 6 criteria, got %d", len(res.CriteriaChecked))
	}
	if !res.AssessedAt.Equal(fixedNow) {
		t.Fatalf("expected assessed at %v, got %v", fixedNow, res.AssessedAt)
	}
}

func TestWeightDenominatorIncludesFailedCriteria(t *testing.T) {
	configs := [][]Criterion{
		{fixed("a", 40, true, 100), failing("b", 60)},
		{failing("a", 10), failing("b", 20), fixed("c", 70, true, 50)},
		DefaultCriteria(),
	}
	for i, criteria := range configs {
		agg := newAggregator(t, criteria, &fakeHistory{err: errors.New("history offline")})
		res, err := agg.Assess(context.Background(), testDispute(dispute.CategoryOther), deliveredOrder())
		if err != nil {
			t.Fatalf("config %d: assess: %v", i, err)
		}
		var sum float64
		for _, r := range res.CriteriaChecked {
			sum += r.Weight
		}
		if math.Abs(sum-agg.cfg.TotalWeight()) > 1e-9 {
			t.Fatalf("config %d: expected weight sum %.2f, got %.2f", i, agg.cfg.TotalWeight(), sum)
		}
	}

	agg := newAggregator(t, []Criterion{fixed("a", 40, true, 100), failing("b", 60)}, nil)
	res, _ := agg.Assess(context.Background(), testDispute(dispute.CategoryOther), deliveredOrder())
	if res.ConfidenceScore != 40 {
		t.Fatalf("expected failed criterion to keep its weight in the denominator, got score %d", res.ConfidenceScore)
	}
}

func TestAssessAllCriteriaFailingEscalates(t *testing.T) {
	agg := newAggregator(t, []Criterion{failing("a", 50), failing("b", 50)}, nil)
	res, err := agg.Assess(context.Background(), testDispute(dispute.CategoryItemNotReceived), deliveredOrder())
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.ConfidenceScore != 0 {
		t.Fatalf("expected score 0, got %d", res.ConfidenceScore)
	}
	if res.RecommendedAction != dispute.ActionEscalateToAdmin {
		t.Fatalf("expected escalate_to_admin, got %s", res.RecommendedAction)
	}
	for _, r := range res.CriteriaChecked {
		if r.Satisfied || r.Confidence != 0 || r.Details != failedDetails {
			t.Fatalf("expected failed verdict, got %+v", r)
		}
	}
}

func TestAssessAbsorbsPanicsAndTimeouts(t *testing.T) {
	panicking := stubCriterion{name: "panics", weight: 30, fn: func(context.Context, Input) (Verdict, error) {
		panic("boom")
	}}
	slow := stubCriterion{name: "slow", weight: 30, fn: func(context.Context, Input) (Verdict, error) {
		time.Sleep(300 * time.Millisecond)
		return Verdict{Satisfied: true, Confidence: 100}, nil
	}}
	agg := newAggregator(t, []Criterion{panicking, slow, fixed("ok", 40, true, 100)}, nil)

	start := time.Now()
	res, err := agg.Assess(context.Background(), testDispute(dispute.CategoryOther), deliveredOrder())
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("expected slow criterion to be cut off, took %v", elapsed)
	}
	if res.ConfidenceScore != 40 {
		t.Fatalf("expected score 40, got %d", res.ConfidenceScore)
	}
	panicked, _ := res.Criterion("panics")
	if panicked.Details != failedDetails {
		t.Fatalf("expected panicking criterion to fail, got %+v", panicked)
	}
	timedOut, _ := res.Criterion("slow")
	if timedOut.Satisfied {
		t.Fatalf("expected slow criterion to be unsatisfied")
	}
}

func TestCriteriaCannotMutateDispute(t *testing.T) {
	mutating := stubCriterion{name: "mutates", weight: 100, fn: func(_ context.Context, in Input) (Verdict, error) {
		in.Dispute.Description = "rewritten"
		in.Dispute.Timeline = append(in.Dispute.Timeline, dispute.TimelineEntry{Action: "bogus"})
		return Verdict{Satisfied: true, Confidence: 100}, nil
	}}
	agg := newAggregator(t, []Criterion{mutating}, nil)
	d := testDispute(dispute.CategoryOther)
	if _, err := agg.Assess(context.Background(), d, deliveredOrder()); err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Description != "package never arrived" || len(d.Timeline) != 1 {
		t.Fatalf("expected dispute untouched, got description %q and %d entries", d.Description, len(d.Timeline))
	}
}

func TestAssessCanceledContextReturnsPipelineError(t *testing.T) {
	agg := newAggregator(t, []Criterion{fixed("a", 100, true, 100)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agg.Assess(ctx, testDispute(dispute.CategoryOther), deliveredOrder())
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.DisputeID != "d-1" || !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected pipeline error %v", perr)
	}
}

func TestDecideSellerCarveOutWinsOverBuyer(t *testing.T) {
	results := []dispute.CriterionResult{
		{Criterion: DeliveryConfirmation, Satisfied: true, Weight: 25, Confidence: 95},
	}
	action, reasoning := Decide(90, dispute.CategoryItemNotReceived, results)
	if action != dispute.ActionAutoResolveSeller {
		t.Fatalf("expected auto_resolve_seller, got %s", action)
	}
	if reasoning != "delivery evidence supports seller" {
		t.Fatalf("unexpected reasoning %q", reasoning)
	}

	results[0].Satisfied = false
	if action, _ := Decide(90, dispute.CategoryItemNotReceived, results); action != dispute.ActionAutoResolveBuyer {
		t.Fatalf("expected auto_resolve_buyer without delivery evidence, got %s", action)
	}
}

func TestDecideTable(t *testing.T) {
	timeline := []dispute.CriterionResult{{Criterion: DeliveryTimeline, Satisfied: true, Weight: 20, Confidence: 100}}
	cases := []struct {
		name     string
		score    int
		category dispute.Category
		want     dispute.Action
	}{
		{"late delivery within tolerance", 92, dispute.CategoryLateDelivery, dispute.ActionAutoResolveSeller},
		{"high confidence other", 85, dispute.CategoryDamagedItem, dispute.ActionAutoResolveBuyer},
		{"high boundary late delivery", 85, dispute.CategoryLateDelivery, dispute.ActionAutoResolveSeller},
		{"medium", 75, dispute.CategoryLateDelivery, dispute.ActionRequestMoreInfo},
		{"medium boundary", 70, dispute.CategoryOther, dispute.ActionRequestMoreInfo},
		{"just below high", 84, dispute.CategoryItemNotReceived, dispute.ActionRequestMoreInfo},
		{"low", 60, dispute.CategoryOther, dispute.ActionEscalateToAdmin},
		{"zero", 0, dispute.CategoryLateDelivery, dispute.ActionEscalateToAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, _ := Decide(tc.score, tc.category, timeline); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCriterionConfidenceDrivers(t *testing.T) {
	ctx := context.Background()
	d := testDispute(dispute.CategoryLateDelivery)

	eta := fixedNow.Add(-10 * 24 * time.Hour)
	late := marketplace.Order{Status: marketplace.OrderShipped, EstimatedDelivery: &eta, Total: 750}
	v, _ := deliveryTimeline{weight: 20}.Evaluate(ctx, Input{Dispute: d, Order: late, Now: fixedNow})
	if v.Satisfied || v.Confidence != 0 {
		t.Fatalf("expected 10 days late to fail with confidence 0, got %+v", v)
	}

	v, _ = deliveryConfirmation{weight: 25}.Evaluate(ctx, Input{Dispute: d, Order: late})
	if v.Satisfied || v.Confidence != 20 {
		t.Fatalf("expected untracked order to fail with confidence 20, got %+v", v)
	}

	v, _ = transactionValue{weight: 10, highValue: 500}.Evaluate(ctx, Input{Dispute: d, Order: late})
	if v.Satisfied || v.Confidence != 25 {
		t.Fatalf("expected high value order to fail with confidence 25, got %+v", v)
	}

	history := &fakeHistory{
		disputes: map[string]int{"buyer-1": 1, "seller-1": 1},
		orders:   map[string]int{"buyer-1": 5, "seller-1": 50},
	}
	v, _ = buyerCredibility{weight: 15}.Evaluate(ctx, Input{Dispute: d, History: history})
	if v.Satisfied || v.Confidence != 0 {
		t.Fatalf("expected buyer rate 0.2 to fail, got %+v", v)
	}
	v, _ = sellerCredibility{weight: 15}.Evaluate(ctx, Input{Dispute: d, History: history})
	if !v.Satisfied || math.Abs(v.Confidence-80) > 1e-6 {
		t.Fatalf("expected seller rate 0.02 to pass with confidence 80, got %+v", v)
	}
	v, _ = sellerResponsiveness{weight: 15}.Evaluate(ctx, Input{Dispute: d, History: history})
	if v.Satisfied || v.Confidence != 80 {
		t.Fatalf("expected seller without stats to be unresponsive, got %+v", v)
	}
}

func TestLateDeliveryWithoutEstimateNotDecidedForSeller(t *testing.T) {
	history := &fakeHistory{
		disputes:     map[string]int{},
		orders:       map[string]int{"buyer-1": 10, "seller-1": 40},
		responseRate: 0.9,
	}
	agg := NewAggregator(DefaultConfig(), history, nil).WithClock(func() time.Time { return fixedNow })

	order := deliveredOrder()
	order.EstimatedDelivery = nil
	order.Total = 10
	res, err := agg.Assess(context.Background(), testDispute(dispute.CategoryLateDelivery), order)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	for _, c := range res.CriteriaChecked {
		if c.Criterion == DeliveryTimeline && c.Satisfied {
			t.Fatalf("expected timeline unsatisfied without an estimate, got %+v", c)
		}
	}
	// 25*.95 + 0 + 15*.8 + 10*.99 + 15 + 15 = 75.65
	if res.ConfidenceScore != 76 {
		t.Fatalf("expected confidence 76, got %d", res.ConfidenceScore)
	}
	if res.RecommendedAction != dispute.ActionRequestMoreInfo {
		t.Fatalf("expected request_more_info, got %s", res.RecommendedAction)
	}
}

func TestNewConfigRejectsBadTables(t *testing.T) {
	if _, err := NewConfig(nil, 0, 0); !errors.Is(err, ErrNoCriteria) {
		t.Fatalf("expected ErrNoCriteria, got %v", err)
	}
	if _, err := NewConfig([]Criterion{fixed("a", 0, true, 1)}, 0, 0); !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
	if _, err := NewConfig([]Criterion{fixed("a", 1, true, 1), fixed("a", 2, true, 1)}, 0, 0); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if got := DefaultConfig().TotalWeight(); got != TotalWeight {
		t.Fatalf("expected default total %.0f, got %.2f", TotalWeight, got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	good := write("good.yaml", `
weights:
  delivery_confirmation: 30
  delivery_timeline: 15
high_value_threshold: 1000
`)
	cfg, err := LoadConfig(good, time.Second, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TotalWeight() != TotalWeight || cfg.Workers() != 2 {
		t.Fatalf("unexpected config total=%.2f workers=%d", cfg.TotalWeight(), cfg.Workers())
	}
	for _, c := range cfg.Criteria() {
		if c.Name() == DeliveryConfirmation && c.Weight() != 30 {
			t.Fatalf("expected override weight 30, got %.2f", c.Weight())
		}
		if tv, ok := c.(transactionValue); ok && tv.highValue != 1000 {
			t.Fatalf("expected high value threshold 1000, got %.2f", tv.highValue)
		}
	}

	bad := write("bad.yaml", "weights:\n  delivery_confirmation: 50\n")
	if _, err := LoadConfig(bad, 0, 0); !errors.Is(err, ErrWeightTotal) {
		t.Fatalf("expected ErrWeightTotal, got %v", err)
	}
	unknown := write("unknown.yaml", "weights:\n  vibes: 10\n")
	if _, err := LoadConfig(unknown, 0, 0); !errors.Is(err, ErrUnknownCriterion) {
		t.Fatalf("expected ErrUnknownCriterion, got %v", err)
	}
}
