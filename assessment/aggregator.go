package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
	"disputeflow/marketplace"
)

// Confidence bands of the decision table.
const (
	HighConfidence   = 85
	MediumConfidence = 70
)

const failedDetails = "evaluation failed"

// Aggregator runs the configured criteria for a dispute and turns their
// verdicts into a single score and recommended action.
type Aggregator struct {
	cfg     Config
	history marketplace.HistoryLookup
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewAggregator creates an aggregator that runs the criteria in cfg.
func NewAggregator(cfg Config, history marketplace.HistoryLookup, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:     cfg,
		history: history,
		logger:  logger,
		tracer:  otel.Tracer("disputeflow/assessment"),
		now:     time.Now,
	}
}

// WithClock overrides the time source used for AssessedAt.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Assess evaluates every criterion concurrently and waits for all of them.
// A failing, panicking or slow criterion only loses its own weight. The
// returned error is a *PipelineError and is only produced when ctx ends
// before the criteria report.
func (a *Aggregator) Assess(ctx context.Context, d *dispute.Dispute, order marketplace.Order) (dispute.AssessmentResult, error) {
	ctx, span := a.tracer.Start(ctx, "assessment.assess", trace.WithAttributes(
		attribute.String("dispute.id", d.ID),
		attribute.String("dispute.category", string(d.Category)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "context done")
		return dispute.AssessmentResult{}, &PipelineError{DisputeID: d.ID, Stage: "assess", Err: err}
	}

	now := a.now().UTC()
	criteria := a.cfg.Criteria()
	results := make([]dispute.CriterionResult, len(criteria))

	var g errgroup.Group
	g.SetLimit(a.cfg.Workers())
	for i, c := range criteria {
		in := Input{Dispute: d.Clone(), Order: order, History: a.history, Now: now}
		g.Go(func() error {
			results[i] = a.evaluate(ctx, c, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "context done")
		return dispute.AssessmentResult{}, &PipelineError{DisputeID: d.ID, Stage: "assess", Err: err}
	}

	score := Score(results)
	action, reasoning := Decide(score, d.Category, results)
	span.SetAttributes(
		attribute.Int("assessment.confidence", score),
		attribute.String("assessment.action", string(action)),
	)
	a.logger.InfoContext(ctx, "assessment completed",
		"dispute_id", d.ID,
		"confidence_score", score,
		"recommended_action", action,
	)
	return dispute.AssessmentResult{
		CriteriaChecked:   results,
		ConfidenceScore:   score,
		RecommendedAction: action,
		Reasoning:         reasoning,
		AssessedAt:        now,
	}, nil
}

type outcome struct {
	verdict Verdict
	err     error
}

func (a *Aggregator) evaluate(ctx context.Context, c Criterion, in Input) dispute.CriterionResult {
	res := dispute.CriterionResult{Criterion: c.Name(), Weight: c.Weight()}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CriterionTimeout())
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := c.Evaluate(cctx, in)
		done <- outcome{verdict: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-cctx.Done():
		out.err = cctx.Err()
	}
	if out.err == nil && math.IsNaN(out.verdict.Confidence) {
		out.err = fmt.Errorf("confidence is not a number")
	}
	if out.err != nil {
		err := &CriterionError{Criterion: c.Name(), Err: out.err}
		a.logger.WarnContext(ctx, "criterion evaluation failed",
			"dispute_id", in.Dispute.ID,
			"criterion", c.Name(),
			"error", err,
		)
		res.Details = failedDetails
		return res
	}

	res.Satisfied = out.verdict.Satisfied
	res.Confidence = clamp(out.verdict.Confidence)
	res.Details = out.verdict.Details
	return res
}

// Score combines criterion results into a 0..100 confidence. Every result
// contributes its weight to the denominator whether or not it succeeded.
func Score(results []dispute.CriterionResult) int {
	var weighted, total float64
	for _, r := range results {
		total += r.Weight
		if r.Satisfied {
			weighted += r.Weight * clamp(r.Confidence) / 100
		}
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * weighted / total))
}

// Decide applies the decision table. Rows are checked in order and the
// first match wins, so the seller carve-outs take precedence over the
// generic high-confidence refund.
func Decide(score int, category dispute.Category, results []dispute.CriterionResult) (dispute.Action, string) {
	satisfied := func(name string) bool {
		for _, r := range results {
			if r.Criterion == name {
				return r.Satisfied
			}
		}
		return false
	}

	switch {
	case score >= HighConfidence && category == dispute.CategoryItemNotReceived && satisfied(DeliveryConfirmation):
		return dispute.ActionAutoResolveSeller, "delivery evidence supports seller"
	case score >= HighConfidence && category == dispute.CategoryLateDelivery && satisfied(DeliveryTimeline):
		return dispute.ActionAutoResolveSeller, "delivery timeline supports seller"
	case score >= HighConfidence:
		return dispute.ActionAutoResolveBuyer, "evidence supports buyer's claim"
	case score >= MediumConfidence:
		return dispute.ActionRequestMoreInfo, fmt.Sprintf("confidence %d requires additional evidence", score)
	default:
		return dispute.ActionEscalateToAdmin, fmt.Sprintf("confidence %d too low for automated resolution", score)
	}
}
