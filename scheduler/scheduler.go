package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"disputeflow/assessment"
	"disputeflow/dispute"
	"disputeflow/marketplace"
	"disputeflow/notify"
)

const (
	DefaultSettleDelay       = 5 * time.Second
	DefaultAssessmentTimeout = 30 * time.Second
)

// FailSafeReason is recorded when an assessment cannot complete.
const FailSafeReason = "automated assessment failed"

var (
	ErrShutdown  = errors.New("scheduler: shut down")
	errSkipped   = errors.New("scheduler: dispute no longer open")
	errNotActive = errors.New("scheduler: dispute no longer awaiting assessment")
)

// Assessor scores a dispute. *assessment.Aggregator satisfies it.
type Assessor interface {
	Assess(ctx context.Context, d *dispute.Dispute, order marketplace.Order) (dispute.AssessmentResult, error)
}

type Options struct {
	SettleDelay       time.Duration
	AssessmentTimeout time.Duration
}

// Scheduler runs the automated assessment of each new dispute once, after a
// settle delay, and escalates the dispute when the run fails.
type Scheduler struct {
	store    dispute.Store
	orders   marketplace.OrderLookup
	assessor Assessor
	executor dispute.Executor
	notifier notify.Notifier
	tracker  Tracker
	logger   *slog.Logger
	tracer   trace.Tracer

	settleDelay       time.Duration
	assessmentTimeout time.Duration
	newBackOff        func() backoff.BackOff
	now               func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler that assesses disputes after opts.SettleDelay.
func New(store dispute.Store, orders marketplace.OrderLookup, assessor Assessor, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.AssessmentTimeout <= 0 {
		opts.AssessmentTimeout = DefaultAssessmentTimeout
	}
	s := &Scheduler{
		store:             store,
		orders:            orders,
		assessor:          assessor,
		tracker:           NewMemoryTracker(),
		logger:            logger,
		tracer:            otel.Tracer("disputeflow/scheduler"),
		settleDelay:       opts.SettleDelay,
		assessmentTimeout: opts.AssessmentTimeout,
		now:               time.Now,
		timers:            make(map[string]*time.Timer),
	}
	return s.WithRetry(5, 100*time.Millisecond)
}

// WithExecutor sets the executor run after an automated resolution.
func (s *Scheduler) WithExecutor(ex dispute.Executor) *Scheduler {
	s.executor = ex
	return s
}

func (s *Scheduler) WithNotifier(n notify.Notifier) *Scheduler {
	s.notifier = n
	return s
}

func (s *Scheduler) WithTracker(t Tracker) *Scheduler {
	s.tracker = t
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithRetry configures the backoff used for the fail-safe escalation.
func (s *Scheduler) WithRetry(maxRetries uint64, initial time.Duration) *Scheduler {
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, maxRetries)
	}
	return s
}

// Schedule arms the assessment of disputeID after the settle delay. A
// dispute that already has a pending timer is not armed twice.
func (s *Scheduler) Schedule(_ context.Context, disputeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if _, armed := s.timers[disputeID]; armed {
		return nil
	}
	s.wg.Add(1)
	s.timers[disputeID] = time.AfterFunc(s.settleDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, disputeID)
		s.mu.Unlock()
		_ = s.Run(context.Background(), disputeID)
	})
	return nil
}

// Shutdown stops pending timers and waits for running assessments.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the assessment of disputeID now. It is safe against
// duplicate delivery: a dispute that is no longer open, or whose assessment
// is already in flight, is skipped. Failures escalate the dispute.
func (s *Scheduler) Run(ctx context.Context, disputeID string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("dispute.id", disputeID),
	))
	defer span.End()

	acquired, err := s.tracker.Acquire(ctx, disputeID, 2*s.assessmentTimeout)
	if err != nil {
		// The open -> auto_assessment claim below still serializes runs.
		s.logger.WarnContext(ctx, "in-flight tracker unavailable", "dispute_id", disputeID, "error", err)
	} else if !acquired {
		s.logger.InfoContext(ctx, "assessment already in flight", "dispute_id", disputeID)
		return nil
	} else {
		defer func() {
			if err := s.tracker.Release(context.WithoutCancel(ctx), disputeID); err != nil {
				s.logger.WarnContext(ctx, "release in-flight marker failed", "dispute_id", disputeID, "error", err)
			}
		}()
	}

	err = s.assess(ctx, disputeID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSkipped):
		s.logger.InfoContext(ctx, "assessment skipped", "dispute_id", disputeID, "reason", err)
		return nil
	case errors.Is(err, dispute.ErrNotFound):
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "assessment failed")
	s.logger.ErrorContext(ctx, "automated assessment failed", "dispute_id", disputeID, "error", err)
	s.failSafe(ctx, disputeID)
	return err
}

func (s *Scheduler) assess(ctx context.Context, disputeID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &assessment.PipelineError{DisputeID: disputeID, Stage: "assess", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	d, err := s.store.Update(ctx, disputeID, func(d *dispute.Dispute) error {
		if d.Status != dispute.StatusOpen {
			return errSkipped
		}
		return d.Transition(dispute.StatusAutoAssessment, nil, "automated assessment started", true, s.now().UTC())
	})
	if err != nil {
		if errors.Is(err, errSkipped) || errors.Is(err, dispute.ErrNotFound) {
			return err
		}
		return &assessment.PipelineError{DisputeID: disputeID, Stage: "claim", Err: err}
	}

	actx, cancel := context.WithTimeout(ctx, s.assessmentTimeout)
	defer cancel()

	order, err := s.orders.GetOrder(actx, d.OrderID)
	if err != nil {
		return &assessment.PipelineError{DisputeID: disputeID, Stage: "load order", Err: err}
	}
	result, err := s.assessor.Assess(actx, d, order)
	if err != nil {
		return err
	}
	if result.ConfidenceScore < 0 || result.ConfidenceScore > 100 {
		return &assessment.PipelineError{DisputeID: disputeID, Stage: "assess", Err: fmt.Errorf("confidence %d out of range", result.ConfidenceScore)}
	}

	d, err = s.store.Update(ctx, disputeID, func(d *dispute.Dispute) error {
		d.RecordAssessment(result, false)
		if d.Status != dispute.StatusAutoAssessment {
			return nil
		}
		return applyAction(d, result, s.now().UTC())
	})
	if err != nil {
		return &assessment.PipelineError{DisputeID: disputeID, Stage: "apply", Err: err}
	}
	s.logger.InfoContext(ctx, "assessment applied",
		"dispute_id", disputeID,
		"confidence_score", result.ConfidenceScore,
		"recommended_action", result.RecommendedAction,
		"status", d.Status,
	)

	if d.Status == dispute.StatusResolved && s.executor != nil {
		if err := s.executor.Execute(ctx, disputeID); err != nil {
			s.logger.ErrorContext(ctx, "resolution execution incomplete", "dispute_id", disputeID, "error", err)
		}
	}
	s.notifyParties(ctx, d)
	return nil
}

// Reassess reruns the criteria for a dispute that is still being decided and
// replaces its stored assessment. Unlike Run it never moves the dispute: the
// fresh result is advice for the reviewing admin.
func (s *Scheduler) Reassess(ctx context.Context, disputeID string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.reassess", trace.WithAttributes(
		attribute.String("dispute.id", disputeID),
	))
	defer span.End()

	acquired, err := s.tracker.Acquire(ctx, disputeID, 2*s.assessmentTimeout)
	if err != nil {
		s.logger.WarnContext(ctx, "in-flight tracker unavailable", "dispute_id", disputeID, "error", err)
	} else if !acquired {
		return fmt.Errorf("%w: assessment already in flight", dispute.ErrNotReassessable)
	} else {
		defer func() {
			if err := s.tracker.Release(context.WithoutCancel(ctx), disputeID); err != nil {
				s.logger.WarnContext(ctx, "release in-flight marker failed", "dispute_id", disputeID, "error", err)
			}
		}()
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if !reassessable(d.Status) {
		return fmt.Errorf("%w: status %s", dispute.ErrNotReassessable, d.Status)
	}

	actx, cancel := context.WithTimeout(ctx, s.assessmentTimeout)
	defer cancel()
	order, err := s.orders.GetOrder(actx, d.OrderID)
	if err != nil {
		return &assessment.PipelineError{DisputeID: disputeID, Stage: "load order", Err: err}
	}
	result, err := s.assessor.Assess(actx, d, order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reassessment failed")
		return err
	}

	_, err = s.store.Update(ctx, disputeID, func(d *dispute.Dispute) error {
		if !reassessable(d.Status) {
			return fmt.Errorf("%w: status %s", dispute.ErrNotReassessable, d.Status)
		}
		d.RecordAssessment(result, true)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "assessment rerun",
		"dispute_id", disputeID,
		"confidence_score", result.ConfidenceScore,
		"recommended_action", result.RecommendedAction,
	)
	return nil
}

func reassessable(status dispute.Status) bool {
	switch status {
	case dispute.StatusPendingEvidence, dispute.StatusUnderReview, dispute.StatusAdminReview:
		return true
	}
	return false
}

// applyAction moves an assessed dispute to the state its recommended action
// calls for.
func applyAction(d *dispute.Dispute, result dispute.AssessmentResult, now time.Time) error {
	switch result.RecommendedAction {
	case dispute.ActionEscalateToAdmin:
		return d.Escalate(nil, result.Reasoning, true, now)
	case dispute.ActionRequestMoreInfo:
		if err := d.Transition(dispute.StatusPendingEvidence, nil, result.Reasoning, true, now); err != nil {
			return err
		}
		d.ResponseDeadline = now.Add(dispute.ResponseWindow)
		return nil
	case dispute.ActionAutoResolveSeller:
		return d.Resolve(dispute.Resolution{
			Decision:           dispute.DecisionSellerWins,
			SellerCompensation: d.DisputedAmount,
			ResolutionReason:   result.Reasoning,
			ResolvedAt:         now,
			ResolutionMethod:   dispute.MethodAutomated,
		}, "automatically resolved for seller", true, now)
	case dispute.ActionAutoResolveBuyer:
		return d.Resolve(dispute.Resolution{
			Decision:         dispute.DecisionBuyerWins,
			RefundAmount:     d.DisputedAmount,
			RefundPercentage: 100,
			ResolutionReason: result.Reasoning,
			ResolvedAt:       now,
			ResolutionMethod: dispute.MethodAutomated,
		}, "automatically resolved for buyer", true, now)
	default:
		return fmt.Errorf("scheduler: unknown recommended action %q", result.RecommendedAction)
	}
}

// failSafe escalates a dispute whose assessment failed. It retries store
// errors; if the store stays unavailable the escalation deadline sweep is
// the remaining backstop.
func (s *Scheduler) failSafe(ctx context.Context, disputeID string) {
	ctx = context.WithoutCancel(ctx)
	var escalated *dispute.Dispute
	err := backoff.Retry(func() error {
		d, err := s.store.Update(ctx, disputeID, func(d *dispute.Dispute) error {
			if d.Status != dispute.StatusOpen && d.Status != dispute.StatusAutoAssessment {
				return errNotActive
			}
			return d.Escalate(nil, FailSafeReason, true, s.now().UTC())
		})
		switch {
		case err == nil:
			escalated = d
			return nil
		case errors.Is(err, errNotActive):
			return nil
		case errors.Is(err, dispute.ErrNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, s.newBackOff())
	if err != nil {
		s.logger.ErrorContext(ctx, "fail-safe escalation failed", "dispute_id", disputeID, "error", err)
		return
	}
	if escalated != nil {
		s.logger.WarnContext(ctx, "dispute escalated after assessment failure", "dispute_id", disputeID)
		s.notifyParties(ctx, escalated)
	}
}

func (s *Scheduler) notifyParties(ctx context.Context, d *dispute.Dispute) {
	event := notify.EventStatusChanged
	switch d.Status {
	case dispute.StatusResolved:
		event = notify.EventDisputeResolved
	case dispute.StatusPendingEvidence:
		event = notify.EventEvidenceRequested
	}
	payload := map[string]any{"dispute_id": d.ID, "status": string(d.Status)}
	notify.Send(ctx, s.notifier, s.logger, d.BuyerID, event, payload)
	notify.Send(ctx, s.notifier, s.logger, d.SellerID, event, payload)
}
