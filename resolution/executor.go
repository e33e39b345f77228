package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"disputeflow/dispute"
	"disputeflow/marketplace"
	"disputeflow/notify"
)

// Effect names recorded in Dispute.CompletedEffects and used as the suffix
// of idempotency keys.
const (
	EffectRefund      = "refund"
	EffectRelease     = "release"
	EffectChain       = "blockchain_resolution"
	EffectOrderStatus = "order_status"
)

// ModerationEffect names the i-th additional action of a resolution.
func ModerationEffect(i int) string {
	return fmt.Sprintf("moderation:%d", i)
}

// IdempotencyKey identifies one effect of one dispute to collaborators.
func IdempotencyKey(disputeID, effect string) string {
	return disputeID + ":" + effect
}

// Executor applies the side effects of a final resolution. Each effect is
// attempted independently; a failure never undoes earlier effects.
type Executor struct {
	store      dispute.Store
	payments   Payments
	chain      Chain
	moderation Moderation
	orders     marketplace.OrderUpdater
	notifier   notify.Notifier
	logger     *slog.Logger
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Collaborators are the external systems the executor drives.
type Collaborators struct {
	Payments   Payments
	Chain      Chain
	Moderation Moderation
	Orders     marketplace.OrderUpdater
	Notifier   notify.Notifier
}

// NewExecutor creates an executor that retries each effect three times.
func NewExecutor(store dispute.Store, c Collaborators, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:      store,
		payments:   c.Payments,
		chain:      c.Chain,
		moderation: c.Moderation,
		orders:     c.Orders,
		notifier:   c.Notifier,
		logger:     logger,
		tracer:     otel.Tracer("disputeflow/resolution"),
		now:        time.Now,
	}
	return e.WithRetry(3, 200*time.Millisecond)
}

// WithRetry sets how many times a failing effect is retried and the first
// backoff interval.
func (e *Executor) WithRetry(maxRetries uint64, initial time.Duration) *Executor {
	e.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = 10 * initial
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, maxRetries)
	}
	return e
}

// WithClock overrides the time source used for timeline entries.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

type step struct {
	effect string
	amount float64
	run    func(ctx context.Context, d *dispute.Dispute, key string) (func(*dispute.Dispute), error)
}

// Execute runs the pending effects of a resolved dispute. Effects already in
// CompletedEffects are skipped, so a repeated call only retries what failed.
// The returned error joins one *EffectError per failed effect.
func (e *Executor) Execute(ctx context.Context, disputeID string) error {
	ctx, span := e.tracer.Start(ctx, "resolution.execute", trace.WithAttributes(
		attribute.String("dispute.id", disputeID),
	))
	defer span.End()

	d, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return fmt.Errorf("resolution: load dispute: %w", err)
	}
	if d.Resolution == nil {
		return dispute.ErrResolutionMissing
	}
	// Effects still owed after an appeal or close can be reconciled; a
	// first execution needs the dispute to be resolved.
	switch {
	case d.Status == dispute.StatusResolved:
	case d.ReconciliationRequired && (d.Status == dispute.StatusAppealed || d.Status == dispute.StatusClosed):
	default:
		return fmt.Errorf("%w: status %s", ErrNotResolved, d.Status)
	}
	if d.ResolutionExecutedAt != nil && !d.ReconciliationRequired {
		return nil
	}

	var (
		failures  []error
		failed    []string
		completed []string
	)
	for _, s := range e.plan(d) {
		if d.HasCompletedEffect(s.effect) {
			continue
		}
		if err := e.apply(ctx, d, s); err != nil {
			failures = append(failures, err)
			failed = append(failed, s.effect)
			continue
		}
		completed = append(completed, s.effect)
	}

	if err := e.finish(ctx, disputeID, completed, failed); err != nil {
		failures = append(failures, err)
	}
	if len(failed) > 0 {
		span.SetStatus(codes.Error, "effects failed")
		notify.Send(ctx, e.notifier, e.logger, notify.OpsRecipient, notify.EventReconciliationRequired, map[string]any{
			"dispute_id":     disputeID,
			"failed_effects": failed,
		})
	}
	return errors.Join(failures...)
}

// plan lists the effects of d's resolution in execution order.
func (e *Executor) plan(d *dispute.Dispute) []step {
	res := d.Resolution
	var steps []step
	if res.RefundAmount > 0 {
		steps = append(steps, step{effect: EffectRefund, amount: res.RefundAmount, run: e.refund})
	}
	if res.SellerCompensation > 0 {
		steps = append(steps, step{effect: EffectRelease, amount: res.SellerCompensation, run: e.release})
	}
	if d.BlockchainLocked && d.SmartContractAddress != "" {
		steps = append(steps, step{effect: EffectChain, run: e.resolveOnChain})
	}
	for i, action := range res.AdditionalActions {
		steps = append(steps, step{effect: ModerationEffect(i), run: e.moderate(action)})
	}
	if orderStatusFor(res.Decision) != "" {
		steps = append(steps, step{effect: EffectOrderStatus, run: e.updateOrder})
	}
	return steps
}

func (e *Executor) apply(ctx context.Context, d *dispute.Dispute, s step) error {
	ctx, span := e.tracer.Start(ctx, "resolution.effect", trace.WithAttributes(
		attribute.String("dispute.id", d.ID),
		attribute.String("effect", s.effect),
	))
	defer span.End()

	key := IdempotencyKey(d.ID, s.effect)
	var record func(*dispute.Dispute)
	err := backoff.Retry(func() error {
		var runErr error
		record, runErr = s.run(ctx, d, key)
		if errors.Is(runErr, ErrNoCollaborator) {
			return backoff.Permanent(runErr)
		}
		return runErr
	}, backoff.WithContext(e.newBackOff(), ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "effect failed")
		e.logger.ErrorContext(ctx, "resolution effect failed, manual reconciliation required",
			"dispute_id", d.ID,
			"effect", s.effect,
			"idempotency_key", key,
			"amount", s.amount,
			"currency", d.Currency,
			"decision", d.Resolution.Decision,
			"error", err,
		)
		return &EffectError{DisputeID: d.ID, Effect: s.effect, Amount: s.amount, Currency: d.Currency, Err: err}
	}

	if _, err := e.store.Update(ctx, d.ID, func(cur *dispute.Dispute) error {
		if !cur.HasCompletedEffect(s.effect) {
			cur.CompletedEffects = append(cur.CompletedEffects, s.effect)
		}
		cur.FailedEffects = without(cur.FailedEffects, s.effect)
		if record != nil {
			record(cur)
		}
		return nil
	}); err != nil {
		e.logger.ErrorContext(ctx, "record completed effect failed",
			"dispute_id", d.ID,
			"effect", s.effect,
			"error", err,
		)
	}
	return nil
}

func (e *Executor) refund(ctx context.Context, d *dispute.Dispute, key string) (func(*dispute.Dispute), error) {
	if e.payments == nil {
		return nil, ErrNoCollaborator
	}
	return nil, e.payments.Refund(ctx, d.BuyerID, d.Resolution.RefundAmount, d.Currency, key)
}

func (e *Executor) release(ctx context.Context, d *dispute.Dispute, key string) (func(*dispute.Dispute), error) {
	if e.payments == nil {
		return nil, ErrNoCollaborator
	}
	return nil, e.payments.Release(ctx, d.SellerID, d.Resolution.SellerCompensation, d.Currency, key)
}

func (e *Executor) resolveOnChain(ctx context.Context, d *dispute.Dispute, _ string) (func(*dispute.Dispute), error) {
	if e.chain == nil {
		return nil, ErrNoCollaborator
	}
	hash, err := e.chain.ResolveOnChain(ctx, d.SmartContractAddress, d.Resolution.Decision)
	if err != nil {
		return nil, err
	}
	return func(cur *dispute.Dispute) { cur.ResolutionTxHash = hash }, nil
}

func (e *Executor) moderate(action dispute.ModerationAction) func(context.Context, *dispute.Dispute, string) (func(*dispute.Dispute), error) {
	return func(ctx context.Context, _ *dispute.Dispute, _ string) (func(*dispute.Dispute), error) {
		if e.moderation == nil {
			return nil, ErrNoCollaborator
		}
		return nil, e.moderation.ApplyAction(ctx, action.Type, action.TargetUserID, action.Details)
	}
}

func (e *Executor) updateOrder(ctx context.Context, d *dispute.Dispute, _ string) (func(*dispute.Dispute), error) {
	if e.orders == nil {
		return nil, ErrNoCollaborator
	}
	return nil, e.orders.UpdateOrderStatus(ctx, d.OrderID, orderStatusFor(d.Resolution.Decision))
}

// finish records the outcome of this run on the dispute timeline. The
// dispute status is left as it is.
func (e *Executor) finish(ctx context.Context, disputeID string, completed, failed []string) error {
	_, err := e.store.Update(ctx, disputeID, func(d *dispute.Dispute) error {
		now := e.now().UTC()
		d.FailedEffects = append([]string(nil), failed...)
		d.ReconciliationRequired = len(failed) > 0

		description := "resolution executed"
		if len(failed) > 0 {
			description = "resolution executed with failed effects"
		}
		ts := d.Append(dispute.TimelineEntry{
			Action:      dispute.TimelineResolutionExecuted,
			Description: description,
			Automated:   true,
			Metadata: map[string]any{
				"completed_effects": completed,
				"failed_effects":    failed,
			},
			Timestamp: now,
		})
		if len(failed) == 0 {
			d.ResolutionExecutedAt = &ts
			return nil
		}
		d.Append(dispute.TimelineEntry{
			Action:      dispute.TimelineReconciliation,
			Description: "side effects require manual reconciliation",
			Automated:   true,
			Metadata:    map[string]any{"failed_effects": failed},
			Timestamp:   now,
		})
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "record resolution execution failed", "dispute_id", disputeID, "error", err)
		return fmt.Errorf("resolution: record execution: %w", err)
	}
	return nil
}

func orderStatusFor(decision dispute.Decision) marketplace.OrderStatus {
	switch decision {
	case dispute.DecisionBuyerWins:
		return marketplace.OrderCancelled
	case dispute.DecisionSellerWins:
		return marketplace.OrderDelivered
	default:
		return ""
	}
}

func without(list []string, item string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
