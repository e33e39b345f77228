package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"disputeflow/marketplace"
	"disputeflow/notify"
)

// AssessmentScheduler arms the deferred automated assessment of a dispute.
// Reassess reruns the criteria on demand and replaces the stored result.
type AssessmentScheduler interface {
	Schedule(ctx context.Context, disputeID string) error
	Reassess(ctx context.Context, disputeID string) error
}

// Executor applies the effects of a resolution that was just recorded.
type Executor interface {
	Execute(ctx context.Context, disputeID string) error
}

// Actor identifies who performs a service call.
type Actor struct {
	ID    string
	Admin bool
}

// Service is the entry point for every dispute operation.
type Service struct {
	store       Store
	orders      marketplace.OrderLookup
	scheduler   AssessmentScheduler
	executor    Executor
	notifier    notify.Notifier
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

// NewService creates a dispute service over store. A nil notifier disables
// notifications.
func NewService(store Store, orders marketplace.OrderLookup, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		orders:      orders,
		notifier:    notifier,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithScheduler sets the scheduler armed on creation. The scheduler and the
// executor are attached after construction since both write to the store.
func (s *Service) WithScheduler(sch AssessmentScheduler) *Service {
	s.scheduler = sch
	return s
}

// WithExecutor sets the executor run after every resolution.
func (s *Service) WithExecutor(ex Executor) *Service {
	s.executor = ex
	return s
}

// WithIDGenerator replaces the uuid generator.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a dispute for an order and arms its automated assessment.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Dispute, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var orderTotal float64
	if s.orders != nil {
		order, err := s.orders.GetOrder(ctx, params.OrderID)
		if err != nil {
			if errors.Is(err, marketplace.ErrOrderNotFound) {
				return nil, invalid("order_id", "order not found")
			}
			return nil, fmt.Errorf("dispute: load order: %w", err)
		}
		if order.BuyerID != "" && order.BuyerID != params.BuyerID {
			return nil, invalid("buyer_id", "does not match order")
		}
		if order.SellerID != "" && order.SellerID != params.SellerID {
			return nil, invalid("seller_id", "does not match order")
		}
		orderTotal = order.Total
	}

	d := New(s.idGenerator(), params, orderTotal, s.now())
	if d.DisputedAmount > d.EscrowAmount {
		s.logger.WarnContext(ctx, "disputed amount exceeds escrow",
			"dispute_id", d.ID,
			"disputed_amount", d.DisputedAmount,
			"escrow_amount", d.EscrowAmount,
		)
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dispute created",
		"dispute_id", d.ID,
		"order_id", d.OrderID,
		"category", d.Category,
		"priority", d.Priority,
	)

	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, d.ID); err != nil {
			s.logger.ErrorContext(ctx, "schedule assessment failed", "dispute_id", d.ID, "error", err)
		}
	}

	payload := map[string]any{"dispute_id": d.ID, "order_id": d.OrderID, "category": string(d.Category)}
	notify.Send(ctx, s.notifier, s.logger, d.BuyerID, notify.EventDisputeCreated, payload)
	notify.Send(ctx, s.notifier, s.logger, d.SellerID, notify.EventDisputeCreated, payload)
	return d, nil
}

// Get returns the dispute with the given id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the dispute opened for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// EvidenceParams describes one uploaded piece of evidence.
type EvidenceParams struct {
	Type        string
	URL         string
	Description string
}

// AddEvidence appends evidence. A submission while evidence is pending
// moves the dispute back under review.
func (s *Service) AddEvidence(ctx context.Context, id string, actor Actor, params EvidenceParams) (*Dispute, error) {
	if strings.TrimSpace(params.Type) == "" {
		return nil, invalid("type", "required")
	}
	if strings.TrimSpace(params.URL) == "" {
		return nil, invalid("url", "required")
	}

	return s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if !actor.Admin && !d.IsParty(actor.ID) {
			return ErrForbidden
		}
		if d.Status == StatusResolved || d.Status == StatusClosed {
			return &TransitionError{From: d.Status, To: d.Status, Reason: "evidence window closed", err: ErrInvalidTransition}
		}
		ev := Evidence{
			ID:          s.idGenerator(),
			Type:        strings.TrimSpace(params.Type),
			URL:         strings.TrimSpace(params.URL),
			Description: strings.TrimSpace(params.Description),
			UploadedBy:  actor.ID,
			UploadedAt:  now,
		}
		d.Evidence = append(d.Evidence, ev)
		d.Append(TimelineEntry{
			Action:      TimelineEvidenceAdded,
			Description: "evidence uploaded: " + ev.Type,
			PerformedBy: &actor.ID,
			Metadata:    map[string]any{"evidence_id": ev.ID},
			Timestamp:   now,
		})
		if d.Status == StatusPendingEvidence {
			return d.Transition(StatusUnderReview, &actor.ID, "evidence resubmitted", false, now)
		}
		return nil
	})
}

// AddMessage appends a message from a party or an admin.
func (s *Service) AddMessage(ctx context.Context, id string, actor Actor, text string) (*Dispute, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("message", "required")
	}
	return s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if !actor.Admin && !d.IsParty(actor.ID) {
			return ErrForbidden
		}
		if d.Status == StatusClosed {
			return &TransitionError{From: d.Status, To: d.Status, Reason: "dispute closed", err: ErrInvalidTransition}
		}
		msg := Message{ID: s.idGenerator(), Sender: actor.ID, Message: text, IsAdmin: actor.Admin, SentAt: now}
		d.Messages = append(d.Messages, msg)
		d.Append(TimelineEntry{
			Action:      TimelineMessageAdded,
			Description: "message sent",
			PerformedBy: &actor.ID,
			Metadata:    map[string]any{"message_id": msg.ID, "is_admin": actor.Admin},
			Timestamp:   now,
		})
		return nil
	})
}

// Escalate hands the dispute to a human reviewer.
func (s *Service) Escalate(ctx context.Context, id string, actor Actor, reason string) (*Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "escalated for manual review"
	}
	d, err := s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if !actor.Admin && !d.IsParty(actor.ID) {
			return ErrForbidden
		}
		return d.Escalate(&actor.ID, reason, false, now)
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, d, notify.EventStatusChanged)
	return d, nil
}

// AssignAdmin records the reviewing admin and enters admin_review when the
// current state allows it.
func (s *Service) AssignAdmin(ctx context.Context, id string, actor Actor, adminID string) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(adminID) == "" {
		return nil, invalid("admin_id", "required")
	}
	return s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if d.Status == StatusAdminReview {
			d.AssignedAdmin = &adminID
			d.Append(TimelineEntry{
				Action:      TimelineAdminAssigned,
				Description: "admin reassigned",
				PerformedBy: &actor.ID,
				Metadata:    map[string]any{"admin_id": adminID},
				Timestamp:   now,
			})
			return nil
		}
		if !CanTransition(d.Status, StatusAdminReview) {
			return &TransitionError{From: d.Status, To: StatusAdminReview, err: ErrInvalidTransition}
		}
		d.AssignedAdmin = &adminID
		return d.Transition(StatusAdminReview, &actor.ID, "admin "+adminID+" assigned", false, now)
	})
}

// RequestEvidence asks the parties for more material and restarts the
// response window.
func (s *Service) RequestEvidence(ctx context.Context, id string, actor Actor, note string) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(note) == "" {
		note = "additional evidence requested"
	}
	d, err := s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if err := d.Transition(StatusPendingEvidence, &actor.ID, note, false, now); err != nil {
			return err
		}
		d.ResponseDeadline = now.Add(ResponseWindow)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, d, notify.EventEvidenceRequested)
	return d, nil
}

// ResolveParams carries an admin decision.
type ResolveParams struct {
	Decision           Decision
	RefundAmount       float64
	RefundPercentage   float64
	SellerCompensation float64
	Reason             string
	AdditionalActions  []ModerationAction
}

func (p ResolveParams) validate(d *Dispute) error {
	switch {
	case !p.Decision.Valid():
		return invalid("decision", "unknown decision "+string(p.Decision))
	case strings.TrimSpace(p.Reason) == "":
		return invalid("reason", "required")
	case math.IsNaN(p.RefundAmount) || p.RefundAmount < 0:
		return invalid("refund_amount", "must not be negative")
	case math.IsNaN(p.SellerCompensation) || p.SellerCompensation < 0:
		return invalid("seller_compensation", "must not be negative")
	case p.RefundPercentage < 0 || p.RefundPercentage > 100:
		return invalid("refund_percentage", "must be between 0 and 100")
	case p.RefundAmount+p.SellerCompensation > d.DisputedAmount+0.005:
		return invalid("refund_amount", "refund and compensation exceed disputed amount")
	}
	for _, a := range p.AdditionalActions {
		if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.TargetUserID) == "" {
			return invalid("additional_actions", "type and target are required")
		}
	}
	return nil
}

// Resolve records an admin decision and executes its effects. Effect
// failures leave the dispute resolved and flagged for reconciliation.
func (s *Service) Resolve(ctx context.Context, id string, actor Actor, params ResolveParams) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	d, err := s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if err := params.validate(d); err != nil {
			return err
		}
		method := MethodAdminManual
		if d.RequiresManualReview {
			method = MethodEscalatedAdmin
		}
		pct := params.RefundPercentage
		if pct == 0 && params.RefundAmount > 0 && d.DisputedAmount > 0 {
			pct = math.Round(params.RefundAmount/d.DisputedAmount*10000) / 100
		}
		res := Resolution{
			Decision:           params.Decision,
			RefundAmount:       params.RefundAmount,
			RefundPercentage:   pct,
			SellerCompensation: params.SellerCompensation,
			ResolutionReason:   strings.TrimSpace(params.Reason),
			AdditionalActions:  append([]ModerationAction(nil), params.AdditionalActions...),
			ResolvedBy:         &actor.ID,
			ResolvedAt:         now,
			ResolutionMethod:   method,
		}
		return d.Resolve(res, "resolved by admin: "+string(params.Decision), false, now)
	})
	if err != nil {
		return nil, err
	}
	return s.afterResolve(ctx, d)
}

func (s *Service) afterResolve(ctx context.Context, d *Dispute) (*Dispute, error) {
	s.notifyParties(ctx, d, notify.EventDisputeResolved)
	if s.executor == nil {
		return d, nil
	}
	if err := s.executor.Execute(ctx, d.ID); err != nil {
		s.logger.ErrorContext(ctx, "resolution execution incomplete", "dispute_id", d.ID, "error", err)
	}
	latest, err := s.store.Get(ctx, d.ID)
	if err != nil {
		return d, nil
	}
	return latest, nil
}

// Reassess reruns the automated assessment of a dispute that is still being
// decided and overwrites the earlier result. The status is not changed.
func (s *Service) Reassess(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if s.scheduler == nil {
		return nil, ErrNoScheduler
	}
	if err := s.scheduler.Reassess(ctx, id); err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dispute reassessed", "dispute_id", id, "admin_id", actor.ID)
	return d, nil
}

// Reconcile re-runs the effects of a resolution flagged for reconciliation.
// Effects that already succeeded are not repeated. The returned dispute
// reports whether anything is still outstanding.
func (s *Service) Reconcile(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if s.executor == nil {
		return nil, ErrNoExecutor
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.ReconciliationRequired {
		return nil, ErrNothingToReconcile
	}
	if err := s.executor.Execute(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "reconciliation incomplete", "dispute_id", id, "error", err)
	}
	latest, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "reconciliation attempted",
		"dispute_id", id,
		"admin_id", actor.ID,
		"reconciliation_required", latest.ReconciliationRequired,
		"failed_effects", latest.FailedEffects,
	)
	return latest, nil
}

// Appeal lets a party contest a resolution before the dispute closes.
func (s *Service) Appeal(ctx context.Context, id string, actor Actor, reason string) (*Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "required")
	}
	d, err := s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if !d.IsParty(actor.ID) {
			return ErrForbidden
		}
		return d.Transition(StatusAppealed, &actor.ID, "appeal: "+reason, false, now)
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, d, notify.EventStatusChanged)
	return d, nil
}

// Close ends a resolved or appealed dispute.
func (s *Service) Close(ctx context.Context, id string, actor Actor, note string) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(note) == "" {
		note = "closed by admin"
	}
	d, err := s.update(ctx, id, func(d *Dispute, now time.Time) error {
		return d.Transition(StatusClosed, &actor.ID, note, false, now)
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, d, notify.EventStatusChanged)
	return d, nil
}

// UpdatePriority lets an admin override the derived priority.
func (s *Service) UpdatePriority(ctx context.Context, id string, actor Actor, p Priority) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if !p.Valid() {
		return nil, invalid("priority", "unknown priority "+string(p))
	}
	return s.update(ctx, id, func(d *Dispute, now time.Time) error {
		if d.Status == StatusClosed {
			return &TransitionError{From: d.Status, To: d.Status, Reason: "dispute closed", err: ErrInvalidTransition}
		}
		prev := d.Priority
		d.Priority = p
		d.Append(TimelineEntry{
			Action:      TimelinePriorityChanged,
			Description: "priority changed",
			PerformedBy: &actor.ID,
			Metadata:    map[string]any{"previous": string(prev), "next": string(p)},
			Timestamp:   now,
		})
		return nil
	})
}

// EnforceDeadlines applies the lapsed deadline of a dispute, if any. It is
// safe to call repeatedly; a dispute whose deadline no longer applies is
// left untouched.
func (s *Service) EnforceDeadlines(ctx context.Context, id string, now time.Time) (DeadlineKind, error) {
	var applied DeadlineKind
	d, err := s.store.Update(ctx, id, func(d *Dispute) error {
		applied = DeadlineAction(d, now)
		switch applied {
		case DeadlineResponseExpired:
			return d.Escalate(nil, "no response before the response deadline", true, now)
		case DeadlineEscalation:
			return d.Escalate(nil, "escalation deadline reached", true, now)
		case DeadlineAutoClose:
			return d.Transition(StatusClosed, nil, "closed automatically", true, now)
		default:
			return errNoChange
		}
	})
	if errors.Is(err, errNoChange) {
		return DeadlineNone, nil
	}
	if err != nil {
		return DeadlineNone, err
	}
	s.logger.InfoContext(ctx, "deadline enforced", "dispute_id", id, "deadline", applied, "status", d.Status)
	s.notifyParties(ctx, d, notify.EventStatusChanged)
	return applied, nil
}

var errNoChange = errors.New("dispute: no change")

func (s *Service) update(ctx context.Context, id string, fn func(d *Dispute, now time.Time) error) (*Dispute, error) {
	return s.store.Update(ctx, id, func(d *Dispute) error {
		return fn(d, s.now().UTC())
	})
}

func (s *Service) notifyParties(ctx context.Context, d *Dispute, event string) {
	payload := map[string]any{"dispute_id": d.ID, "status": string(d.Status)}
	notify.Send(ctx, s.notifier, s.logger, d.BuyerID, event, payload)
	notify.Send(ctx, s.notifier, s.logger, d.SellerID, event, payload)
}
