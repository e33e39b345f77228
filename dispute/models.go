package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen            Status = "open"
	StatusAutoAssessment  Status = "auto_assessment"
	StatusPendingEvidence Status = "pending_evidence"
	StatusUnderReview     Status = "under_review"
	StatusAdminReview     Status = "admin_review"
	StatusResolved        Status = "resolved"
	StatusAppealed        Status = "appealed"
	StatusClosed          Status = "closed"
)

type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

type Category string

const (
	CategoryItemNotReceived    Category = "item_not_received"
	CategoryLateDelivery       Category = "late_delivery"
	CategoryNotAsDescribed     Category = "item_not_as_described"
	CategoryDamagedItem        Category = "damaged_item"
	CategoryWrongItem          Category = "wrong_item"
	CategoryCounterfeitItem    Category = "counterfeit_item"
	CategoryUnauthorizedCharge Category = "unauthorized_charge"
	CategoryOther              Category = "other"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Action is the recommendation produced by an automated assessment.
type Action string

const (
	ActionAutoResolveBuyer  Action = "auto_resolve_buyer"
	ActionAutoResolveSeller Action = "auto_resolve_seller"
	ActionRequestMoreInfo   Action = "request_more_info"
	ActionEscalateToAdmin   Action = "escalate_to_admin"
)

type Decision string

const (
	DecisionBuyerWins       Decision = "buyer_wins"
	DecisionSellerWins      Decision = "seller_wins"
	DecisionPartialRefund   Decision = "partial_refund"
	DecisionMutualAgreement Decision = "mutual_agreement"
	DecisionInconclusive    Decision = "inconclusive"
)

type ResolutionMethod string

const (
	MethodAutomated      ResolutionMethod = "automated"
	MethodAdminManual    ResolutionMethod = "admin_manual"
	MethodEscalatedAdmin ResolutionMethod = "escalated_admin"
)

// Timeline actions recorded by the engine.
const (
	TimelineCreated            = "dispute_created"
	TimelineStatusChanged      = "status_changed"
	TimelineEvidenceAdded      = "evidence_added"
	TimelineMessageAdded       = "message_added"
	TimelineAssessmentRecorded = "assessment_recorded"
	TimelinePriorityChanged    = "priority_changed"
	TimelineAdminAssigned      = "admin_assigned"
	TimelineResolutionExecuted = "resolution_executed"
	TimelineReconciliation     = "reconciliation_required"
)

// Deadline offsets applied at creation.
const (
	ResponseWindow   = 7 * 24 * time.Hour
	EscalationWindow = 14 * 24 * time.Hour
	AutoCloseWindow  = 30 * 24 * time.Hour
)

// Dispute is the aggregate root. It is only mutated through the methods in
// machine.go and through Store.Update callbacks.
type Dispute struct {
	ID            string
	BuyerID       string
	SellerID      string
	InitiatedBy   Party
	OrderID       string
	TransactionID *string

	Category    Category
	Description string

	DisputedAmount float64
	EscrowAmount   float64
	Currency       string

	Status   Status
	Priority Priority

	Evidence []Evidence
	Messages []Message
	Timeline []TimelineEntry

	AutoAssessment       *AssessmentResult
	RequiresManualReview bool
	AssignedAdmin        *string
	Resolution           *Resolution

	ResponseDeadline   time.Time
	EscalationDeadline time.Time
	AutoCloseAt        time.Time

	BlockchainLocked     bool
	SmartContractAddress string
	ResolutionTxHash     string

	CompletedEffects       []string
	FailedEffects          []string
	ReconciliationRequired bool
	ResolutionExecutedAt   *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

type Evidence struct {
	ID          string
	Type        string
	URL         string
	Description string
	UploadedBy  string
	UploadedAt  time.Time
}

type Message struct {
	ID      string
	Sender  string
	Message string
	IsAdmin bool
	SentAt  time.Time
}

// TimelineEntry is an immutable audit record. PerformedBy is nil for
// system actions.
type TimelineEntry struct {
	Action      string
	Description string
	PerformedBy *string
	Automated   bool
	Metadata    map[string]any
	Timestamp   time.Time
}

type CriterionResult struct {
	Criterion  string
	Satisfied  bool
	Weight     float64
	Confidence float64
	Details    string
}

// AssessmentResult is embedded in the dispute once per assessment run.
type AssessmentResult struct {
	CriteriaChecked   []CriterionResult
	ConfidenceScore   int
	RecommendedAction Action
	Reasoning         string
	AssessedAt        time.Time
}

// Criterion returns the recorded result for name, if any.
func (a *AssessmentResult) Criterion(name string) (CriterionResult, bool) {
	if a == nil {
		return CriterionResult{}, false
	}
	for _, c := range a.CriteriaChecked {
		if c.Criterion == name {
			return c, true
		}
	}
	return CriterionResult{}, false
}

// ModerationAction is applied to a user as part of a resolution.
type ModerationAction struct {
	Type         string
	TargetUserID string
	Details      string
}

type Resolution struct {
	Decision           Decision
	RefundAmount       float64
	RefundPercentage   float64
	SellerCompensation float64
	ResolutionReason   string
	AdditionalActions  []ModerationAction
	ResolvedBy         *string
	ResolvedAt         time.Time
	ResolutionMethod   ResolutionMethod
}

func (c Category) Valid() bool {
	switch c {
	case CategoryItemNotReceived, CategoryLateDelivery, CategoryNotAsDescribed,
		CategoryDamagedItem, CategoryWrongItem, CategoryCounterfeitItem,
		CategoryUnauthorizedCharge, CategoryOther:
		return true
	default:
		return false
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func (d Decision) Valid() bool {
	switch d {
	case DecisionBuyerWins, DecisionSellerWins, DecisionPartialRefund,
		DecisionMutualAgreement, DecisionInconclusive:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so callers can hand snapshots to concurrent
// readers without sharing slices or pointers.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	out := *d
	out.TransactionID = clonePtr(d.TransactionID)
	out.AssignedAdmin = clonePtr(d.AssignedAdmin)
	out.ClosedAt = clonePtr(d.ClosedAt)
	out.ResolutionExecutedAt = clonePtr(d.ResolutionExecutedAt)
	out.Evidence = append([]Evidence(nil), d.Evidence...)
	out.Messages = append([]Message(nil), d.Messages...)
	out.CompletedEffects = append([]string(nil), d.CompletedEffects...)
	out.FailedEffects = append([]string(nil), d.FailedEffects...)
	out.Timeline = make([]TimelineEntry, len(d.Timeline))
	for i, e := range d.Timeline {
		e.PerformedBy = clonePtr(e.PerformedBy)
		if e.Metadata != nil {
			md := make(map[string]any, len(e.Metadata))
			for k, v := range e.Metadata {
				md[k] = v
			}
			e.Metadata = md
		}
		out.Timeline[i] = e
	}
	if d.AutoAssessment != nil {
		a := *d.AutoAssessment
		a.CriteriaChecked = append([]CriterionResult(nil), d.AutoAssessment.CriteriaChecked...)
		out.AutoAssessment = &a
	}
	if d.Resolution != nil {
		r := *d.Resolution
		r.ResolvedBy = clonePtr(d.Resolution.ResolvedBy)
		r.AdditionalActions = append([]ModerationAction(nil), d.Resolution.AdditionalActions...)
		out.Resolution = &r
	}
	return &out
}

// HasCompletedEffect reports whether the executor already applied effect.
func (d *Dispute) HasCompletedEffect(effect string) bool {
	for _, e := range d.CompletedEffects {
		if e == effect {
			return true
		}
	}
	return false
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
