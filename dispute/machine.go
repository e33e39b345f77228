package dispute

import (
	"time"
)

// transitions lists the legal edges of the dispute lifecycle.
var transitions = map[Status][]Status{
	StatusOpen:            {StatusAutoAssessment, StatusAdminReview, StatusResolved},
	StatusAutoAssessment:  {StatusPendingEvidence, StatusAdminReview, StatusResolved},
	StatusPendingEvidence: {StatusUnderReview, StatusAdminReview},
	StatusUnderReview:     {StatusPendingEvidence, StatusAdminReview, StatusResolved},
	StatusAdminReview:     {StatusPendingEvidence, StatusResolved},
	StatusResolved:        {StatusClosed, StatusAppealed},
	StatusAppealed:        {StatusClosed},
	StatusClosed:          nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// hasResolution lists the states in which Resolution must be populated.
func hasResolution(s Status) bool {
	return s == StatusResolved || s == StatusAppealed || s == StatusClosed
}

// Transition moves the dispute to next after validating the edge and its
// guards, and appends exactly one timeline entry. On error the dispute is
// left untouched.
func (d *Dispute) Transition(next Status, performedBy *string, description string, automated bool, now time.Time) error {
	if !CanTransition(d.Status, next) {
		return &TransitionError{From: d.Status, To: next, err: ErrInvalidTransition}
	}
	if err := d.guard(next); err != nil {
		return err
	}

	prev := d.Status
	ts := d.Append(TimelineEntry{
		Action:      TimelineStatusChanged,
		Description: description,
		PerformedBy: clonePtr(performedBy),
		Automated:   automated,
		Metadata: map[string]any{
			"previous_status": string(prev),
			"next_status":     string(next),
		},
		Timestamp: now,
	})
	d.Status = next
	if next == StatusResolved || next == StatusClosed {
		closed := ts
		d.ClosedAt = &closed
	}
	return nil
}

func (d *Dispute) guard(next Status) error {
	switch next {
	case StatusAdminReview:
		if !d.RequiresManualReview && d.AssignedAdmin == nil {
			return &TransitionError{From: d.Status, To: next, Reason: "manual review not requested and no admin assigned", err: ErrGuardRejected}
		}
	case StatusResolved:
		if d.Resolution == nil {
			return &TransitionError{From: d.Status, To: next, Reason: "resolution not set", err: ErrGuardRejected}
		}
	}
	return nil
}

// Resolve sets the resolution and enters resolved as a single unit. A
// dispute is resolved at most once.
func (d *Dispute) Resolve(res Resolution, description string, automated bool, now time.Time) error {
	if d.Resolution != nil {
		return ErrResolutionAlreadySet
	}
	if !CanTransition(d.Status, StatusResolved) {
		return &TransitionError{From: d.Status, To: StatusResolved, err: ErrInvalidTransition}
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = now
	}
	d.Resolution = &res
	if err := d.Transition(StatusResolved, res.ResolvedBy, description, automated, now); err != nil {
		d.Resolution = nil
		return err
	}
	return nil
}

// Escalate flags the dispute for manual review and enters admin_review.
func (d *Dispute) Escalate(performedBy *string, description string, automated bool, now time.Time) error {
	if !CanTransition(d.Status, StatusAdminReview) {
		return &TransitionError{From: d.Status, To: StatusAdminReview, err: ErrInvalidTransition}
	}
	d.RequiresManualReview = true
	return d.Transition(StatusAdminReview, performedBy, description, automated, now)
}

// Append adds a timeline entry, clamping its timestamp so the log stays
// non-decreasing, and returns the stored timestamp.
func (d *Dispute) Append(e TimelineEntry) time.Time {
	if n := len(d.Timeline); n > 0 {
		if last := d.Timeline[n-1].Timestamp; e.Timestamp.Before(last) {
			e.Timestamp = last
		}
	}
	d.Timeline = append(d.Timeline, e)
	if e.Timestamp.After(d.UpdatedAt) {
		d.UpdatedAt = e.Timestamp
	}
	return e.Timestamp
}

// RecordAssessment stores the result of an assessment run. An existing
// result is only replaced when overwrite is set.
func (d *Dispute) RecordAssessment(res AssessmentResult, overwrite bool) bool {
	if d.AutoAssessment != nil && !overwrite {
		return false
	}
	d.AutoAssessment = &res
	d.Append(TimelineEntry{
		Action:      TimelineAssessmentRecorded,
		Description: res.Reasoning,
		Automated:   true,
		Metadata: map[string]any{
			"confidence_score":   res.ConfidenceScore,
			"recommended_action": string(res.RecommendedAction),
		},
		Timestamp: res.AssessedAt,
	})
	return true
}
