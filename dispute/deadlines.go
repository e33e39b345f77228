package dispute

import (
	"fmt"
	"time"
)

// DeadlineKind names the time-based transition a sweep should apply.
type DeadlineKind string

const (
	DeadlineNone            DeadlineKind = ""
	DeadlineResponseExpired DeadlineKind = "response_deadline_expired"
	DeadlineEscalation      DeadlineKind = "escalation_deadline_expired"
	DeadlineAutoClose       DeadlineKind = "auto_close"
)

// DeadlineAction reports which deadline, if any, has lapsed for d at now.
// Sweeps call it per dispute and hand positive results to
// Service.EnforceDeadlines.
func DeadlineAction(d *Dispute, now time.Time) DeadlineKind {
	switch d.Status {
	case StatusPendingEvidence:
		if !now.Before(d.ResponseDeadline) {
			return DeadlineResponseExpired
		}
		if !now.Before(d.EscalationDeadline) {
			return DeadlineEscalation
		}
	case StatusOpen, StatusAutoAssessment, StatusUnderReview:
		if !now.Before(d.EscalationDeadline) {
			return DeadlineEscalation
		}
	case StatusResolved, StatusAppealed:
		if !now.Before(d.AutoCloseAt) {
			return DeadlineAutoClose
		}
	}
	return DeadlineNone
}

// CheckInvariants verifies the structural invariants of the aggregate.
func (d *Dispute) CheckInvariants() error {
	if hasResolution(d.Status) != (d.Resolution != nil) {
		return fmt.Errorf("dispute %s: resolution presence does not match status %s", d.ID, d.Status)
	}
	for i := 1; i < len(d.Timeline); i++ {
		if d.Timeline[i].Timestamp.Before(d.Timeline[i-1].Timestamp) {
			return fmt.Errorf("dispute %s: timeline entry %d precedes entry %d", d.ID, i, i-1)
		}
	}
	if a := d.AutoAssessment; a != nil && (a.ConfidenceScore < 0 || a.ConfidenceScore > 100) {
		return fmt.Errorf("dispute %s: confidence score %d out of range", d.ID, a.ConfidenceScore)
	}
	return nil
}
