package resolution

import (
	"errors"
	"fmt"
)

var (
	ErrNotResolved    = errors.New("resolution: dispute is not resolved")
	ErrNoCollaborator = errors.New("resolution: collaborator not configured")
)

// EffectError records a side effect that failed after the decision became
// final. The resolution stands; the effect needs manual reconciliation.
type EffectError struct {
	DisputeID string
	Effect    string
	Amount    float64
	Currency  string
	Err       error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("resolution: effect %s for dispute %s: %v", e.Effect, e.DisputeID, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }
