package dispute

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("dispute: not found")
	ErrForbidden            = errors.New("dispute: forbidden")
	ErrDuplicateOrder       = errors.New("dispute: order already disputed")
	ErrInvalidTransition    = errors.New("dispute: invalid status transition")
	ErrGuardRejected        = errors.New("dispute: transition guard rejected")
	ErrResolutionAlreadySet = errors.New("dispute: resolution already set")
	ErrResolutionMissing    = errors.New("dispute: resolution missing")
	ErrVersionConflict      = errors.New("dispute: concurrent modification")
	ErrNothingToReconcile   = errors.New("dispute: no reconciliation pending")
	ErrNoExecutor           = errors.New("dispute: resolution executor not configured")
	ErrNotReassessable      = errors.New("dispute: assessment cannot be rerun")
	ErrNoScheduler          = errors.New("dispute: assessment scheduler not configured")
)

// ValidationError reports malformed input rejected at the boundary. Such
// input never reaches the state machine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispute: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError carries the attempted edge. It matches ErrInvalidTransition
// or ErrGuardRejected through errors.Is.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
	err    error
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v %s -> %s: %s", e.err, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%v %s -> %s", e.err, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
