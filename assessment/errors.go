package assessment

import "fmt"

// CriterionError is a failure isolated to one criterion. The aggregator
// logs it and scores the criterion as unsatisfied with zero confidence.
type CriterionError struct {
	Criterion string
	Err       error
}

func (e *CriterionError) Error() string {
	return fmt.Sprintf("assessment: criterion %s: %v", e.Criterion, e.Err)
}

func (e *CriterionError) Unwrap() error { return e.Err }

// PipelineError means the assessment as a whole could not produce a result.
// Callers must escalate the dispute instead of leaving it pending.
type PipelineError struct {
	DisputeID string
	Stage     string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("assessment: %s failed for dispute %s: %v", e.Stage, e.DisputeID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
