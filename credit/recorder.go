package credit

import "time"

// Recorder receives operational signals from the engine. The observability
// package provides a Prometheus-backed implementation.
type Recorder interface {
	Transition(operation, outcome string)
	QuotaMovement(t MovementType)
	PrevalidationDuration(d time.Duration)
}

// Outcomes reported to Recorder.Transition.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Transition(string, string)           {}
func (NopRecorder) QuotaMovement(MovementType)          {}
func (NopRecorder) PrevalidationDuration(time.Duration) {}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case IsRetryable(err):
		return OutcomeConflict
	case IsNotFound(err):
		return OutcomeNotFound
	case IsClientError(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
