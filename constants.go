package saga

import "time"

// Hard limits
const (
	// MaxErrorLength is the maximum length of error messages stored with an instance (2KB).
	MaxErrorLength = 2048

	// DefaultMaxConflictRetries bounds the reload-and-reapply loop of HandleReply.
	DefaultMaxConflictRetries = 5

	// DefaultConflictBackoff is the base delay between conflict retries.
	DefaultConflictBackoff = 5 * time.Millisecond

	// DefaultExpireBatch is how many expired instances one sweep handles.
	DefaultExpireBatch = 100

	// DefaultQueryLimit is applied when a filter does not set Limit.
	DefaultQueryLimit = 100
)

// LifecycleState represents the state of a saga instance.
type LifecycleState string

const (
	StateStarted      LifecycleState = "STARTED"
	StateStepInFlight LifecycleState = "STEP_IN_FLIGHT"
	StateCompensating LifecycleState = "COMPENSATING"
	StateCompleted    LifecycleState = "COMPLETED"
	StateCompensated  LifecycleState = "COMPENSATED"
	StateFailed       LifecycleState = "FAILED"
)

// AllStates lists every lifecycle state in transition order.
var AllStates = []LifecycleState{
	StateStarted,
	StateStepInFlight,
	StateCompensating,
	StateCompleted,
	StateCompensated,
	StateFailed,
}

// IsTerminal reports whether no further transitions are accepted.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// Outcome tags a reply type as resolving a step successfully or not.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// FailureKind tells apart the ways a saga can end in FAILED.
type FailureKind string

const (
	// FailureStepFailed: the first step failed, nothing had to be undone.
	FailureStepFailed FailureKind = "STEP_FAILED"
	// FailureCompensationFailed: a compensating command failed, work is partially undone.
	FailureCompensationFailed FailureKind = "COMPENSATION_FAILED"
	// FailureProtocolError: a participant sent a reply the step does not expect.
	FailureProtocolError FailureKind = "PROTOCOL_ERROR"
)
