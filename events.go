package saga

import "time"

// OrchestratorEvents provides hooks for observability and monitoring.
// All callbacks are optional - only set the ones you need.
// Event handlers are called synchronously but wrapped in panic recovery,
// so a panicking handler won't break reply handling.
//
// Example:
//
//	events := &saga.OrchestratorEvents{
//	    OnSagaFailed: func(inst saga.SagaInstance) {
//	        alerting.SendAlert("Saga %s failed: %s", inst.ID, inst.Failure.Kind)
//	    },
//	}
type OrchestratorEvents struct {
	// Saga lifecycle
	OnSagaStart       func(inst SagaInstance)
	OnSagaCompleted   func(inst SagaInstance)
	OnSagaCompensated func(inst SagaInstance)
	OnSagaFailed      func(inst SagaInstance)

	// OnStateChange fires after every persisted transition, including
	// moves between steps in the same lifecycle state.
	OnStateChange func(inst SagaInstance, from LifecycleState)

	// Messaging
	OnCommandSent     func(cmd CommandMessage)
	OnCommandFailed   func(cmd CommandMessage, err error)
	OnReplyApplied    func(reply ReplyMessage, outcome Outcome, duration time.Duration)
	OnReplyDiscarded  func(reply ReplyMessage, reason string)
	OnCompensationRun func(sagaID string, step int, attempt int)

	// Faults and timeouts
	OnStepTimeout   func(sagaID string, step int, compensation bool)
	OnConflictRetry func(sagaID string, attempt int)
	OnFault         func(sagaID string, err error)
}

// emitEvent safely calls an event handler on every registered set, catching any panics.
func emitEvent(events []*OrchestratorEvents, handler func(e *OrchestratorEvents)) {
	for _, e := range events {
		if e == nil {
			continue
		}
		func() {
			defer func() {
				// Catch panics from event handlers - never break reply handling
				_ = recover()
			}()
			handler(e)
		}()
	}
}
