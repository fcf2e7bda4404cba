package saga

import (
	"fmt"
	"time"
)

// Discard reasons reported through OnReplyDiscarded.
const (
	DiscardTerminal       = "saga is terminal"
	DiscardNotDispatched  = "no command in flight"
	DiscardStaleStep      = "step index does not match"
	DiscardStaleCommand   = "command id does not match"
	DiscardWrongDirection = "reply belongs to the other direction"
	DiscardDeadlineMoved  = "deadline no longer expired"
	DiscardUnattributed   = "failure without command id during compensation retry"
)

// TimeoutReplyType is the reply type recorded for a synthetic timeout failure.
const TimeoutReplyType = "STEP_TIMEOUT"

// transition is the result of applying one reply to an instance.
// Either discard is set, or next holds the instance to save and command,
// if not nil, the message to send once the save succeeded.
type transition struct {
	discard      string
	next         *SagaInstance
	command      *CommandMessage
	outcome      Outcome
	compensation bool
}

// machine computes transitions for one definition. It never performs I/O.
// sweptAt is the time a synthetic timeout is judged against; zero means now.
type machine struct {
	def       *SagaDefinition
	now       time.Time
	sweptAt   time.Time
	timeout   func(step StepDefinition) time.Duration
	commandID func() string
}

// dispatch points next at step and prepares its forward or compensating command.
func (m machine) dispatch(next *SagaInstance, step int, compensation bool) *CommandMessage {
	s := m.def.Steps[step]
	next.CurrentStep = step
	next.CommandID = m.commandID()
	next.Deadline = nil
	if d := m.timeout(s); d > 0 {
		deadline := m.now.Add(d)
		next.Deadline = &deadline
	}

	cmd := &CommandMessage{
		SagaID:       next.ID,
		StepIndex:    step,
		CommandType:  s.ForwardCommand,
		Participant:  s.Participant,
		Compensation: compensation,
		CommandID:    next.CommandID,
		Payload:      clonePayload(next.Payload),
	}
	if compensation {
		next.State = StateCompensating
		cmd.CommandType = s.CompensatingCommand
	} else {
		next.State = StateStepInFlight
	}
	return cmd
}

// start dispatches step 0 of a freshly created instance.
func (m machine) start(inst *SagaInstance) transition {
	next := inst.Clone()
	next.Attempt = 0
	cmd := m.dispatch(next, 0, false)
	return transition{next: next, command: cmd}
}

// apply resolves reply against the current step. timedOut marks a synthetic
// FAILURE produced by the deadline sweep; its reply type is not resolved.
func (m machine) apply(inst *SagaInstance, reply ReplyMessage, timedOut bool) transition {
	switch {
	case inst.State.IsTerminal():
		return transition{discard: DiscardTerminal}
	case inst.State == StateStarted:
		return transition{discard: DiscardNotDispatched}
	case reply.StepIndex != inst.CurrentStep:
		return transition{discard: DiscardStaleStep}
	case reply.CommandID != "" && reply.CommandID != inst.CommandID:
		return transition{discard: DiscardStaleCommand}
	case timedOut && (inst.Deadline == nil || inst.Deadline.After(m.expiry())):
		return transition{discard: DiscardDeadlineMoved}
	}

	step := m.def.Steps[inst.CurrentStep]
	compensating := inst.State == StateCompensating

	var outcome Outcome
	if timedOut {
		outcome = OutcomeFailure
	} else {
		expected, other := step.Replies, step.CompensationReplies
		if compensating {
			expected, other = other, expected
		}
		var ok bool
		outcome, ok = expected[reply.ReplyType]
		if !ok {
			if _, late := other[reply.ReplyType]; late {
				return transition{discard: DiscardWrongDirection}
			}
			next := inst.Clone()
			m.fail(next, FailureProtocolError, reply.ReplyType, NewProtocolError(inst.ID, inst.CurrentStep, reply.ReplyType))
			return transition{next: next, compensation: compensating}
		}
	}

	next := inst.Clone()
	t := transition{next: next, outcome: outcome, compensation: compensating}

	if outcome == OutcomeSuccess {
		mergePayload(next.Payload, reply.Payload)
	}

	switch {
	case !compensating && outcome == OutcomeSuccess:
		if inst.CurrentStep == m.def.Len()-1 {
			m.settle(next, StateCompleted)
			next.CurrentStep = m.def.Len()
			return t
		}
		t.command = m.dispatch(next, inst.CurrentStep+1, false)

	case !compensating:
		if inst.CurrentStep == 0 {
			var cause error = fmt.Errorf("step %d (%s) failed with reply '%s'", 0, step.ForwardCommand, reply.ReplyType)
			if timedOut {
				cause = NewStepTimeoutError(inst.ID, 0, m.timeout(step))
			}
			m.fail(next, FailureStepFailed, failureReplyType(reply, timedOut), cause)
			return t
		}
		next.Attempt = 0
		t.command = m.compensateFrom(next, inst.CurrentStep-1)
		t.compensation = true

	case outcome == OutcomeSuccess:
		next.Attempt = 0
		t.command = m.compensateFrom(next, inst.CurrentStep-1)

	default:
		// Once a compensating command was re-sent, a failure without a command
		// id may be a redelivery of the previous attempt's answer.
		if !timedOut && inst.Attempt > 0 && reply.CommandID == "" {
			return transition{discard: DiscardUnattributed}
		}
		if inst.Attempt < step.CompensationRetries {
			next.Attempt = inst.Attempt + 1
			t.command = m.dispatch(next, inst.CurrentStep, true)
			return t
		}
		var cause error = NewCompensationFailedError(inst.ID, inst.CurrentStep, reply.ReplyType)
		if timedOut {
			cause = NewStepTimeoutError(inst.ID, inst.CurrentStep, m.timeout(step))
		}
		m.fail(next, FailureCompensationFailed, failureReplyType(reply, timedOut), cause)
	}
	return t
}

// compensateFrom walks backwards from step to the nearest step with a
// compensating command and dispatches it. With none left the saga is COMPENSATED.
func (m machine) compensateFrom(next *SagaInstance, step int) *CommandMessage {
	for i := step; i >= 0; i-- {
		if m.def.Steps[i].HasCompensation() {
			return m.dispatch(next, i, true)
		}
	}
	m.settle(next, StateCompensated)
	next.CurrentStep = 0
	return nil
}

func (m machine) expiry() time.Time {
	if m.sweptAt.IsZero() {
		return m.now
	}
	return m.sweptAt
}

func (m machine) settle(next *SagaInstance, state LifecycleState) {
	next.State = state
	next.CommandID = ""
	next.Deadline = nil
}

func (m machine) fail(next *SagaInstance, kind FailureKind, replyType string, cause error) {
	m.settle(next, StateFailed)
	next.Failure = newFailureRecord(kind, next.CurrentStep, replyType, cause, m.now)
}

func failureReplyType(reply ReplyMessage, timedOut bool) string {
	if timedOut {
		return TimeoutReplyType
	}
	return reply.ReplyType
}

func mergePayload(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
