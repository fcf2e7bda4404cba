// Package saga provides a message-driven saga orchestrator for Go.
//
// The saga pattern coordinates a business transaction that spans several
// independently owned services. The orchestrator sends one command at a time
// to the participant owning the current step and advances when the reply
// arrives. If a step fails, previously completed steps are compensated in
// reverse order.
//
// Key features:
//   - Stateless engine: instance state lives in a Store with compare-and-swap saves
//   - Idempotent start: a client idempotency key maps to exactly one instance
//   - Idempotent replies: duplicate and late replies never double-advance a saga
//   - Per-step timeouts: a silent participant produces a synthetic failure
//   - Pluggable transport: in-memory, Redis Streams and Kafka channels
//
// Example:
//
//	def, _ := saga.NewSagaDefinition("order", []saga.StepDefinition{
//	    {
//	        Participant:         "credit",
//	        ForwardCommand:      "ReserveCredit",
//	        CompensatingCommand: "ReleaseCredit",
//	        Replies:             map[string]saga.Outcome{"CreditReserved": saga.OutcomeSuccess, "CreditLimitExceeded": saga.OutcomeFailure},
//	        CompensationReplies: map[string]saga.Outcome{"CreditReleased": saga.OutcomeSuccess},
//	    },
//	    ...
//	})
//	orch := saga.NewOrchestrator(store, channel, saga.OrchestratorOptions{})
//	_ = orch.Register(def)
//	orch.Listen()
//	id, err := orch.Start(ctx, "order", "order-123", map[string]any{"orderId": "123"})
package saga

import "time"

// StepDefinition describes one stage of a saga.
type StepDefinition struct {
	// Index is the 0-based position, assigned by NewSagaDefinition.
	Index int `json:"stepIndex" yaml:"-"`

	Participant    string `json:"participant" yaml:"participant"`
	ForwardCommand string `json:"forwardCommand" yaml:"forwardCommand"`

	// CompensatingCommand undoes the forward command. Empty means no
	// compensation, which steps after the first must declare via NoCompensation.
	CompensatingCommand string `json:"compensatingCommand,omitempty" yaml:"compensatingCommand"`
	NoCompensation      bool   `json:"noCompensation,omitempty" yaml:"noCompensation"`

	// Replies resolves the forward command.
	Replies map[string]Outcome `json:"replies" yaml:"replies"`
	// CompensationReplies resolves the compensating command.
	CompensationReplies map[string]Outcome `json:"compensationReplies,omitempty" yaml:"compensationReplies"`

	// Timeout bounds how long a command of this step may stay unanswered.
	// Zero falls back to OrchestratorOptions.StepTimeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// CompensationRetries is how many times a failed compensating command is
	// re-sent before the saga is parked in FAILED.
	CompensationRetries int `json:"compensationRetries,omitempty" yaml:"compensationRetries"`
}

// HasCompensation reports whether a compensating command is declared.
func (s StepDefinition) HasCompensation() bool {
	return s.CompensatingCommand != ""
}

// SagaDefinition is the static, ordered description of a saga type.
type SagaDefinition struct {
	Name  string           `json:"name"`
	Steps []StepDefinition `json:"steps"`
}

// Len returns the number of steps.
func (d *SagaDefinition) Len() int {
	return len(d.Steps)
}

// FailureRecord explains why an instance ended in FAILED.
type FailureRecord struct {
	Kind      FailureKind `json:"kind"`
	Step      int         `json:"step"`
	ReplyType string      `json:"replyType,omitempty"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// SagaInstance is the mutable record of one saga execution.
type SagaInstance struct {
	ID             string         `json:"sagaId"`
	SagaType       string         `json:"sagaType"`
	IdempotencyKey string         `json:"idempotencyKey"`
	CurrentStep    int            `json:"currentStepIndex"`
	State          LifecycleState `json:"lifecycleState"`
	Payload        map[string]any `json:"payload"`
	Version        int64          `json:"version"`

	// CommandID identifies the command currently in flight.
	CommandID string `json:"commandId,omitempty"`
	// Attempt counts compensation re-sends on the current step.
	Attempt int `json:"attempt,omitempty"`
	// Deadline is when the in-flight command times out.
	Deadline *time.Time `json:"deadline,omitempty"`

	Failure   *FailureRecord `json:"failure,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share payload maps with a store.
func (i *SagaInstance) Clone() *SagaInstance {
	if i == nil {
		return nil
	}
	c := *i
	c.Payload = clonePayload(i.Payload)
	if i.Deadline != nil {
		d := *i.Deadline
		c.Deadline = &d
	}
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	return &c
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CommandMessage is sent to a participant.
type CommandMessage struct {
	SagaID       string         `json:"sagaId"`
	StepIndex    int            `json:"stepIndex"`
	CommandType  string         `json:"commandType"`
	Participant  string         `json:"participant"`
	Compensation bool           `json:"compensation,omitempty"`
	CommandID    string         `json:"commandId"`
	Payload      map[string]any `json:"payload"`
}

// ReplyMessage is received from a participant.
type ReplyMessage struct {
	SagaID    string         `json:"sagaId"`
	StepIndex int            `json:"stepIndex"`
	ReplyType string         `json:"replyType"`
	Outcome   Outcome        `json:"outcome"`
	CommandID string         `json:"commandId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// InstanceFilter is used to query instances.
type InstanceFilter struct {
	SagaType      string
	States        []LifecycleState
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	Offset        int
	Limit         int
}

// QueryResult is the result of an instance query.
type QueryResult struct {
	Instances []SagaInstance
	Total     int
}
