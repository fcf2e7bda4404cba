package saga

import (
	"context"
	"sync"
)

// CommandHandler is the participant side of the channel contract: it executes
// one local transaction and reports the outcome. ok is false when the
// participant stays silent, which the orchestrator sees as a timeout.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd CommandMessage) (reply ReplyMessage, ok bool)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd CommandMessage) (ReplyMessage, bool)

// HandleCommand calls f.
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd CommandMessage) (ReplyMessage, bool) {
	return f(ctx, cmd)
}

// ScriptedResponse is what a ScriptedParticipant answers to one command type.
type ScriptedResponse struct {
	ReplyType string
	Outcome   Outcome
	Payload   map[string]any
	// Silent drops the command without replying.
	Silent bool
	// Times limits how often the response is used; 0 means always.
	// Once used up, the participant falls back to the next response queued
	// for the same command type.
	Times int
}

// ScriptedParticipant answers commands from a fixed script keyed by command type.
// Commands without a script are dropped.
type ScriptedParticipant struct {
	mu       sync.Mutex
	script   map[string][]ScriptedResponse
	received []CommandMessage
}

// NewScriptedParticipant creates an empty ScriptedParticipant.
func NewScriptedParticipant() *ScriptedParticipant {
	return &ScriptedParticipant{script: make(map[string][]ScriptedResponse)}
}

// On queues a response for commandType and returns p for chaining.
func (p *ScriptedParticipant) On(commandType string, resp ScriptedResponse) *ScriptedParticipant {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[commandType] = append(p.script[commandType], resp)
	return p
}

// HandleCommand implements CommandHandler.
func (p *ScriptedParticipant) HandleCommand(ctx context.Context, cmd CommandMessage) (ReplyMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, cmd)

	queue := p.script[cmd.CommandType]
	if len(queue) == 0 {
		return ReplyMessage{}, false
	}
	resp := queue[0]
	if resp.Times > 0 {
		queue[0].Times--
		if queue[0].Times == 0 && len(queue) > 1 {
			p.script[cmd.CommandType] = queue[1:]
		}
	}
	if resp.Silent {
		return ReplyMessage{}, false
	}
	return ReplyMessage{
		SagaID:    cmd.SagaID,
		StepIndex: cmd.StepIndex,
		ReplyType: resp.ReplyType,
		Outcome:   resp.Outcome,
		CommandID: cmd.CommandID,
		Payload:   clonePayload(resp.Payload),
	}, true
}

// Received returns the commands seen so far.
func (p *ScriptedParticipant) Received() []CommandMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CommandMessage, len(p.received))
	copy(out, p.received)
	return out
}

// Ensure ScriptedParticipant implements CommandHandler.
var _ CommandHandler = (*ScriptedParticipant)(nil)
