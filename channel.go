package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// ReplyHandler is invoked for every reply a Channel receives.
// A returned error asks the transport not to acknowledge the message.
type ReplyHandler func(ctx context.Context, reply ReplyMessage) error

// Channel is the interface for the command/reply transport.
//
// SendCommand only enqueues; delivery is at-least-once and never confirmed
// synchronously. Transport failures are the channel's problem: wrap a
// channel in RetryingChannel to get backoff.
type Channel interface {
	SendCommand(ctx context.Context, cmd CommandMessage) error
	OnReply(handler ReplyHandler)
}

// ErrNoReplyHandler is returned by MemoryChannel.Deliver before OnReply was called.
var ErrNoReplyHandler = errors.New("no reply handler registered")

// MemoryChannel implements Channel in process.
// Every command is recorded; replies are injected with Deliver or produced
// by participants registered with Attach.
type MemoryChannel struct {
	mu           sync.Mutex
	sent         []CommandMessage
	handler      ReplyHandler
	participants map[string]CommandHandler
	sendErr      error
	failures     int
	inflight     sync.WaitGroup
}

// NewMemoryChannel creates a new MemoryChannel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{participants: make(map[string]CommandHandler)}
}

// SendCommand records cmd and hands it to the attached participant, if any.
func (c *MemoryChannel) SendCommand(ctx context.Context, cmd CommandMessage) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	cmd.Payload = clonePayload(cmd.Payload)
	c.sent = append(c.sent, cmd)
	p := c.participants[cmd.Participant]
	c.mu.Unlock()

	if p != nil {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			reply, ok := p.HandleCommand(context.Background(), cmd)
			if !ok {
				return
			}
			_ = c.Deliver(context.Background(), reply)
		}()
	}
	return nil
}

// OnReply registers the reply handler, replacing any previous one.
func (c *MemoryChannel) OnReply(handler ReplyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Deliver passes reply to the registered handler.
func (c *MemoryChannel) Deliver(ctx context.Context, reply ReplyMessage) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return ErrNoReplyHandler
	}
	return h(ctx, reply)
}

// Attach routes commands for participant to handler. Replies are delivered
// asynchronously; use Wait to block until they have been handled.
func (c *MemoryChannel) Attach(participant string, handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[participant] = handler
}

// Wait blocks until every reply produced by attached participants has been delivered.
func (c *MemoryChannel) Wait() {
	c.inflight.Wait()
}

// FailNext makes the next n sends return err without recording the command.
func (c *MemoryChannel) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
	c.sendErr = err
}

// Sent returns a copy of every recorded command in send order.
func (c *MemoryChannel) Sent() []CommandMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CommandMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTo returns the recorded commands for one saga.
func (c *MemoryChannel) SentTo(sagaID string) []CommandMessage {
	var out []CommandMessage
	for _, cmd := range c.Sent() {
		if cmd.SagaID == sagaID {
			out = append(out, cmd)
		}
	}
	return out
}

// Last returns the most recently recorded command.
func (c *MemoryChannel) Last() (CommandMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return CommandMessage{}, false
	}
	return c.sent[len(c.sent)-1], true
}

// Ensure MemoryChannel implements Channel.
var _ Channel = (*MemoryChannel)(nil)

// RetryPolicy configures RetryingChannel.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries a send five times with exponential backoff from 50ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Delay:    50 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// RetryingChannel retries SendCommand on the wrapped channel with exponential backoff.
type RetryingChannel struct {
	inner  Channel
	policy RetryPolicy
	logger *zerolog.Logger
}

// NewRetryingChannel wraps inner. A nil logger disables retry logging.
func NewRetryingChannel(inner Channel, policy RetryPolicy, logger *zerolog.Logger) *RetryingChannel {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RetryingChannel{inner: inner, policy: policy, logger: logger}
}

// SendCommand sends cmd, retrying transport errors until the policy is exhausted
// or ctx is done. The last error is returned.
func (c *RetryingChannel) SendCommand(ctx context.Context, cmd CommandMessage) error {
	opts := []retry.Option{
		retry.Attempts(c.policy.Attempts),
		retry.Delay(c.policy.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().
				Err(err).
				Str("saga_id", cmd.SagaID).
				Str("command", cmd.CommandType).
				Uint("attempt", n+1).
				Msg("command send failed, retrying")
		}),
	}
	if c.policy.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(c.policy.MaxDelay))
	}
	return retry.Do(func() error {
		return c.inner.SendCommand(ctx, cmd)
	}, opts...)
}

// OnReply delegates to the wrapped channel.
func (c *RetryingChannel) OnReply(handler ReplyHandler) {
	c.inner.OnReply(handler)
}

// Ensure RetryingChannel implements Channel.
var _ Channel = (*RetryingChannel)(nil)
