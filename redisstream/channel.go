package redisstream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// Channel is the orchestrator side: it publishes commands and consumes the
// shared reply stream.
type Channel struct {
	client redis.UniversalClient
	opts   Options

	mu      sync.RWMutex
	handler saga.ReplyHandler

	replies *consumer
}

// NewChannel creates a Redis Streams channel.
func NewChannel(client redis.UniversalClient, opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{client: client, opts: opts}
	c.replies = &consumer{
		client: client,
		stream: opts.ReplyStream,
		group:  opts.Group,
		name:   opts.Consumer,
		opts:   opts,
		handle: c.handleReply,
	}
	return c
}

// SendCommand appends cmd to the participant's command stream.
func (c *Channel) SendCommand(ctx context.Context, cmd saga.CommandMessage) error {
	_, err := publish(ctx, c.client, c.opts.CommandStream(cmd.Participant), c.opts.MaxLen, cmd, map[string]any{
		"sagaId":      cmd.SagaID,
		"commandType": cmd.CommandType,
	})
	return err
}

// OnReply sets the reply handler. Replies read before a handler is set stay pending.
func (c *Channel) OnReply(handler saga.ReplyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Run consumes replies until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	return c.replies.run(ctx)
}

func (c *Channel) handleReply(ctx context.Context, data []byte) error {
	var reply saga.ReplyMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		return &decodeError{err: err}
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return saga.ErrNoReplyHandler
	}
	return handler(ctx, reply)
}

var _ saga.Channel = (*Channel)(nil)
