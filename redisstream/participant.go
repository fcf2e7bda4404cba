package redisstream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// Participant is the service side: it consumes its command stream and
// publishes replies to the shared reply stream.
type Participant struct {
	client   redis.UniversalClient
	name     string
	opts     Options
	handler  saga.CommandHandler
	commands *consumer
}

// NewParticipant creates a participant named name. Its consumer group is
// the participant name, so replicas share the work.
func NewParticipant(client redis.UniversalClient, name string, handler saga.CommandHandler, opts Options) *Participant {
	opts = opts.withDefaults()
	p := &Participant{client: client, name: name, opts: opts, handler: handler}
	p.commands = &consumer{
		client: client,
		stream: opts.CommandStream(name),
		group:  name,
		name:   opts.Consumer,
		opts:   opts,
		handle: p.handleCommand,
	}
	return p
}

// ConsumeCommands handles commands until ctx is cancelled.
func (p *Participant) ConsumeCommands(ctx context.Context) error {
	return p.commands.run(ctx)
}

// PublishReply appends reply to the reply stream.
func (p *Participant) PublishReply(ctx context.Context, reply saga.ReplyMessage) error {
	return PublishReply(ctx, p.client, p.opts, reply)
}

func (p *Participant) handleCommand(ctx context.Context, data []byte) error {
	var cmd saga.CommandMessage
	if err := json.Unmarshal(data, &cmd); err != nil {
		return &decodeError{err: err}
	}

	reply, ok := p.handler.HandleCommand(ctx, cmd)
	if !ok {
		p.opts.Logger.Debug().
			Str("saga_id", cmd.SagaID).
			Str("command_type", cmd.CommandType).
			Msg("command handled without reply")
		return nil
	}
	return p.PublishReply(ctx, reply)
}

// PublishReply appends reply to the reply stream named in opts.
func PublishReply(ctx context.Context, client redis.UniversalClient, opts Options, reply saga.ReplyMessage) error {
	stream := opts.ReplyStream
	if stream == "" {
		stream = DefaultReplyStream
	}
	_, err := publish(ctx, client, stream, opts.MaxLen, reply, map[string]any{
		"sagaId":    reply.SagaID,
		"replyType": reply.ReplyType,
	})
	return err
}
