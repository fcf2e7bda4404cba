// Package redisstream carries saga commands and replies over Redis Streams.
//
// Commands are appended to one stream per participant (<prefix><participant>).
// Replies from every participant share a single reply stream that the
// orchestrator reads through a consumer group. Messages that keep failing
// are moved to a <stream>:dlq dead-letter stream.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultCommandPrefix = "saga:cmd:"
	DefaultReplyStream   = "saga:replies"
	DefaultGroup         = "saga-orchestrator"
)

// Options configures streams and consumer behaviour.
type Options struct {
	CommandPrefix string
	ReplyStream   string

	// Group is the consumer group reading the reply stream.
	Group string
	// Consumer names this process inside its group. Defaults to hostname plus a random suffix.
	Consumer string

	BatchSize int
	// BlockTime is how long a read waits for new entries. Negative disables blocking.
	BlockTime time.Duration

	// MaxRetries is how often a message may be redelivered before it is dead-lettered.
	MaxRetries int
	// ClaimMinIdle is how long a pending entry must sit before another consumer claims it.
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration

	// MaxLen caps each command stream approximately. Zero keeps everything.
	MaxLen int64

	Logger *zerolog.Logger
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		CommandPrefix:        DefaultCommandPrefix,
		ReplyStream:          DefaultReplyStream,
		Group:                DefaultGroup,
		BatchSize:            10,
		BlockTime:            2 * time.Second,
		MaxRetries:           3,
		ClaimMinIdle:         30 * time.Second,
		PendingCheckInterval: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CommandPrefix == "" {
		o.CommandPrefix = d.CommandPrefix
	}
	if o.ReplyStream == "" {
		o.ReplyStream = d.ReplyStream
	}
	if o.Group == "" {
		o.Group = d.Group
	}
	if o.Consumer == "" {
		host, _ := os.Hostname()
		o.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BlockTime == 0 {
		o.BlockTime = d.BlockTime
	}
	if o.ClaimMinIdle == 0 {
		o.ClaimMinIdle = d.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = d.PendingCheckInterval
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// CommandStream returns the stream a participant reads its commands from.
func (o Options) CommandStream(participant string) string {
	prefix := o.CommandPrefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return prefix + participant
}

// DLQStream returns the dead-letter stream for stream.
func DLQStream(stream string) string {
	return stream + ":dlq"
}

// publish appends v as JSON under the "data" field.
func publish(ctx context.Context, client redis.UniversalClient, stream string, maxLen int64, v any, fields map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	values := map[string]any{"data": string(data)}
	for k, val := range fields {
		values[k] = val
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// consumer reads one stream through a consumer group.
type consumer struct {
	client redis.UniversalClient
	stream string
	group  string
	name   string
	opts   Options
	handle func(ctx context.Context, data []byte) error
}

func (c *consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// run consumes until ctx is cancelled. Pending entries are reclaimed on
// start and every PendingCheckInterval.
func (c *consumer) run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
		c.opts.Logger.Error().Err(err).Str("stream", c.stream).Msg("process pending failed")
	}

	ticker := time.NewTicker(c.opts.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.opts.Logger.Error().Err(err).Str("stream", c.stream).Msg("process pending failed")
			}
		default:
		}

		if _, err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// poll reads one batch of new entries and handles them.
func (c *consumer) poll(ctx context.Context) (int, error) {
	results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    int64(c.opts.BatchSize),
		Block:    c.opts.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	n := 0
	for _, result := range results {
		for _, m := range result.Messages {
			n++
			if err := c.process(ctx, m); err != nil {
				c.opts.Logger.Warn().Err(err).Str("stream", c.stream).Str("msg_id", m.ID).Msg("message left pending")
			}
		}
	}
	return n, nil
}

// processPending claims idle entries. Entries redelivered more than
// MaxRetries times go to the dead-letter stream.
func (c *consumer) processPending(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(c.opts.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", c.stream, err)
	}

	ids := make([]string, 0, len(pending))
	exhausted := make(map[string]int64)
	for _, p := range pending {
		if p.Idle < c.opts.ClaimMinIdle {
			continue
		}
		ids = append(ids, p.ID)
		if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
			exhausted[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return nil
	}

	messages, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.opts.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim %s: %w", c.stream, err)
	}

	for _, m := range messages {
		if count, ok := exhausted[m.ID]; ok {
			if err := c.deadLetter(ctx, m, fmt.Sprintf("max retries exceeded: %d", count)); err != nil {
				c.opts.Logger.Error().Err(err).Str("msg_id", m.ID).Msg("dead-letter failed")
			}
			continue
		}
		if err := c.process(ctx, m); err != nil {
			c.opts.Logger.Warn().Err(err).Str("stream", c.stream).Str("msg_id", m.ID).Msg("pending message failed again")
		}
	}
	return nil
}

// process handles one entry and acknowledges it on success. Entries that
// cannot be decoded are dead-lettered straight away.
func (c *consumer) process(ctx context.Context, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		return c.deadLetter(ctx, m, "missing data field")
	}
	if err := c.handle(ctx, []byte(data)); err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			return c.deadLetter(ctx, m, err.Error())
		}
		return err
	}
	return c.client.XAck(ctx, c.stream, c.group, m.ID).Err()
}

func (c *consumer) deadLetter(ctx context.Context, m redis.XMessage, reason string) error {
	c.opts.Logger.Error().
		Str("stream", c.stream).
		Str("msg_id", m.ID).
		Str("reason", reason).
		Msg("moving message to dead-letter stream")
	_, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream(c.stream),
		Values: map[string]any{
			"stream":   c.stream,
			"msgId":    m.ID,
			"reason":   reason,
			"data":     m.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.name,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return c.client.XAck(ctx, c.stream, c.group, m.ID).Err()
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }
