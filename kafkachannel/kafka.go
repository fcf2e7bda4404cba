// Package kafkachannel carries saga commands and replies over Kafka.
//
// Each participant owns a command topic. Messages are keyed by saga id so
// every command of one saga lands on the same partition in order.
package kafkachannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// Defaults
const (
	DefaultTopicPrefix = "saga.cmd."
	DefaultReplyTopic  = "saga.replies"
	DefaultGroupID     = "saga-orchestrator"
)

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader used here.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names brokers and topics.
type Config struct {
	Brokers     []string
	TopicPrefix string
	ReplyTopic  string
	GroupID     string

	// MaxRetries is how often a failing message is handled again before it
	// is written to the dead-letter topic.
	MaxRetries   int
	RetryBackoff time.Duration

	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.ReplyTopic == "" {
		c.ReplyTopic = DefaultReplyTopic
	}
	if c.GroupID == "" {
		c.GroupID = DefaultGroupID
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// CommandTopic returns the topic a participant reads commands from.
func (c Config) CommandTopic(participant string) string {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + participant
}

// DLQTopic returns the dead-letter topic for topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewWriter returns a writer without a fixed topic; every message names its own.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewReader returns a consumer-group reader with explicit commits.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

func encode(topic, key string, v any, headers ...kafka.Header) (kafka.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
		Time:    time.Now().UTC(),
	}, nil
}

// Channel is the orchestrator side.
type Channel struct {
	cfg    Config
	writer Writer
	reader Reader

	mu      sync.RWMutex
	handler saga.ReplyHandler
}

// NewChannel creates a channel writing commands through writer and reading
// replies from reader, which must be subscribed to cfg.ReplyTopic.
func NewChannel(writer Writer, reader Reader, cfg Config) *Channel {
	return &Channel{cfg: cfg.withDefaults(), writer: writer, reader: reader}
}

// SendCommand publishes cmd to the participant's command topic.
func (c *Channel) SendCommand(ctx context.Context, cmd saga.CommandMessage) error {
	msg, err := encode(c.cfg.CommandTopic(cmd.Participant), cmd.SagaID, cmd,
		kafka.Header{Key: "commandType", Value: []byte(cmd.CommandType)})
	if err != nil {
		return err
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// OnReply sets the reply handler.
func (c *Channel) OnReply(handler saga.ReplyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Run consumes replies until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	return consume(ctx, c.reader, c.writer, c.cfg, c.handleReply)
}

// Close closes the reader and writer.
func (c *Channel) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}

func (c *Channel) handleReply(ctx context.Context, msg kafka.Message) error {
	var reply saga.ReplyMessage
	if err := json.Unmarshal(msg.Value, &reply); err != nil {
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

// Participant is the service side: it consumes one command topic and
// publishes replies.
type Participant struct {
	cfg     Config
	reader  Reader
	writer  Writer
	handler saga.CommandHandler
}

// NewParticipant creates a participant reading from reader, which must be
// subscribed to cfg.CommandTopic(name).
func NewParticipant(reader Reader, writer Writer, handler saga.CommandHandler, cfg Config) *Participant {
	return &Participant{cfg: cfg.withDefaults(), reader: reader, writer: writer, handler: handler}
}

// ConsumeCommands handles commands until ctx is cancelled.
func (p *Participant) ConsumeCommands(ctx context.Context) error {
	return consume(ctx, p.reader, p.writer, p.cfg, p.handleCommand)
}

// PublishReply writes reply to the reply topic.
func (p *Participant) PublishReply(ctx context.Context, reply saga.ReplyMessage) error {
	msg, err := encode(p.cfg.ReplyTopic, reply.SagaID, reply)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (p *Participant) handleCommand(ctx context.Context, msg kafka.Message) error {
	var cmd saga.CommandMessage
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return &decodeError{err: err}
	}
	reply, ok := p.handler.HandleCommand(ctx, cmd)
	if !ok {
		return nil
	}
	return p.PublishReply(ctx, reply)
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

// consume fetches, handles and commits messages in order. A message that
// still fails after MaxRetries attempts is dead-lettered so the partition
// keeps moving.
func consume(ctx context.Context, reader Reader, writer Writer, cfg Config, handle func(context.Context, kafka.Message) error) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := handleWithRetry(ctx, msg, cfg, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if dlqErr := deadLetter(ctx, writer, msg, err, cfg.Logger); dlqErr != nil {
				// Not committed; the message is redelivered after a restart.
				return dlqErr
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func handleWithRetry(ctx context.Context, msg kafka.Message, cfg Config, handle func(context.Context, kafka.Message) error) error {
	return retry.Do(
		func() error { return handle(ctx, msg) },
		retry.Attempts(uint(cfg.MaxRetries)),
		retry.Delay(cfg.RetryBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var decodeErr *decodeError
			return !errors.As(err, &decodeErr)
		}),
		retry.OnRetry(func(n uint, err error) {
			cfg.Logger.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Uint("attempt", n+1).
				Msg("message handling failed")
		}),
	)
}

func deadLetter(ctx context.Context, writer Writer, msg kafka.Message, cause error, logger *zerolog.Logger) error {
	logger.Error().
		Err(cause).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Msg("moving message to dead-letter topic")

	dlq := kafka.Message{
		Topic: DLQTopic(msg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: "reason", Value: []byte(saga.TruncateError(cause))},
			kafka.Header{Key: "offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
		),
		Time: time.Now().UTC(),
	}
	if err := writer.WriteMessages(ctx, dlq); err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	return nil
}
