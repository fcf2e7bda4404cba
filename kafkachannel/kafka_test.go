package kafkachannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/grafikui/saga-orchestrator-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) topic(name string) []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafka.Message
	for _, m := range w.msgs {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

// runUntilDrained runs fn until every queued message is committed.
func runUntilDrained(t *testing.T, r *fakeReader, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not committed")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func replyMessage(t *testing.T, reply saga.ReplyMessage) kafka.Message {
	t.Helper()
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	return kafka.Message{Topic: DefaultReplyTopic, Key: []byte(reply.SagaID), Value: data}
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestChannel_SendCommand(t *testing.T) {
	w := &fakeWriter{}
	ch := NewChannel(w, newFakeReader(), Config{})

	err := ch.SendCommand(context.Background(), saga.CommandMessage{
		SagaID:      "s1",
		Participant: "payment",
		CommandType: "ChargePayment",
		CommandID:   "c1",
	})
	require.NoError(t, err)

	msgs := w.topic("saga.cmd.payment")
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", string(msgs[0].Key))
	assert.Equal(t, "commandType", msgs[0].Headers[0].Key)

	var cmd saga.CommandMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &cmd))
	assert.Equal(t, "c1", cmd.CommandID)
}

func TestChannel_SendCommandError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	ch := NewChannel(w, newFakeReader(), Config{})
	assert.Error(t, ch.SendCommand(context.Background(), saga.CommandMessage{SagaID: "s1"}))
}

func TestChannel_RunDeliversReplies(t *testing.T) {
	r := newFakeReader(
		replyMessage(t, saga.ReplyMessage{SagaID: "s1", ReplyType: "A"}),
		replyMessage(t, saga.ReplyMessage{SagaID: "s2", ReplyType: "B"}),
	)
	w := &fakeWriter{}
	ch := NewChannel(w, r, Config{})

	var got []string
	ch.OnReply(func(ctx context.Context, reply saga.ReplyMessage) error {
		got = append(got, reply.ReplyType)
		return nil
	})

	runUntilDrained(t, r, ch.Run)
	assert.Equal(t, []string{"A", "B"}, got)
	assert.Len(t, r.committed, 2)
	assert.Empty(t, w.msgs)
}

func TestChannel_FailingReplyIsDeadLettered(t *testing.T) {
	r := newFakeReader(
		replyMessage(t, saga.ReplyMessage{SagaID: "s1", ReplyType: "A"}),
		kafka.Message{Topic: DefaultReplyTopic, Value: []byte("{oops")},
	)
	w := &fakeWriter{}
	ch := NewChannel(w, r, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})

	calls := 0
	ch.OnReply(func(ctx context.Context, reply saga.ReplyMessage) error {
		calls++
		return saga.NewOrchestratorFault(reply.SagaID, "save", errors.New("db down"))
	})

	runUntilDrained(t, r, ch.Run)
	assert.Equal(t, 2, calls)
	assert.Len(t, r.committed, 2)

	dlq := w.topic(DLQTopic(DefaultReplyTopic))
	require.Len(t, dlq, 2)
	assert.Equal(t, "s1", string(dlq[0].Key))
}

func TestHandleWithRetry(t *testing.T) {
	cfg := Config{MaxRetries: 3, RetryBackoff: time.Millisecond}.withDefaults()
	msg := kafka.Message{Topic: DefaultReplyTopic}

	t.Run("recovers", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), msg, cfg, func(context.Context, kafka.Message) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), msg, cfg, func(context.Context, kafka.Message) error {
			calls++
			return errors.New("db down")
		})
		assert.EqualError(t, err, "db down")
		assert.Equal(t, 3, calls)
	})

	t.Run("decode errors are not retried", func(t *testing.T) {
		calls := 0
		err := handleWithRetry(context.Background(), msg, cfg, func(context.Context, kafka.Message) error {
			calls++
			return &decodeError{err: errors.New("bad json")}
		})
		var decodeErr *decodeError
		assert.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := cfg
		slow.RetryBackoff = time.Hour
		calls := 0
		err := handleWithRetry(ctx, msg, slow, func(context.Context, kafka.Message) error {
			calls++
			cancel()
			return errors.New("db down")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestParticipant_ConsumeCommands(t *testing.T) {
	cmd := saga.CommandMessage{SagaID: "s1", StepIndex: 0, CommandType: "ReserveCredit", Participant: "credit", CommandID: "c1"}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	r := newFakeReader(kafka.Message{Topic: "saga.cmd.credit", Key: []byte("s1"), Value: data})
	w := &fakeWriter{}
	handler := saga.NewScriptedParticipant().
		On("ReserveCredit", saga.ScriptedResponse{ReplyType: "CreditReserved", Outcome: saga.OutcomeSuccess})
	p := NewParticipant(r, w, handler, Config{})

	runUntilDrained(t, r, p.ConsumeCommands)

	replies := w.topic(DefaultReplyTopic)
	require.Len(t, replies, 1)
	var reply saga.ReplyMessage
	require.NoError(t, json.Unmarshal(replies[0].Value, &reply))
	assert.Equal(t, "CreditReserved", reply.ReplyType)
	assert.Equal(t, "c1", reply.CommandID)
	assert.Equal(t, "s1", string(replies[0].Key))
}
