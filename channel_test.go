package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryChannel_SendAndDeliver(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	if err := ch.Deliver(ctx, ReplyMessage{SagaID: "s1"}); !errors.Is(err, ErrNoReplyHandler) {
		t.Errorf("Deliver without handler err = %v", err)
	}

	var got ReplyMessage
	ch.OnReply(func(ctx context.Context, reply ReplyMessage) error {
		got = reply
		return nil
	})

	payload := map[string]any{"a": 1}
	if err := ch.SendCommand(ctx, CommandMessage{SagaID: "s1", CommandType: "Do", Payload: payload}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	payload["a"] = 2

	sent := ch.Sent()
	if len(sent) != 1 || sent[0].Payload["a"] != 1 {
		t.Errorf("sent = %+v", sent)
	}
	if last, ok := ch.Last(); !ok || last.CommandType != "Do" {
		t.Errorf("Last = %+v, %v", last, ok)
	}

	if err := ch.Deliver(ctx, ReplyMessage{SagaID: "s1", ReplyType: "Done"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.ReplyType != "Done" {
		t.Errorf("handler got %+v", got)
	}
}

func TestMemoryChannel_FailNext(t *testing.T) {
	ch := NewMemoryChannel()
	boom := errors.New("boom")
	ch.FailNext(2, boom)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ch.SendCommand(ctx, CommandMessage{SagaID: "s1"}); !errors.Is(err, boom) {
			t.Errorf("send %d err = %v", i, err)
		}
	}
	if err := ch.SendCommand(ctx, CommandMessage{SagaID: "s1"}); err != nil {
		t.Errorf("third send err = %v", err)
	}
	if len(ch.Sent()) != 1 {
		t.Errorf("failed sends must not be recorded")
	}
}

func TestMemoryChannel_Attach(t *testing.T) {
	ch := NewMemoryChannel()
	var replies atomic.Int32
	ch.OnReply(func(ctx context.Context, reply ReplyMessage) error {
		if reply.CommandID != "cmd-1" || reply.ReplyType != "Done" {
			t.Errorf("reply = %+v", reply)
		}
		replies.Add(1)
		return nil
	})

	p := NewScriptedParticipant().On("Do", ScriptedResponse{ReplyType: "Done", Outcome: OutcomeSuccess})
	ch.Attach("worker", p)

	ctx := context.Background()
	_ = ch.SendCommand(ctx, CommandMessage{SagaID: "s1", Participant: "worker", CommandType: "Do", CommandID: "cmd-1"})
	_ = ch.SendCommand(ctx, CommandMessage{SagaID: "s2", Participant: "nobody", CommandType: "Do"})
	ch.Wait()

	if replies.Load() != 1 {
		t.Errorf("replies = %d, want 1", replies.Load())
	}
	if len(p.Received()) != 1 {
		t.Errorf("participant received %d commands", len(p.Received()))
	}
}

func TestScriptedParticipant(t *testing.T) {
	p := NewScriptedParticipant().
		On("Pay", ScriptedResponse{ReplyType: "Declined", Outcome: OutcomeFailure, Times: 2}).
		On("Pay", ScriptedResponse{ReplyType: "Paid", Outcome: OutcomeSuccess, Payload: map[string]any{"id": "p1"}}).
		On("Ship", ScriptedResponse{Silent: true})

	ctx := context.Background()
	cmd := CommandMessage{SagaID: "s1", StepIndex: 2, CommandType: "Pay", CommandID: "c"}

	want := []string{"Declined", "Declined", "Paid", "Paid"}
	for i, w := range want {
		reply, ok := p.HandleCommand(ctx, cmd)
		if !ok || reply.ReplyType != w {
			t.Errorf("call %d = %s (%v), want %s", i, reply.ReplyType, ok, w)
		}
		if reply.SagaID != "s1" || reply.StepIndex != 2 || reply.CommandID != "c" {
			t.Errorf("reply not correlated: %+v", reply)
		}
	}

	if _, ok := p.HandleCommand(ctx, CommandMessage{CommandType: "Ship"}); ok {
		t.Error("silent response should not reply")
	}
	if _, ok := p.HandleCommand(ctx, CommandMessage{CommandType: "Unknown"}); ok {
		t.Error("unscripted command should not reply")
	}
	if len(p.Received()) != 6 {
		t.Errorf("received = %d, want 6", len(p.Received()))
	}
}

func TestCommandHandlerFunc(t *testing.T) {
	h := CommandHandlerFunc(func(ctx context.Context, cmd CommandMessage) (ReplyMessage, bool) {
		return ReplyMessage{SagaID: cmd.SagaID, ReplyType: "Ok"}, true
	})
	reply, ok := h.HandleCommand(context.Background(), CommandMessage{SagaID: "s1"})
	if !ok || reply.ReplyType != "Ok" || reply.SagaID != "s1" {
		t.Errorf("reply = %+v, %v", reply, ok)
	}
}

func TestRetryingChannel(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		attempts uint
		wantErr  bool
		wantSent int
	}{
		{"succeeds first time", 0, 3, false, 1},
		{"recovers", 2, 3, false, 1},
		{"gives up", 5, 3, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := NewMemoryChannel()
			inner.FailNext(tt.failures, errors.New("broker unavailable"))
			ch := NewRetryingChannel(inner, RetryPolicy{Attempts: tt.attempts, Delay: time.Millisecond}, nil)

			err := ch.SendCommand(context.Background(), CommandMessage{SagaID: "s1"})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := len(inner.Sent()); got != tt.wantSent {
				t.Errorf("sent = %d, want %d", got, tt.wantSent)
			}
		})
	}
}

func TestRetryingChannel_ContextCancelled(t *testing.T) {
	inner := NewMemoryChannel()
	inner.FailNext(100, errors.New("down"))
	ch := NewRetryingChannel(inner, RetryPolicy{Attempts: 100, Delay: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := ch.SendCommand(ctx, CommandMessage{SagaID: "s1"}); err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry ignored cancellation, took %v", elapsed)
	}
}

func TestRetryingChannel_OnReplyDelegates(t *testing.T) {
	inner := NewMemoryChannel()
	ch := NewRetryingChannel(inner, DefaultRetryPolicy, nil)

	called := false
	ch.OnReply(func(ctx context.Context, reply ReplyMessage) error {
		called = true
		return nil
	})
	if err := inner.Deliver(context.Background(), ReplyMessage{}); err != nil || !called {
		t.Errorf("handler not registered on inner channel: %v", err)
	}
}
