package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/grafikui/saga-orchestrator-go"
)

func TestEventsFeedCollectors(t *testing.T) {
	m := New()
	ev := m.Events()

	inst := saga.SagaInstance{ID: "s1", SagaType: "order", State: saga.StateStarted}
	ev.OnSagaStart(inst)
	inst.State = saga.StateCompensated
	ev.OnSagaCompensated(inst)

	ev.OnCommandSent(saga.CommandMessage{Participant: "credit"})
	ev.OnCommandSent(saga.CommandMessage{Participant: "credit", Compensation: true})
	ev.OnCommandFailed(saga.CommandMessage{Participant: "payment"}, errors.New("down"))
	ev.OnReplyApplied(saga.ReplyMessage{}, saga.OutcomeSuccess, 40*time.Millisecond)
	ev.OnReplyDiscarded(saga.ReplyMessage{}, "duplicate")
	ev.OnCompensationRun("s1", 0, 1)
	ev.OnStepTimeout("s1", 1, false)
	ev.OnConflictRetry("s1", 1)
	ev.OnFault("s1", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagasStarted.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagasFinished.WithLabelValues("order", "COMPENSATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("credit", "forward", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("credit", "compensation", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("payment", "forward", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("forward")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults))
}

func TestReplyLatencyHistogram(t *testing.T) {
	m := New()
	ev := m.Events()
	ev.OnReplyApplied(saga.ReplyMessage{}, saga.OutcomeFailure, 20*time.Millisecond)
	ev.OnReplyApplied(saga.ReplyMessage{}, saga.OutcomeFailure, 3*time.Second)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "saga_replies_wait_seconds" {
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 3.02, hist.GetSampleSum(), 0.0001)
}

func TestStateGauge(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		_, err := store.Create(ctx, "order", key, nil)
		require.NoError(t, err)
	}

	m := New()
	require.NoError(t, m.RegisterStateGauge(store, time.Second))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "saga_instances" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			counts[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
		}
	}
	assert.Len(t, counts, len(saga.AllStates))
	assert.Equal(t, 2.0, counts["STARTED"])
	assert.Equal(t, 0.0, counts["FAILED"])
}

type failingCounter struct{}

func (failingCounter) CountByState(context.Context, ...saga.LifecycleState) (int, error) {
	return 0, errors.New("store unavailable")
}

func TestStateGaugeReportsStoreError(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterStateGauge(failingCounter{}, time.Second))

	_, err := m.Registry().Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestHandler(t *testing.T) {
	m := New()
	m.Events().OnSagaStart(saga.SagaInstance{SagaType: "order"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `saga_started_total{saga_type="order"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
