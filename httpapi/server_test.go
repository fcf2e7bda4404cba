package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/grafikui/saga-orchestrator-go"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	orch    *saga.Orchestrator
	store   *saga.MemoryStore
	channel *saga.MemoryChannel
	hub     *Hub
	router  *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := saga.NewMemoryStore()
	ch := saga.NewMemoryChannel()
	hub := NewHub()
	orch := saga.NewOrchestrator(store, ch, saga.OrchestratorOptions{Events: []*saga.OrchestratorEvents{hub.Events()}})
	require.NoError(t, orch.Register(saga.MustSagaDefinition("booking", []saga.StepDefinition{
		{
			Participant:         "hotel",
			ForwardCommand:      "BookRoom",
			CompensatingCommand: "CancelRoom",
			Replies:             map[string]saga.Outcome{"RoomBooked": saga.OutcomeSuccess, "NoRooms": saga.OutcomeFailure},
			CompensationReplies: map[string]saga.Outcome{"RoomCancelled": saga.OutcomeSuccess},
		},
		{
			Participant:    "flight",
			ForwardCommand: "BookFlight",
			NoCompensation: true,
			Replies:        map[string]saga.Outcome{"FlightBooked": saga.OutcomeSuccess, "NoSeats": saga.OutcomeFailure},
		},
	})))
	orch.Listen()

	srv := NewServer(orch, Options{
		Store:   store,
		Hub:     hub,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	return &testEnv{orch: orch, store: store, channel: ch, hub: hub, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) startBooking(t *testing.T, key string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/sagas/booking", map[string]any{"payload": map[string]any{"guest": "ada"}}, map[string]string{IdempotencyHeader: key})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.SagaID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics", w.Body.String())
}

func TestStartSaga(t *testing.T) {
	env := newTestEnv(t)
	id := env.startBooking(t, "b-1")
	assert.NotEmpty(t, id)

	last, ok := env.channel.Last()
	require.True(t, ok)
	assert.Equal(t, "BookRoom", last.CommandType)
	assert.Equal(t, "ada", last.Payload["guest"])

	// Replay returns the same id with 200.
	w := env.do(t, http.MethodPost, "/sagas/booking", nil, map[string]string{IdempotencyHeader: "b-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.SagaID)
	assert.True(t, resp.Duplicate)
	assert.Len(t, env.channel.Sent(), 1)
}

func TestStartSagaKeyInBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/sagas/booking", map[string]any{"idempotencyKey": "body-key"}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStartSagaErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing key", "/sagas/booking", nil, "", http.StatusBadRequest, saga.ErrCodeIdempotencyRequired},
		{"unknown type", "/sagas/nope", map[string]string{IdempotencyHeader: "k"}, "", http.StatusNotFound, saga.ErrCodeUnknownSagaType},
		{"bad json", "/sagas/booking", map[string]string{IdempotencyHeader: "k"}, "{", http.StatusBadRequest, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set(requestIDHeader, "req-42")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, "req-42", resp.RequestID)
		})
	}
}

func TestStartSagaSendFailureReturnsID(t *testing.T) {
	env := newTestEnv(t)
	env.channel.FailNext(1, errors.New("broker unavailable"))

	w := env.do(t, http.MethodPost, "/sagas/booking", nil, map[string]string{IdempotencyHeader: "b-9"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, saga.ErrCodeOrchestratorFault, resp.Code)
	require.NotEmpty(t, resp.SagaID)

	w = env.do(t, http.MethodGet, "/sagas/"+resp.SagaID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(saga.StateStepInFlight))
}

func TestGetSaga(t *testing.T) {
	env := newTestEnv(t)
	id := env.startBooking(t, "b-1")

	w := env.do(t, http.MethodGet, "/sagas/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, id, body["sagaId"])
	assert.Equal(t, "booking", body["sagaType"])
	assert.Equal(t, string(saga.StateStepInFlight), body["lifecycleState"])
	assert.EqualValues(t, 0, body["currentStepIndex"])

	w = env.do(t, http.MethodGet, "/sagas/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, saga.ErrCodeNotFound, decodeError(t, w).Code)
}

func TestListSagas(t *testing.T) {
	env := newTestEnv(t)
	env.startBooking(t, "b-1")
	env.startBooking(t, "b-2")

	w := env.do(t, http.MethodGet, "/sagas?type=booking&state=step_in_flight&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Items, 1)

	w = env.do(t, http.MethodGet, "/sagas?state=COMPLETED", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)

	w = env.do(t, http.MethodGet, "/sagas?state=PAUSED", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/sagas?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostReply(t *testing.T) {
	env := newTestEnv(t)
	id := env.startBooking(t, "b-1")

	w := env.do(t, http.MethodPost, "/replies", saga.ReplyMessage{SagaID: id, StepIndex: 0, ReplyType: "RoomBooked", Outcome: saga.OutcomeSuccess}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	inst, err := env.orch.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStep)

	w = env.do(t, http.MethodPost, "/replies", saga.ReplyMessage{SagaID: "missing", ReplyType: "RoomBooked"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/replies", map[string]any{"sagaId": id}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDefinitions(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/definitions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BookRoom")
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.startBooking(t, "b-1")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sagas/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap saga.SagaInstance
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, saga.StateStepInFlight, snap.State)

	require.Eventually(t, func() bool { return env.hub.Watchers(id) == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.orch.HandleReply(ctx, saga.ReplyMessage{SagaID: id, StepIndex: 0, ReplyType: "RoomBooked"}))
	require.NoError(t, env.orch.HandleReply(ctx, saga.ReplyMessage{SagaID: id, StepIndex: 1, ReplyType: "FlightBooked"}))

	var states []saga.LifecycleState
	for {
		var s saga.SagaInstance
		if err := conn.ReadJSON(&s); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		states = append(states, s.State)
	}
	require.NotEmpty(t, states)
	assert.Equal(t, saga.StateCompleted, states[len(states)-1])

	require.Eventually(t, func() bool { return env.hub.Watchers(id) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchUnknownSaga(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/sagas/missing/watch", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHubDropsOldestForSlowWatcher(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()

	for v := int64(1); v <= watchBuffer+5; v++ {
		hub.Publish(saga.SagaInstance{ID: "s1", Version: v})
	}
	hub.Publish(saga.SagaInstance{ID: "other", Version: 1})

	var last int64
	for len(ch) > 0 {
		last = (<-ch).Version
	}
	assert.EqualValues(t, watchBuffer+5, last)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Watchers("s1"))
}
