package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	saga "github.com/grafikui/saga-orchestrator-go"
)

const (
	watchBuffer  = 16
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans persisted saga snapshots out to watchers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan saga.SagaInstance]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan saga.SagaInstance]struct{})}
}

// Events returns hooks that feed the hub from an orchestrator.
func (h *Hub) Events() *saga.OrchestratorEvents {
	return &saga.OrchestratorEvents{
		OnStateChange: func(inst saga.SagaInstance, from saga.LifecycleState) {
			h.Publish(inst)
		},
	}
}

// Subscribe registers interest in sagaID. The returned func unsubscribes.
func (h *Hub) Subscribe(sagaID string) (<-chan saga.SagaInstance, func()) {
	ch := make(chan saga.SagaInstance, watchBuffer)

	h.mu.Lock()
	set, ok := h.subs[sagaID]
	if !ok {
		set = make(map[chan saga.SagaInstance]struct{})
		h.subs[sagaID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sagaID][ch]; !ok {
			return
		}
		delete(h.subs[sagaID], ch)
		if len(h.subs[sagaID]) == 0 {
			delete(h.subs, sagaID)
		}
	}
}

// Publish hands inst to every watcher of its saga. A slow watcher loses its
// oldest queued snapshot, never the newest.
func (h *Hub) Publish(inst saga.SagaInstance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[inst.ID] {
		select {
		case ch <- inst:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- inst:
		default:
		}
	}
}

// Watchers returns how many watchers sagaID has.
func (h *Hub) Watchers(sagaID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sagaID])
}

// watch streams snapshots of a saga until it reaches a terminal state.
func (s *Server) watch(c *gin.Context) {
	sagaID := c.Param("id")

	// Subscribe before loading so no transition falls between the two.
	updates, unsubscribe := s.hub.Subscribe(sagaID)
	defer unsubscribe()

	inst, err := s.orch.Get(c.Request.Context(), sagaID)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("saga_id", sagaID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := inst.Version
	if !s.send(conn, *inst) || inst.State.IsTerminal() {
		s.closeWatch(conn)
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case snap := <-updates:
			if snap.Version <= last {
				continue
			}
			last = snap.Version
			if !s.send(conn, snap) {
				return
			}
			if snap.State.IsTerminal() {
				s.closeWatch(conn)
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, inst saga.SagaInstance) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(inst); err != nil {
		s.logger.Debug().Err(err).Str("saga_id", inst.ID).Msg("watch write failed")
		return false
	}
	return true
}

func (s *Server) closeWatch(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
