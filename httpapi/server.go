// Package httpapi exposes the orchestrator over HTTP with gin.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// IdempotencyHeader carries the client's idempotency key on start requests.
const IdempotencyHeader = "Idempotency-Key"

// Options configures a Server.
type Options struct {
	// Store backs the list endpoint.
	Store saga.Store
	// Hub feeds the watch endpoint. Register Hub.Events() with the orchestrator.
	Hub *Hub
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// Middleware runs after request id assignment and before access logging.
	Middleware []gin.HandlerFunc
	Logger     *zerolog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	orch       *saga.Orchestrator
	store      saga.Store
	hub        *Hub
	metrics    http.Handler
	middleware []gin.HandlerFunc
	logger     *zerolog.Logger
}

// NewServer creates a Server.
func NewServer(orch *saga.Orchestrator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		orch:       orch,
		store:      opts.Store,
		hub:        hub,
		metrics:    opts.Metrics,
		middleware: opts.Middleware,
		logger:     logger,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID())
	router.Use(s.middleware...)
	router.Use(AccessLog(s.logger))

	router.GET("/healthz", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	router.GET("/definitions", s.definitions)

	sagas := router.Group("/sagas")
	{
		sagas.POST("/:type", s.start)
		sagas.GET("", s.list)
		sagas.GET("/:id", s.get)
		sagas.GET("/:id/watch", s.watch)
	}
	router.POST("/replies", s.reply)
	return router
}

type startRequest struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
}

type startResponse struct {
	SagaID    string `json:"sagaId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type listResponse struct {
	Items []saga.SagaInstance `json:"items"`
	Total int                 `json:"total"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) definitions(c *gin.Context) {
	names := s.orch.Definitions()
	defs := make([]*saga.SagaDefinition, 0, len(names))
	for _, name := range names {
		if def, err := s.orch.Definition(name); err == nil {
			defs = append(defs, def)
		}
	}
	c.JSON(http.StatusOK, defs)
}

// start handles POST /sagas/:type. A new saga answers 202, a replayed
// idempotency key answers 200 with the original id.
func (s *Server) start(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	id, err := s.orch.Start(c.Request.Context(), c.Param("type"), key, req.Payload)
	var dup *saga.DuplicateSagaError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, startResponse{SagaID: id})
	case errors.As(err, &dup):
		c.JSON(http.StatusOK, startResponse{SagaID: dup.SagaID, Duplicate: true})
	default:
		// A non-empty id means the saga is stored; its deadline settles it.
		writeSagaError(c, err, id)
	}
}

func (s *Server) get(c *gin.Context) {
	inst, err := s.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) list(c *gin.Context) {
	if s.store == nil {
		writeErrorCode(c, http.StatusNotImplemented, CodeInternal, "listing is not configured")
		return
	}

	filter := saga.InstanceFilter{SagaType: c.Query("type")}
	for _, raw := range c.QueryArray("state") {
		for _, part := range strings.Split(raw, ",") {
			st := saga.LifecycleState(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, "unknown state: "+part)
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	result, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	items := result.Instances
	if items == nil {
		items = []saga.SagaInstance{}
	}
	c.JSON(http.StatusOK, listResponse{Items: items, Total: result.Total})
}

// reply ingests a participant reply delivered over HTTP.
func (s *Server) reply(c *gin.Context) {
	var reply saga.ReplyMessage
	if err := c.ShouldBindJSON(&reply); err != nil {
		writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if reply.SagaID == "" || reply.ReplyType == "" {
		writeErrorCode(c, http.StatusBadRequest, CodeInvalidRequest, "sagaId and replyType are required")
		return
	}

	if err := s.orch.HandleReply(c.Request.Context(), reply); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
