package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/lot-exchange/internal/identity"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256

	// DefaultHandlerTimeout bounds one inbound action.
	DefaultHandlerTimeout = 30 * time.Second
)

type session struct {
	id     registry.SessionID
	caller *model.Caller
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub owns the websocket sessions and delivers engine events to them.
type Hub struct {
	engine   *Engine
	registry *registry.Registry
	resolver identity.Resolver
	logger   *slog.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[registry.SessionID]*session
}

// NewHub creates a hub and makes it the engine's broadcaster. A nil resolver
// accepts unauthenticated connections whose payload identities are trusted.
func NewHub(e *Engine, reg *registry.Registry, resolver identity.Resolver, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		engine:   e,
		registry: reg,
		resolver: resolver,
		logger:   logger,
		timeout:  DefaultHandlerTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // Origins are not restricted; callers authenticate by token.
			},
		},
		sessions: make(map[registry.SessionID]*session),
	}
	e.out = h
	return h
}

// Publish queues ev for each session. A session whose queue is full misses
// the event.
func (h *Hub) Publish(ev Event, to ...registry.SessionID) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event encode failed", "event", ev.Event, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range to {
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		select {
		case <-s.done:
		case s.send <- data:
		default:
			metrics.DroppedMessages.Inc()
			h.logger.Warn("session queue full, event dropped", "session", id, "event", ev.Event)
		}
	}
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWS upgrades GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var caller *model.Caller
	if h.resolver != nil {
		c, err := h.resolver.ResolveCaller(r.Context(), identity.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		caller = &c
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	s := &session{
		id:     registry.SessionID(uuid.New().String()),
		caller: caller,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	total := len(h.sessions)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
	h.logger.Info("ws client connected", "session", s.id, "total", total)

	go h.writePump(s)
	go h.readPump(s)
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; ok {
		delete(h.sessions, s.id)
		metrics.WebSocketClients.Dec()
	}
	h.mu.Unlock()
	h.registry.Drop(s.id)
	s.close()
	h.logger.Info("ws client disconnected", "session", s.id)
}

// readPump runs actions in arrival order. Each action gets its own context,
// detached from the connection, so a disconnect never interrupts a batch.
func (h *Hub) readPump(s *session) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sess := Session{ID: s.id, Caller: s.caller}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read failed", "session", s.id, "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.Publish(Event{Event: EventError, Data: ErrorData{Message: "malformed message"}}, s.id)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		h.engine.Dispatch(ctx, sess, env)
		cancel()
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
