package api

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/ish-core/internal/infrastructure/logging"
	"github.com/nerrad567/ish-core/internal/metrics"
)

// Hub tracks live WebSocket sessions so they can be counted and closed
// together on shutdown.
type Hub struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	sessions map[*Session]struct{}
	closed   bool
	mu       sync.RWMutex
}

// NewHub creates a new WebSocket hub. m may be nil.
func NewHub(logger *logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:   logger,
		metrics:  m,
		sessions: make(map[*Session]struct{}),
	}
}

// register adds a session. It returns false once CloseAll has run.
func (h *Hub) register(s *Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
	h.logger.Debug("websocket session opened", "session_id", s.id, "sessions", n)
	return true
}

// unregister removes a session. Safe to call more than once.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, existed := h.sessions[s]
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()

	if !existed {
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
	h.logger.Debug("websocket session closed", "session_id", s.id, "sessions", n)
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session with 1001 (going away) and rejects new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(sessions) > 0 {
		h.logger.Info("closed websocket sessions", "count", len(sessions))
	}
}
