package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket upgrades the connection and starts a Session. There is no
// HTTP-level auth; the session runs the auth handshake in-band.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newSession(s, conn)
	go sess.writePump()

	if !s.hub.register(sess) {
		sess.cancel()
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	go sess.readLoop()
}
