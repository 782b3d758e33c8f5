package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/ish-core/internal/auth"
	"github.com/nerrad567/ish-core/internal/event"
	"github.com/nerrad567/ish-core/internal/infrastructure/logging"
	"github.com/nerrad567/ish-core/internal/metrics"
)

// Session defaults, used when the config leaves a value unset.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultSendBuffer   = 256
	defaultMaxInFlight  = 16

	// writeWait bounds every frame write, including the close frame.
	writeWait = 10 * time.Second
)

// sessionState is the protocol state of one connection.
type sessionState int32

const (
	stateAwaitingAuth sessionState = iota
	stateAuthenticated
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateAwaitingAuth:
		return "AWAITING_AUTH"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("sessionState(%d)", int32(st))
	}
}

// Session is one WebSocket connection.
//
// readLoop is the only goroutine that reads frames or changes the protocol
// state before close. call_service commands run on their own goroutines,
// bounded by sem, and correlate their reply by id. writePump is the only
// writer to conn. Once closed is set nothing more is queued, so results of
// abandoned commands are dropped.
type Session struct {
	id        string
	srv       *Server
	conn      *websocket.Conn
	logger    *logging.Logger
	state     atomic.Int32
	principal auth.Principal

	pingInterval time.Duration
	keepalive    time.Duration
	authTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	send        chan []byte
	sendMu      sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}

	// inflightMu is taken before subsMu and sendMu when they are needed together.
	inflightMu sync.Mutex
	inflight   map[int64]struct{}
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	subsMu sync.Mutex
	subs   map[int64]func()
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	cfg := srv.wsCfg

	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongTimeout := time.Duration(cfg.PongTimeout) * time.Second
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:           id,
		srv:          srv,
		conn:         conn,
		logger:       srv.logger.Component("websocket").With("session_id", id),
		pingInterval: pingInterval,
		keepalive:    pingInterval + pongTimeout,
		authTimeout:  time.Duration(cfg.AuthTimeout) * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		inflight:     make(map[int64]struct{}),
		sem:          semaphore.NewWeighted(int64(maxInFlight)),
		subs:         make(map[int64]func()),
	}
	s.state.Store(int32(stateAwaitingAuth))
	return s
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// readLoop runs the handshake and then reads commands until the transport
// closes.
func (s *Session) readLoop() {
	defer s.finish()

	if s.srv.wsCfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(int64(s.srv.wsCfg.MaxMessageSize))
	}

	s.sendJSON(authRequiredMessage{Type: TypeAuthRequired, HAVersion: s.srv.haCfg.Version})
	if !s.authenticate() {
		return
	}

	//nolint:errcheck // Best-effort deadline; read error caught below
	s.conn.SetReadDeadline(time.Now().Add(s.keepalive))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.keepalive))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		// Any frame proves the peer is alive.
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(s.keepalive))

		if !s.handleFrame(data) {
			return
		}
	}
}

// authenticate waits for the auth message. It returns true only when the
// session is AUTHENTICATED.
func (s *Session) authenticate() bool {
	deadline := s.keepalive
	if s.authTimeout > 0 {
		deadline = s.authTimeout
	}
	//nolint:errcheck // Best-effort deadline; read error caught below
	s.conn.SetReadDeadline(time.Now().Add(deadline))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Info("websocket auth timed out", "timeout", deadline)
			s.rejectAuth(metrics.SessionAuthTimeout, CodeAuthTimeout, "Authentication timed out")
			return false
		}
		s.logReadError(err)
		return false
	}

	var msg authMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeAuth {
		s.protocolViolation("expected auth message")
		return false
	}

	if msg.AccessToken == "" {
		s.rejectAuth(metrics.SessionAuthInvalid, CodeInvalidAuth, "Access token is required")
		return false
	}

	principal, err := s.srv.verifier.Verify(s.ctx, msg.AccessToken)
	if err != nil {
		if !auth.IsAuthError(err) {
			s.logger.Warn("credential verification failed", "error", err)
		}
		s.rejectAuth(metrics.SessionAuthInvalid, CodeInvalidAuth, "Invalid access token")
		return false
	}

	s.principal = principal
	s.logger = s.logger.With("principal", principal.ID)
	s.state.Store(int32(stateAuthenticated))
	s.sendJSON(authOKMessage{Type: TypeAuthOK, HAVersion: s.srv.haCfg.Version})
	s.srv.countSession(metrics.SessionAuthenticated)
	s.logger.Info("websocket session authenticated", "method", string(principal.Method))
	return true
}

// rejectAuth sends auth_invalid and closes the session.
func (s *Session) rejectAuth(outcome, code, message string) {
	s.sendJSON(authInvalidMessage{Type: TypeAuthInvalid, Code: code, Message: message})
	s.srv.countSession(outcome)
	s.closeWith(websocket.ClosePolicyViolation, message)
}

// protocolViolation closes the session without replying.
func (s *Session) protocolViolation(reason string) {
	s.logger.Info("websocket protocol violation", "reason", reason)
	s.srv.countSession(metrics.SessionProtocolViolation)
	s.closeWith(websocket.ClosePolicyViolation, "protocol violation: "+reason)
}

// handleFrame routes one authenticated frame. It returns false when the
// session is shutting down.
func (s *Session) handleFrame(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(0, CodeInvalidFormat, "Message incorrectly formatted.")
		s.srv.countCommand("invalid", false)
		return true
	}

	if env.Type == CmdPing {
		s.sendJSON(pongMessage{ID: env.ID, Type: TypePong})
		s.srv.countCommand(CmdPing, true)
		return true
	}

	if env.ID == nil {
		s.sendError(0, CodeInvalidFormat, "Message is missing an id.")
		s.srv.countCommand("invalid", false)
		return true
	}
	id := *env.ID

	if !s.reserve(id) {
		s.sendError(id, CodeDuplicateID, fmt.Sprintf("Command id %d is already in use.", id))
		s.srv.countCommand(env.Type, false)
		return true
	}

	h, ok := s.srv.commands.lookup(env.Type)
	if !ok {
		s.complete(id, env.Type, nil, fmt.Errorf("%w: %q", errUnknownCommand, env.Type))
		return true
	}

	if !h.async {
		s.execute(id, env.Type, h, data)
		return true
	}

	// Blocks while max_in_flight commands are running, so a flooding
	// client only stalls its own connection.
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.releaseID(id)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.execute(id, env.Type, h, data)
	}()
	return true
}

// execute runs a command handler and delivers its result.
func (s *Session) execute(id int64, cmdType string, h commandHandler, raw []byte) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered in websocket command", "type", cmdType, "panic", r)
				err = fmt.Errorf("command %s panicked", cmdType)
			}
		}()
		result, err = h.fn(s.ctx, s, id, raw)
	}()
	s.complete(id, cmdType, result, err)
}

// reserve marks id as in flight. It returns false if the id is in flight or
// names a live subscription, whose events are still pushed under that id.
// A subscription is added before its command completes, so the id is never
// free in between.
func (s *Session) reserve(id int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, dup := s.inflight[id]; dup {
		return false
	}
	s.subsMu.Lock()
	_, subscribed := s.subs[id]
	s.subsMu.Unlock()
	if subscribed {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Session) releaseID(id int64) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

// complete sends the result for id and frees the id in one step, so a
// client that reuses an id after reading the reply is never rejected.
func (s *Session) complete(id int64, cmdType string, result any, err error) {
	s.srv.countCommand(cmdType, err == nil)

	msg := resultMessage{ID: id, Type: TypeResult, Success: err == nil, Result: result}
	if err != nil {
		msg.Result = nil
		info := s.errorInfo(err)
		msg.Error = &info
	}

	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		s.logger.Error("failed to marshal result", "id", id, "type", cmdType, "error", marshalErr)
		payload, _ = json.Marshal(resultMessage{ //nolint:errcheck // fixed shape
			ID: id, Type: TypeResult,
			Error: &ErrorInfo{Code: CodeInternal, Message: "Failed to encode result."},
		})
	}

	s.inflightMu.Lock()
	delete(s.inflight, id)
	if s.ctx.Err() == nil {
		s.enqueue(payload)
	}
	s.inflightMu.Unlock()
}

// subscribe forwards events of eventType to the client under subscription id.
func (s *Session) subscribe(id int64, eventType string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, exists := s.subs[id]; exists {
		return fmt.Errorf("%w: subscription %d", errDuplicateID, id)
	}
	s.subs[id] = s.srv.bus.Subscribe(eventType, func(ev event.Event) {
		s.sendJSON(eventMessage{ID: id, Type: TypeEvent, Event: ev})
	})
	return nil
}

// unsubscribe removes subscription id. It returns false if there was none.
func (s *Session) unsubscribe(id int64) bool {
	s.subsMu.Lock()
	unsub, ok := s.subs[id]
	delete(s.subs, id)
	s.subsMu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

func (s *Session) unsubscribeAll() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[int64]func())
	s.subsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// sendJSON queues v for the client.
func (s *Session) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	s.enqueue(payload)
}

// sendError queues a failed result.
func (s *Session) sendError(id int64, code, message string) {
	s.sendJSON(resultMessage{
		ID:    id,
		Type:  TypeResult,
		Error: &ErrorInfo{Code: code, Message: message},
	})
}

// enqueue hands payload to writePump without blocking. A client that cannot
// keep up with its own buffer is disconnected.
func (s *Session) enqueue(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("websocket send buffer full, closing session")
		s.closeLocked(websocket.CloseTryAgainLater, "send buffer overflow")
		return false
	}
}

// closeWith moves the session to CLOSED. writePump sends everything already
// queued, then a close frame with code and reason. Only the first call has
// any effect.
func (s *Session) closeWith(code int, reason string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.closeLocked(code, reason)
}

func (s *Session) closeLocked(code int, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	s.state.Store(int32(stateClosed))
	close(s.send)
}

func (s *Session) closeFrame() []byte {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return websocket.FormatCloseMessage(s.closeCode, s.closeReason)
}

// writePump writes queued messages and keepalive pings to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case message, ok := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // Best-effort close message
				s.conn.WriteMessage(websocket.CloseMessage, s.closeFrame())
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// finish tears the session down after readLoop exits.
func (s *Session) finish() {
	s.cancel()
	s.closeWith(websocket.CloseNormalClosure, "")
	s.unsubscribeAll()
	s.srv.hub.unregister(s)
	<-s.done
	s.wg.Wait()
}

func (s *Session) logReadError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.logger.Warn("websocket read error", "error", err, "state", s.currentState().String())
		return
	}
	s.logger.Debug("websocket closed", "error", err, "state", s.currentState().String())
}
