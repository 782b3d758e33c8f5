package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/ish-core/internal/entity"
)

const wsReadTimeout = 3 * time.Second

// dialWS starts an HTTP test server for env and opens a WebSocket to it.
func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + env.srv.wsCfg.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	//nolint:errcheck // test helper
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func sendMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// expectClose reads until the connection closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	//nolint:errcheck // test helper
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read error = %v, want close frame", err)
			}
			return ce.Code
		}
		t.Logf("message before close: %s", data)
	}
}

// authenticate completes the handshake.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if msg := readMsg(t, conn); msg["type"] != TypeAuthRequired {
		t.Fatalf("first message = %v, want auth_required", msg)
	}
	sendMsg(t, conn, map[string]any{"type": "auth", "access_token": testToken})
	if msg := readMsg(t, conn); msg["type"] != TypeAuthOK {
		t.Fatalf("auth reply = %v, want auth_ok", msg)
	}
}

func TestWebSocket_HandshakeAndGetStates(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)

	msg := readMsg(t, conn)
	if msg["type"] != TypeAuthRequired {
		t.Fatalf("type = %v, want auth_required", msg["type"])
	}
	if msg["ha_version"] == "" {
		t.Error("auth_required missing ha_version")
	}

	sendMsg(t, conn, map[string]any{"type": "auth", "access_token": testToken})
	if msg := readMsg(t, conn); msg["type"] != TypeAuthOK {
		t.Fatalf("type = %v, want auth_ok", msg["type"])
	}

	sendMsg(t, conn, map[string]any{"id": 1, "type": "get_states"})
	msg = readMsg(t, conn)
	if msg["id"] != float64(1) || msg["type"] != TypeResult || msg["success"] != true {
		t.Fatalf("result = %v", msg)
	}
	result, ok := msg["result"].([]any)
	if !ok || len(result) != 0 {
		t.Errorf("result = %v, want []", msg["result"])
	}
}

func TestWebSocket_CallServiceTurnOn(t *testing.T) {
	env := newTestServer(t, nil)
	env.seed(t, "light.kitchen", "off")
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{
		"id": 1, "type": "call_service",
		"domain": "light", "service": "turn_on",
		"service_data": map[string]any{"entity_id": "light.kitchen"},
	})
	msg := readMsg(t, conn)
	if msg["success"] != true {
		t.Fatalf("result = %v, want success", msg)
	}
	affected := msg["result"].([]any)
	if len(affected) != 1 {
		t.Fatalf("len(affected) = %d, want 1", len(affected))
	}
	got := affected[0].(map[string]any)
	if got["entity_id"] != "light.kitchen" || got["state"] != "on" {
		t.Errorf("affected[0] = %v, want light.kitchen on", got)
	}

	e, _ := env.store.Get(context.Background(), "light.kitchen")
	if e.Context.UserID == nil || *e.Context.UserID != "tester" {
		t.Errorf("Context.UserID = %v, want tester", e.Context.UserID)
	}
}

func TestWebSocket_CallServiceNoTargetStaysInDomain(t *testing.T) {
	env := newTestServer(t, nil)
	env.seed(t, "light.a", "on")
	env.seed(t, "switch.b", "on")
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{"id": 1, "type": "call_service", "domain": "light", "service": "turn_off"})
	msg := readMsg(t, conn)
	affected := msg["result"].([]any)
	if len(affected) != 1 || affected[0].(map[string]any)["entity_id"] != "light.a" {
		t.Fatalf("affected = %v, want only light.a", affected)
	}
	if sw, _ := env.store.Get(context.Background(), "switch.b"); sw.State != "on" {
		t.Errorf("switch.b = %q, want on", sw.State)
	}
}

func TestWebSocket_CallServiceTargetMember(t *testing.T) {
	env := newTestServer(t, nil)
	env.seed(t, "lock.front", "unlocked")
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{
		"id": 7, "type": "call_service", "domain": "lock", "service": "lock",
		"target": map[string]any{"entity_id": []string{"lock.front"}},
	})
	msg := readMsg(t, conn)
	if msg["success"] != true {
		t.Fatalf("result = %v", msg)
	}
	if e, _ := env.store.Get(context.Background(), "lock.front"); e.State != "locked" {
		t.Errorf("lock.front = %q, want locked", e.State)
	}
}

func TestWebSocket_PingAfterCommands(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	for i := 10; i < 15; i++ {
		sendMsg(t, conn, map[string]any{"id": i, "type": "get_states"})
		readMsg(t, conn)
	}

	sendMsg(t, conn, map[string]any{"id": 2, "type": "ping"})
	msg := readMsg(t, conn)
	if msg["id"] != float64(2) || msg["type"] != TypePong {
		t.Errorf("reply = %v, want pong id 2", msg)
	}

	sendMsg(t, conn, map[string]any{"type": "ping"})
	msg = readMsg(t, conn)
	if _, hasID := msg["id"]; hasID || msg["type"] != TypePong {
		t.Errorf("reply = %v, want pong without id", msg)
	}
}

func TestWebSocket_CommandBeforeAuthCloses(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)

	readMsg(t, conn) // auth_required
	sendMsg(t, conn, map[string]any{"id": 1, "type": "get_states"})

	if code := expectClose(t, conn); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_BadToken(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)

	readMsg(t, conn)
	sendMsg(t, conn, map[string]any{"type": "auth", "access_token": "bad"})

	msg := readMsg(t, conn)
	if msg["type"] != TypeAuthInvalid || msg["code"] != CodeInvalidAuth {
		t.Fatalf("reply = %v, want auth_invalid", msg)
	}
	if code := expectClose(t, conn); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_AuthTimeout(t *testing.T) {
	env := newTestServer(t, func(d *Deps) { d.WS.AuthTimeout = 1 })
	conn := dialWS(t, env)

	readMsg(t, conn)
	msg := readMsg(t, conn)
	if msg["type"] != TypeAuthInvalid || msg["code"] != CodeAuthTimeout {
		t.Fatalf("reply = %v, want auth_invalid auth_timeout", msg)
	}
	expectClose(t, conn)
}

func TestWebSocket_DuplicateInFlightID(t *testing.T) {
	env := newTestServer(t, nil)
	env.seed(t, "test.slow", "idle")

	started := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	env.dispatcher.Register("test", "block", func(e *entity.Entity, _ map[string]any) error {
		close(started)
		<-release
		e.State = "done"
		return nil
	})

	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{"id": 5, "type": "call_service", "domain": "test", "service": "block"})
	<-started

	// The store is locked by the running handler, so use a command that
	// never reaches it.
	sendMsg(t, conn, map[string]any{"id": 5, "type": "get_config"})
	msg := readMsg(t, conn)
	if msg["id"] != float64(5) || msg["success"] != false {
		t.Fatalf("reply = %v, want failed result for id 5", msg)
	}
	if code := msg["error"].(map[string]any)["code"]; code != CodeDuplicateID {
		t.Errorf("error code = %v, want %s", code, CodeDuplicateID)
	}

	// Other ids are still served while id 5 runs.
	sendMsg(t, conn, map[string]any{"id": 6, "type": "ping"})
	if msg := readMsg(t, conn); msg["type"] != TypePong {
		t.Errorf("reply = %v, want pong", msg)
	}

	releaseOnce.Do(func() { close(release) })
	msg = readMsg(t, conn)
	if msg["id"] != float64(5) || msg["success"] != true {
		t.Fatalf("reply = %v, want success for id 5", msg)
	}

	// Once answered, the id may be reused.
	sendMsg(t, conn, map[string]any{"id": 5, "type": "get_states"})
	if msg := readMsg(t, conn); msg["success"] != true {
		t.Errorf("reused id reply = %v, want success", msg)
	}
}

func TestWebSocket_CommandErrors(t *testing.T) {
	env := newTestServer(t, nil)
	env.seed(t, "light.kitchen", "off")
	conn := dialWS(t, env)
	authenticate(t, conn)

	tests := []struct {
		name     string
		frame    map[string]any
		wantID   float64
		wantCode string
	}{
		{"unknown command", map[string]any{"id": 1, "type": "reboot"}, 1, CodeUnknownCommand},
		{"missing id", map[string]any{"type": "get_states"}, 0, CodeInvalidFormat},
		{"unsupported service", map[string]any{"id": 2, "type": "call_service", "domain": "light", "service": "explode"}, 2, CodeUnsupportedService},
		{"unknown target", map[string]any{"id": 3, "type": "call_service", "domain": "light", "service": "turn_on", "service_data": map[string]any{"entity_id": "light.none"}}, 3, CodeNotFound},
		{"missing domain", map[string]any{"id": 4, "type": "call_service", "service": "turn_on"}, 4, CodeInvalidFormat},
		{"unknown subscription", map[string]any{"id": 5, "type": "unsubscribe_events", "subscription": 99}, 5, CodeNotFound},
		{"event without type", map[string]any{"id": 6, "type": "fire_event"}, 6, CodeInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendMsg(t, conn, tt.frame)
			msg := readMsg(t, conn)
			if msg["id"] != tt.wantID || msg["success"] != false {
				t.Fatalf("reply = %v, want failed result id %v", msg, tt.wantID)
			}
			if msg["result"] != nil {
				t.Errorf("result = %v, want null", msg["result"])
			}
			if code := msg["error"].(map[string]any)["code"]; code != tt.wantCode {
				t.Errorf("error code = %v, want %s", code, tt.wantCode)
			}
		})
	}

	if e, _ := env.store.Get(context.Background(), "light.kitchen"); e.State != "off" {
		t.Errorf("light.kitchen = %q after failed calls, want off", e.State)
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msg := readMsg(t, conn)
	if msg["id"] != float64(0) || msg["success"] != false {
		t.Fatalf("reply = %v, want failed result id 0", msg)
	}
	if code := msg["error"].(map[string]any)["code"]; code != CodeInvalidFormat {
		t.Errorf("error code = %v, want %s", code, CodeInvalidFormat)
	}

	// The session survives.
	sendMsg(t, conn, map[string]any{"id": 1, "type": "ping"})
	if msg := readMsg(t, conn); msg["type"] != TypePong {
		t.Errorf("reply = %v, want pong", msg)
	}
}

func TestWebSocket_SubscribeEvents(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{"id": 3, "type": "subscribe_events", "event_type": "state_changed"})
	if msg := readMsg(t, conn); msg["id"] != float64(3) || msg["success"] != true {
		t.Fatalf("subscribe reply = %v", msg)
	}

	env.seed(t, "light.porch", "on")

	msg := readMsg(t, conn)
	if msg["id"] != float64(3) || msg["type"] != TypeEvent {
		t.Fatalf("push = %v, want event for subscription 3", msg)
	}
	ev := msg["event"].(map[string]any)
	if ev["event_type"] != "state_changed" {
		t.Errorf("event_type = %v", ev["event_type"])
	}
	data := ev["data"].(map[string]any)
	if data["entity_id"] != "light.porch" || data["old_state"] != nil {
		t.Errorf("data = %v, want created light.porch", data)
	}

	sendMsg(t, conn, map[string]any{"id": 4, "type": "unsubscribe_events", "subscription": 3})
	if msg := readMsg(t, conn); msg["id"] != float64(4) || msg["success"] != true {
		t.Fatalf("unsubscribe reply = %v", msg)
	}

	env.seed(t, "light.porch", "off")
	sendMsg(t, conn, map[string]any{"id": 5, "type": "ping"})
	if msg := readMsg(t, conn); msg["type"] != TypePong {
		t.Errorf("after unsubscribe got %v, want pong only", msg)
	}
}

func TestWebSocket_SubscriptionIDStaysReserved(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{"id": 1, "type": "subscribe_events", "event_type": "state_changed"})
	if msg := readMsg(t, conn); msg["id"] != float64(1) || msg["success"] != true {
		t.Fatalf("subscribe reply = %v", msg)
	}

	sendMsg(t, conn, map[string]any{"id": 1, "type": "get_states"})
	msg := readMsg(t, conn)
	if msg["id"] != float64(1) || msg["success"] != false {
		t.Fatalf("reply = %v, want failed result for id 1", msg)
	}
	if code := msg["error"].(map[string]any)["code"]; code != CodeDuplicateID {
		t.Errorf("error code = %v, want %s", code, CodeDuplicateID)
	}

	sendMsg(t, conn, map[string]any{"id": 2, "type": "unsubscribe_events", "subscription": 1})
	if msg := readMsg(t, conn); msg["id"] != float64(2) || msg["success"] != true {
		t.Fatalf("unsubscribe reply = %v", msg)
	}

	// Freed by unsubscribe_events.
	sendMsg(t, conn, map[string]any{"id": 1, "type": "get_states"})
	if msg := readMsg(t, conn); msg["id"] != float64(1) || msg["success"] != true {
		t.Errorf("reused id reply = %v, want success", msg)
	}
}

func TestWebSocket_FireEventReachesSubscriber(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	sendMsg(t, conn, map[string]any{"id": 1, "type": "subscribe_events", "event_type": "doorbell"})
	readMsg(t, conn)

	sendMsg(t, conn, map[string]any{"id": 2, "type": "fire_event", "event_type": "doorbell", "event_data": map[string]any{"button": "front"}})

	// The push and the result may arrive in either order.
	var gotEvent, gotResult bool
	for i := 0; i < 2; i++ {
		msg := readMsg(t, conn)
		switch msg["type"] {
		case TypeEvent:
			gotEvent = msg["id"] == float64(1)
		case TypeResult:
			gotResult = msg["id"] == float64(2) && msg["success"] == true
		}
	}
	if !gotEvent || !gotResult {
		t.Errorf("gotEvent = %v, gotResult = %v, want both", gotEvent, gotResult)
	}
}

func TestWebSocket_ServerShutdown(t *testing.T) {
	env := newTestServer(t, nil)
	conn := dialWS(t, env)
	authenticate(t, conn)

	if n := env.srv.hub.SessionCount(); n != 1 {
		t.Fatalf("SessionCount() = %d, want 1", n)
	}

	env.srv.hub.CloseAll()
	if code := expectClose(t, conn); code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
	}
}

func TestSession_SendBufferOverflow(t *testing.T) {
	env := newTestServer(t, func(d *Deps) { d.WS.SendBuffer = 1 })
	s := newSession(env.srv, nil)
	defer s.cancel()

	if !s.enqueue([]byte(`{}`)) {
		t.Fatal("first enqueue failed")
	}
	if s.enqueue([]byte(`{}`)) {
		t.Fatal("second enqueue succeeded, want overflow")
	}
	if s.currentState() != stateClosed {
		t.Errorf("state = %s, want CLOSED", s.currentState())
	}
	if s.closeCode != websocket.CloseTryAgainLater {
		t.Errorf("closeCode = %d, want %d", s.closeCode, websocket.CloseTryAgainLater)
	}
	if s.enqueue([]byte(`{}`)) {
		t.Error("enqueue after close succeeded")
	}
}
