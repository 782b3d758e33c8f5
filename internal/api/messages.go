package api

import (
	"encoding/json"

	"github.com/nerrad567/ish-core/internal/event"
)

// Handshake and envelope message types.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypeEvent        = "event"
	TypePong         = "pong"
)

// Command types accepted after authentication.
const (
	CmdPing              = "ping"
	CmdGetStates         = "get_states"
	CmdGetServices       = "get_services"
	CmdGetConfig         = "get_config"
	CmdCallService       = "call_service"
	CmdSubscribeEvents   = "subscribe_events"
	CmdUnsubscribeEvents = "unsubscribe_events"
	CmdFireEvent         = "fire_event"
)

// WebSocket error codes.
const (
	CodeNotFound           = "not_found"
	CodeUnsupportedService = "unsupported_service"
	CodeUnknownCommand     = "unknown_command"
	CodeDuplicateID        = "duplicate_id"
	CodeInvalidFormat      = "invalid_format"
	CodeInvalidAuth        = "invalid_auth"
	CodeAuthTimeout        = "auth_timeout"
	CodeProtocolViolation  = "protocol_violation"
	CodeInternal           = "home_assistant_error"
)

// ErrorInfo is the error member of a failed result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authRequiredMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type authOKMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version"`
}

type authInvalidMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// resultMessage answers one command. Result is null on failure and Error is
// null on success.
type resultMessage struct {
	ID      int64      `json:"id"`
	Type    string     `json:"type"`
	Success bool       `json:"success"`
	Result  any        `json:"result"`
	Error   *ErrorInfo `json:"error"`
}

type pongMessage struct {
	ID   *int64 `json:"id,omitempty"`
	Type string `json:"type"`
}

// eventMessage pushes an event to a subscription. ID is the id of the
// subscribe_events command.
type eventMessage struct {
	ID    int64       `json:"id"`
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

// envelope is the part of every inbound frame needed to route it.
type envelope struct {
	ID   *int64 `json:"id"`
	Type string `json:"type"`
}

// Command payloads, decoded from the full frame once the type is known.

type callServiceCommand struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
	Target      map[string]any `json:"target"`
}

type subscribeEventsCommand struct {
	EventType string `json:"event_type"`
}

type unsubscribeEventsCommand struct {
	Subscription int64 `json:"subscription"`
}

type fireEventCommand struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

// decodeCommand unmarshals raw into a fresh T.
func decodeCommand[T any](raw []byte) (T, error) {
	var cmd T
	err := json.Unmarshal(raw, &cmd)
	return cmd, err
}
