package service

import (
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
)

// Source names the surface a call arrived on.
type Source string

const (
	SourceREST      Source = "rest"
	SourceWebSocket Source = "websocket"
	SourceMQTT      Source = "mqtt"
)

// Call is one service invocation.
type Call struct {
	Domain  string
	Service string

	// EntityIDs are the requested targets. nil means the whole domain; a
	// non-nil empty slice targets nothing.
	EntityIDs []string

	// Data holds service parameters. The entity_id key is ignored.
	Data map[string]any

	// Principal is the authenticated caller, if any.
	Principal string
	Source    Source
}

// HandlerFunc transforms one target entity in place.
// It may change State and Attributes; data must be treated as read-only.
type HandlerFunc func(e *entity.Entity, data map[string]any) error

// Key identifies a registered service.
type Key struct {
	Domain  string
	Service string
}

// DomainServices lists the services registered for one domain.
type DomainServices struct {
	Domain   string   `json:"domain"`
	Services []string `json:"services"`
}

// Record is the outcome of one dispatched call, handed to the Recorder.
type Record struct {
	ID       string
	Call     Call
	Targets  []string
	Affected int
	Err      error
	CalledAt time.Time
	Duration time.Duration
}

// Succeeded reports whether the call completed without error.
func (r Record) Succeeded() bool {
	return r.Err == nil
}
