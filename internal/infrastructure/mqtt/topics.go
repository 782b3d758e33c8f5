package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "ish"

// Topics builds ISH topic names under a common prefix.
type Topics struct {
	prefix string
}

// NewTopics returns a topic builder rooted at prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root segment.
func (t Topics) Prefix() string {
	return t.root()
}

func (t Topics) root() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Status is the retained online/offline topic.
//
// Example: ish/status
func (t Topics) Status() string {
	return t.root() + "/status"
}

// State is the retained snapshot topic for one entity.
//
// Example: ish/state/light.kitchen
func (t Topics) State(entityID string) string {
	return fmt.Sprintf("%s/state/%s", t.root(), entityID)
}

// Command is the topic on which service calls are requested.
//
// Example: ish/command/light/turn_on
func (t Topics) Command(domain, service string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.root(), domain, service)
}

// AllCommands matches every command topic.
func (t Topics) AllCommands() string {
	return t.root() + "/command/+/+"
}

// Response is the topic on which the outcome of a command is published
// when the command carried a request ID.
//
// Example: ish/response/4f1c
func (t Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s", t.root(), requestID)
}

// Event is the topic for a fired event.
//
// Example: ish/event/state_changed
func (t Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", t.root(), eventType)
}

// ParseCommand extracts domain and service from a command topic.
func (t Topics) ParseCommand(topic string) (domain, service string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.root()+"/command/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
