package entity

import (
	"time"
)

// Context identifies the mutation that produced an entity's current state.
type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// Entity is the current state of one addressable thing.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Domain returns the prefix of the entity ID before the first dot.
func (e *Entity) Domain() string {
	domain, _ := splitID(e.EntityID)
	return domain
}

// ObjectID returns the part of the entity ID after the first dot.
func (e *Entity) ObjectID() string {
	_, object := splitID(e.EntityID)
	return object
}

// DeepCopy returns an independent copy of the entity.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Attributes = deepCopyMap(e.Attributes)
	if cpy.Attributes == nil {
		cpy.Attributes = map[string]any{}
	}
	if e.Context.ParentID != nil {
		p := *e.Context.ParentID
		cpy.Context.ParentID = &p
	}
	if e.Context.UserID != nil {
		u := *e.Context.UserID
		cpy.Context.UserID = &u
	}
	return &cpy
}

// Change describes one successful mutation. Old is nil when the entity was created.
type Change struct {
	Old *Entity
	New *Entity
}

// Created reports whether the change introduced a new entity.
func (c Change) Created() bool {
	return c.Old == nil
}

// StateChanged reports whether the state string differs from before.
func (c Change) StateChanged() bool {
	return c.Old == nil || c.Old.State != c.New.State
}

// Listener observes store mutations.
type Listener interface {
	EntityChanged(change Change)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(change Change)

// EntityChanged calls f(change).
func (f ListenerFunc) EntityChanged(change Change) {
	f(change)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
