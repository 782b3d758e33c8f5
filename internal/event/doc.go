// Package event is the in-process event bus.
//
// Entity mutations arrive as state_changed events through Bus.EntityChanged,
// which makes the Bus an entity.Listener. Custom events are fired through
// Bus.Fire from the REST and WebSocket surfaces. Subscribers filter by event
// type or receive everything with MatchAll.
//
// Handlers run on the publishing goroutine and must not block.
package event
