// Package entity provides the in-memory entity state registry for ISH.
//
// An entity is an addressable piece of state identified as
// "<domain>.<object_id>". The Store is the single source of truth shared by
// the REST gateway, WebSocket sessions and MQTT command bridge.
//
// Guarantees:
//   - Every mutation is atomic; List never observes a partial write.
//   - last_updated strictly increases across all mutations in a Store.
//   - last_changed moves only when the state string changes.
//   - Returned entities are deep copies and may be modified freely.
//
// Collaborators (history, MQTT, telemetry) observe mutations through
// listeners registered with AddListener. Listeners run after the store
// lock is released, in registration order, on the mutating goroutine.
package entity
