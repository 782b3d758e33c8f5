// Package service dispatches domain-scoped service calls against the entity store.
//
// A call names a (domain, service) pair, an optional list of target entity
// IDs and free-form service data. Resolution rules:
//
//   - Unknown (domain, service) pairs fail with ErrUnsupportedService.
//   - No targets means every entity in the domain.
//   - Targets from another domain are dropped silently, so a call whose
//     only target is foreign succeeds with an empty result.
//   - A same-domain target that does not exist fails with entity.ErrNotFound
//     before any entity is modified.
//
// Each target is updated through entity.Store.Update, so concurrent calls
// never lose each other's attribute merges. The REST gateway, WebSocket
// sessions and MQTT command bridge all share one Dispatcher.
package service
