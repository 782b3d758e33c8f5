// Package api provides the REST gateway and WebSocket server for ISH.
//
// Both surfaces share one entity.Store and one service.Dispatcher. REST
// handlers are stateless; every WebSocket connection is a Session that runs
// the auth handshake and then multiplexes id-correlated commands.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
