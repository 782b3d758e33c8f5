// Package auth verifies bearer tokens presented by ISH clients.
//
// Tokens are opaque strings. A Verifier turns a token into a Principal or
// fails with ErrTokenInvalid / ErrTokenMissing. Three verifiers exist:
//
//   - StaticTokens: a configured token → principal table, compared by
//     SHA-256 digest in constant time.
//   - JWTVerifier: HS256-signed JWTs whose subject becomes the principal.
//   - AcceptAny: any non-empty token, for local development.
//
// FromConfig chains whichever are configured. The same verifier guards the
// REST API and the WebSocket handshake. Tokens are never logged.
package auth
