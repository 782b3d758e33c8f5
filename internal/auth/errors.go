package auth

import "errors"

var (
	// ErrTokenMissing is returned when no bearer token was supplied.
	ErrTokenMissing = errors.New("auth: access token required")

	// ErrTokenInvalid is returned when a token is not accepted by any verifier.
	ErrTokenInvalid = errors.New("auth: invalid access token")
)
