package entity

import "errors"

// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when an entity ID does not exist.
	ErrNotFound = errors.New("entity: not found")

	// ErrInvalidEntityID is returned when an ID is not of the form domain.object_id.
	ErrInvalidEntityID = errors.New("entity: invalid entity id")
)
