package service

import "errors"

var (
	// ErrUnsupportedService is returned when no handler is registered for a
	// (domain, service) pair.
	ErrUnsupportedService = errors.New("service: unsupported service")

	// ErrInvalidServiceData is returned when service data is missing a
	// required field or has the wrong type.
	ErrInvalidServiceData = errors.New("service: invalid service data")
)
