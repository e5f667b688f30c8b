package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidTransition is returned when a status change does not follow the allowed graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when work for the same entity is already in flight.
	ErrConflict = errors.New("conflict")
)
