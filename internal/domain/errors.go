package domain

import "errors"

var (
	// ErrInvalidConfig wraps every configuration error detected at construction.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownRole is returned when a role is not registered or not recognised.
	ErrUnknownRole = errors.New("unknown wallet role")

	// ErrDuplicateRole is returned when a second wallet is registered for a role.
	ErrDuplicateRole = errors.New("wallet role already registered")
)
