package adapter

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed is returned when a version mismatch occurs.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrTooLarge is returned when content exceeds what the store accepts.
	ErrTooLarge = errors.New("content too large")
)
