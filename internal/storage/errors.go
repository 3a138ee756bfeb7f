package storage

import "errors"

var (
	// ErrNotFound is returned when no record exists at the requested key.
	ErrNotFound = errors.New("record not found")

	// ErrRevisionMismatch is returned when a conditional write loses a race:
	// the key's revision no longer matches the writer's basis.
	ErrRevisionMismatch = errors.New("revision mismatch")
)
