package audit

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when an audit record does not exist.
	ErrNotFound = errors.New("audit record not found")

	// ErrConflict is returned when a record with the same attempt ID already exists.
	ErrConflict = errors.New("audit record already exists")
)
