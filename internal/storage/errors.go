package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStale is returned by version-guarded writes when another writer
	// saved the row first, or the run left the statuses the write accepts.
	ErrStale = errors.New("storage: stale write")

	// ErrTransitionRejected is returned when a guarded status transition
	// finds the row in a status outside the accepted set.
	ErrTransitionRejected = errors.New("storage: status transition rejected")
)
