package store

import "errors"

// Sentinel errors returned by every Store implementation.
var (
	// ErrNotFound is returned when a Get/Update targets a row that does
	// not exist.
	ErrNotFound = errors.New("store: entity not found")
	// ErrVersionConflict is returned by LockRepo.Release (and any other
	// optimistic-concurrency write) when the expected version no longer
	// matches the stored row.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrAlreadyLocked is returned by LockRepo.Acquire when an
	// incompatible lock already holds the resource.
	ErrAlreadyLocked = errors.New("store: resource already locked")
)
