package store

import "errors"

var (
	// ErrNotFound is returned when an id is absent from the store.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when creating a record whose id exists.
	ErrConflict = errors.New("store: already exists")
	// ErrIllegalTransition is returned when a terminal job status would
	// be re-transitioned.
	ErrIllegalTransition = errors.New("store: illegal status transition")
	// ErrStoreUnavailable is returned after local retries are exhausted
	// on a transient store error.
	ErrStoreUnavailable = errors.New("store: unavailable")
)
