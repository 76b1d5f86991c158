package tablet

import "errors"

var (
	// ErrValidation is returned when a request does not match the tablet's
	// identity or state (wrong tablet id, wrong schema hash, bad state).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a version, rowset or file is missing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating something that exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionExpired is returned when reading a version that GC removed.
	ErrVersionExpired = errors.New("version expired")

	// ErrConflict is returned when a compaction loses the race against a
	// concurrent version advance and must be retried.
	ErrConflict = errors.New("concurrent version change")

	// ErrCorruption is returned when persisted state fails validation.
	ErrCorruption = errors.New("corrupted state")

	// ErrClosed is returned when the tablet has been closed.
	ErrClosed = errors.New("tablet closed")
)
