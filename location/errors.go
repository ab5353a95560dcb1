package location

import "errors"

var (
	// ErrNotFound means the referenced user or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the caller is not allowed to see or track
	// the requested user's location.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation means the input was rejected before any state changed.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable wraps transient store or search failures. Callers may
	// retry; it is never silently treated as "no location".
	ErrUnavailable = errors.New("temporarily unavailable")
)
