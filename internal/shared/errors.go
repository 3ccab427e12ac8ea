package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed occurs when an operation targets an entity in the
	// wrong state or with missing data.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrConcurrentModification occurs when an aggregate read turned stale
	// before its write committed.
	ErrConcurrentModification = errors.New("concurrent modification")
)
