package links

import "errors"

// Domain errors for the links package.
var (
	// ErrAlreadyAttached is returned when Attach is called on a manager
	// that is already tracking a fleet.
	ErrAlreadyAttached = errors.New("links: manager already attached to a fleet")

	// ErrNotAttached is returned by operations that need a fleet.
	ErrNotAttached = errors.New("links: manager not attached to a fleet")
)
