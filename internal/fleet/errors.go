package fleet

import "errors"

// Domain errors for the fleet package.
var (
	// ErrUnknownDevice is returned when an address is not part of the fleet.
	ErrUnknownDevice = errors.New("fleet: unknown device")

	// ErrNoRepository is returned by persistence operations when the fleet
	// was created without a repository.
	ErrNoRepository = errors.New("fleet: no repository configured")
)
