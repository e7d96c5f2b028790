package aldb

import "errors"

// Domain errors for the aldb package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, aldb.ErrTransportFault) {
//	    // partial progress was kept, schedule another load
//	}
var (
	// ErrTransportFault is returned when the record source ends abnormally
	// mid-read. Records applied before the fault are kept.
	ErrTransportFault = errors.New("aldb: transport fault")

	// ErrLoadInProgress is returned when a load, restore or write is started
	// while another one is running on the same database.
	ErrLoadInProgress = errors.New("aldb: load already in progress")

	// ErrInvalidRecord is returned when raw record bytes cannot be decoded.
	ErrInvalidRecord = errors.New("aldb: invalid record")

	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("aldb: record not found")

	// ErrUnconfirmed is returned by a Writer when the device did not
	// acknowledge a write. The device may or may not hold the new record.
	ErrUnconfirmed = errors.New("aldb: write not confirmed by device")

	// ErrInvalidStatus is returned when a status string is not recognised.
	ErrInvalidStatus = errors.New("aldb: invalid status")
)
