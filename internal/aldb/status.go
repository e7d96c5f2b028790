package aldb

import (
	"fmt"
	"strings"
)

// Status is the load state of a Database.
//
// EMPTY → LOADING → {LOADED, PARTIAL, FAILED}. The terminal states are
// re-entered by starting another load.
type Status int

// Load states.
const (
	StatusEmpty Status = iota
	StatusLoading
	StatusLoaded
	StatusPartial
	StatusFailed
)

var statusNames = map[Status]string{
	StatusEmpty:   "empty",
	StatusLoading: "loading",
	StatusLoaded:  "loaded",
	StatusPartial: "partial",
	StatusFailed:  "failed",
}

// String returns the lower-case status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(s string) (Status, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return StatusEmpty, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Version is the link-database protocol version of a device. It is fixed at
// construction and does not change how records are reconciled.
type Version uint8

// Known protocol versions.
const (
	V1 Version = iota + 1
	V2
	V2CS
)

// String returns the version label.
func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	case V2CS:
		return "v2cs"
	default:
		return fmt.Sprintf("version(%d)", uint8(v))
	}
}

// ParseVersion converts a version label ("v1", "v2", "v2cs") to a Version.
// An empty string yields V2, the version of current hardware.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v1":
		return V1, nil
	case "", "v2":
		return V2, nil
	case "v2cs":
		return V2CS, nil
	default:
		return 0, fmt.Errorf("aldb: invalid version %q", s)
	}
}
