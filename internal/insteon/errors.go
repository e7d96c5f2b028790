package insteon

import "errors"

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("insteon: invalid address")
