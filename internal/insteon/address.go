package insteon

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLen is the number of bytes in a device address.
const AddressLen = 3

// Address is a 3-byte Insteon device address.
//
// The zero value is the all-zero address used as the high-water-mark peer.
// Address is comparable and can be used as a map key.
type Address [AddressLen]byte

// ParseAddress parses a device address.
//
// Accepts formats:
//   - "1a.2b.3c" (dotted, any case)
//   - "1A2B3C"   (compact)
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if parsing fails
func ParseAddress(s string) (Address, error) {
	compact := strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	if len(compact) != AddressLen*2 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	raw, err := hex.DecodeString(compact)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}

	var a Address
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes builds an address from the first three bytes of b.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) < AddressLen {
		return Address{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidAddress, AddressLen, len(b))
	}
	var a Address
	copy(a[:], b[:AddressLen])
	return a, nil
}

// String returns the canonical dotted form, e.g. "1A.2B.3C".
func (a Address) String() string {
	return fmt.Sprintf("%02X.%02X.%02X", a[0], a[1], a[2])
}

// Compact returns the address without separators, e.g. "1a2b3c".
// This is the form used in MQTT topics and database keys.
func (a Address) Compact() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses bytewise. It returns -1, 0 or +1.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
