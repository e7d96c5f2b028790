package aldb

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Table layout constants.
const (
	// TableTop is the highest slot address of a link table. Records are
	// appended downwards from here.
	TableTop uint16 = 0x0FFF

	// RecordSize is the distance in bytes between consecutive slots.
	RecordSize uint16 = 8

	// EncodedLen is the length of a record in its on-device layout:
	// address(2) + flags(1) + group(1) + peer(3) + data(3).
	EncodedLen = 10
)

// Flag bits of the on-device flags byte.
const (
	flagInUse      byte = 0x80
	flagController byte = 0x40
	flagReserved   byte = 0x3F
)

// Direction is the role this device plays in a link.
type Direction uint8

// Link directions. The zero value is not a valid direction.
const (
	Responder Direction = iota + 1
	Controller
)

// String returns "controller" or "responder".
func (d Direction) String() string {
	switch d {
	case Controller:
		return "controller"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Record is one slot of a device's All-Link Database.
//
// A record is immutable once read: the database replaces whole records,
// it never edits them in place. Its identity for diffing is Address, not
// its content.
type Record struct {
	// Address is the slot offset inside the link table.
	Address uint16

	// Direction says whether this device controls or responds to Peer.
	Direction Direction

	// Group is the scene/group number. 0 means no group.
	Group uint8

	// Peer is the other device in the link. All-zero marks the
	// high-water-mark record.
	Peer insteon.Address

	// Data is the model-specific link payload (on level, ramp rate, button).
	Data [3]byte

	// InUse is false for a tombstone: the slot is inactive and may be reused.
	InUse bool

	// Reserved holds the remaining flag bits so the record round-trips
	// bit-for-bit.
	Reserved byte
}

// IsController reports whether this device is the controller of the link.
func (r Record) IsController() bool {
	return r.Direction == Controller
}

// IsResponder reports whether this device is a responder of the link.
func (r Record) IsResponder() bool {
	return r.Direction == Responder
}

// IsHighWaterMark reports whether r is the sentinel ending the populated
// part of the table. Such a record is never a real link.
func (r Record) IsHighWaterMark() bool {
	return r.Peer.IsZero()
}

// IsExactMatch reports whether every field of r equals other.
func (r Record) IsExactMatch(other Record) bool {
	return r == other
}

// IsLink reports whether r describes a live link worth indexing: in use,
// not the high-water mark, and scoped to a non-zero group.
func (r Record) IsLink() bool {
	return r.InUse && !r.IsHighWaterMark() && r.Group != 0
}

// Flags returns the on-device flags byte.
func (r Record) Flags() byte {
	flags := r.Reserved & flagReserved
	if r.InUse {
		flags |= flagInUse
	}
	if r.Direction == Controller {
		flags |= flagController
	}
	return flags
}

// MarshalBinary encodes r in the on-device layout.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint16(buf[0:2], r.Address)
	buf[2] = r.Flags()
	buf[3] = r.Group
	copy(buf[4:7], r.Peer[:])
	copy(buf[7:10], r.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes the on-device layout into r.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < EncodedLen {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidRecord, EncodedLen, len(data))
	}

	flags := data[2]
	direction := Responder
	if flags&flagController != 0 {
		direction = Controller
	}

	rec := Record{
		Address:   binary.BigEndian.Uint16(data[0:2]),
		Direction: direction,
		Group:     data[3],
		InUse:     flags&flagInUse != 0,
		Reserved:  flags & flagReserved,
	}
	copy(rec.Peer[:], data[4:7])
	copy(rec.Data[:], data[7:10])

	*r = rec
	return nil
}

// ParseRecord decodes a record from its on-device layout.
func ParseRecord(data []byte) (Record, error) {
	var r Record
	if err := r.UnmarshalBinary(data); err != nil {
		return Record{}, err
	}
	return r, nil
}

// String returns a human-readable representation of the record.
func (r Record) String() string {
	use := "in-use"
	if !r.InUse {
		use = "unused"
	}
	return fmt.Sprintf("Record{%04X %s %s group:%d peer:%s data:%02X%02X%02X}",
		r.Address, use, r.Direction, r.Group, r.Peer, r.Data[0], r.Data[1], r.Data[2])
}
