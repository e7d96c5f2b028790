package plm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// MQTT message types exchanged with the Insteon modem bridge. The bridge
// owns the serial link to the modem; this side only asks for records and
// mirrors the cached tables.

// Request actions.
const (
	// ActionReadRecord reads one link-table slot of a device.
	ActionReadRecord = "read_aldb_record"

	// ActionWriteRecord writes one record to a device's link table.
	ActionWriteRecord = "write_aldb_record"
)

// Error codes reported by the bridge.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeNak               = "NAK"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeTimeout           = "TIMEOUT"
)

// RequestMessage is sent to the bridge for a single record operation.
// Topic: graylogic/request/insteon/{request_id}
type RequestMessage struct {
	// RequestID uniquely identifies this request for correlation.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Action is ActionReadRecord or ActionWriteRecord.
	Action string `json:"action"`

	// Device is the target device address ("1A.2B.3C").
	Device string `json:"device"`

	// Slot is the link-table address to read, as four hex digits.
	Slot string `json:"slot,omitempty"`

	// Record is the record to write in its on-device layout, hex encoded.
	Record string `json:"record,omitempty"`
}

// ResponseMessage is sent by the bridge in reply to a request.
// Topic: graylogic/response/insteon/{request_id}
type ResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Record is the record read or stored, hex encoded.
	Record string `json:"record,omitempty"`

	// EndOfTable is set on a read past the last slot of the table.
	EndOfTable bool `json:"end_of_table,omitempty"`

	// Confirmed is false when a write was sent but the device never
	// acknowledged it.
	Confirmed bool `json:"confirmed,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ChangeMessage mirrors one link-table change notification.
// Topic: graylogic/state/insteon/{device}/aldb
type ChangeMessage struct {
	Device      string    `json:"device"`
	Timestamp   time.Time `json:"timestamp"`
	Slot        string    `json:"slot"`
	Record      string    `json:"record"`
	ForceDelete bool      `json:"force_delete,omitempty"`
	InUse       bool      `json:"in_use"`
	Controller  bool      `json:"controller"`
	Group       uint8     `json:"group"`
	Peer        string    `json:"peer"`
}

// StatusMessage reports the load status of a device's link table.
// Topic: graylogic/state/insteon/{device}/aldb_status
// QoS: 1, Retained: Yes
type StatusMessage struct {
	Device        string    `json:"device"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Records       int       `json:"records"`
	HighWaterMark string    `json:"high_water_mark,omitempty"`
}

// LinkEntry is one controller/group/responder link in a LinksMessage.
type LinkEntry struct {
	Controller string `json:"controller"`
	Group      uint8  `json:"group"`
	Responder  string `json:"responder"`
	Evidence   int    `json:"evidence"`
}

// LinksMessage publishes the derived fleet topology.
// Topic: graylogic/state/insteon/links
// QoS: 1, Retained: Yes
type LinksMessage struct {
	Timestamp time.Time   `json:"timestamp"`
	Links     []LinkEntry `json:"links"`
}

// NewReadRequest creates a read request for one slot.
func NewReadRequest(id string, device insteon.Address, slot uint16) RequestMessage {
	return RequestMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Action:    ActionReadRecord,
		Device:    device.String(),
		Slot:      FormatSlot(slot),
	}
}

// NewWriteRequest creates a write request for rec.
func NewWriteRequest(id string, device insteon.Address, rec aldb.Record) RequestMessage {
	return RequestMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Action:    ActionWriteRecord,
		Device:    device.String(),
		Slot:      FormatSlot(rec.Address),
		Record:    EncodeRecord(rec),
	}
}

// NewChangeMessage creates a change message from a notification.
func NewChangeMessage(c aldb.Change) ChangeMessage {
	return ChangeMessage{
		Device:      c.Device.String(),
		Timestamp:   time.Now().UTC(),
		Slot:        FormatSlot(c.Record.Address),
		Record:      EncodeRecord(c.Record),
		ForceDelete: c.ForceDelete,
		InUse:       c.Record.InUse,
		Controller:  c.Record.IsController(),
		Group:       c.Record.Group,
		Peer:        c.Record.Peer.String(),
	}
}

// NewStatusMessage creates a status message for db.
func NewStatusMessage(db *aldb.Database) StatusMessage {
	msg := StatusMessage{
		Device:    db.Device().String(),
		Timestamp: time.Now().UTC(),
		Status:    db.Status().String(),
		Version:   db.Version().String(),
		Records:   db.Len(),
	}
	if hwm, ok := db.HighWaterMark(); ok {
		msg.HighWaterMark = FormatSlot(hwm)
	}
	return msg
}

// EncodeRecord hex-encodes the on-device layout of rec.
func EncodeRecord(rec aldb.Record) string {
	raw, _ := rec.MarshalBinary() //nolint:errcheck // MarshalBinary never fails
	return strings.ToUpper(hex.EncodeToString(raw))
}

// DecodeRecord parses a hex-encoded record.
func DecodeRecord(s string) (aldb.Record, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return aldb.Record{}, fmt.Errorf("%w: %w", aldb.ErrInvalidRecord, err)
	}
	return aldb.ParseRecord(raw)
}

// FormatSlot formats a slot address as four hex digits.
func FormatSlot(slot uint16) string {
	return fmt.Sprintf("%04X", slot)
}

// ParseSlot parses a slot address formatted by FormatSlot.
func ParseSlot(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	return uint16(v), nil
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Gray Logic messages.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment of every Insteon topic.
	Protocol = "insteon"
)

// RequestTopic returns the MQTT topic for requests.
// Example: graylogic/request/insteon/0b6f...
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
// Example: graylogic/response/insteon/0b6f...
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseSubscribeTopic returns the subscription pattern for all responses.
// Example: graylogic/response/insteon/#
func ResponseSubscribeTopic() string {
	return fmt.Sprintf("%s/response/%s/#", TopicPrefix, Protocol)
}

// ChangeTopic returns the topic for link-table changes of a device.
// Example: graylogic/state/insteon/1a2b3c/aldb
func ChangeTopic(device insteon.Address) string {
	return fmt.Sprintf("%s/state/%s/%s/aldb", TopicPrefix, Protocol, device.Compact())
}

// StatusTopic returns the topic for the load status of a device.
// Example: graylogic/state/insteon/1a2b3c/aldb_status
func StatusTopic(device insteon.Address) string {
	return fmt.Sprintf("%s/state/%s/%s/aldb_status", TopicPrefix, Protocol, device.Compact())
}

// LinksTopic returns the topic for the fleet link topology.
// Example: graylogic/state/insteon/links
func LinksTopic() string {
	return fmt.Sprintf("%s/state/%s/links", TopicPrefix, Protocol)
}
