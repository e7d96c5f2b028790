package plm

import "errors"

// Domain errors for the modem bridge adapter.
var (
	// ErrTimeout is returned when the bridge does not answer a request
	// within the configured timeout on any attempt.
	ErrTimeout = errors.New("plm: request timed out")

	// ErrRequestFailed is returned when the bridge answers with an error.
	ErrRequestFailed = errors.New("plm: request failed")

	// ErrNotStarted is returned when a request is made before Start.
	ErrNotStarted = errors.New("plm: client not started")

	// ErrMQTTNotConnected is returned when the broker connection is down.
	ErrMQTTNotConnected = errors.New("plm: MQTT not connected")
)
