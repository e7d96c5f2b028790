package plm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Client defaults.
const (
	// defaultTimeout is how long one attempt waits for a response. A
	// link-table read is a multi-hop round trip over powerline/RF.
	defaultTimeout = 5 * time.Second

	// defaultRetries is the number of extra attempts after a timeout.
	defaultRetries = 2

	// qosAtLeastOnce is the MQTT QoS used for requests.
	qosAtLeastOnce = 1
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Logger defines the logging interface used by the adapter.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ClientOptions holds configuration for creating a Client.
type ClientOptions struct {
	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Timeout is how long one attempt waits for a response.
	// Zero means 5 seconds.
	Timeout time.Duration

	// Retries is the number of extra attempts after a timeout.
	// Negative means none; zero means the default of 2.
	Retries int

	// Logger is optional structured logger.
	Logger Logger
}

// Client reads and writes device link tables through the modem bridge over
// MQTT request/response topics. It implements aldb.RecordSource and
// aldb.Writer.
//
// Thread Safety: All methods are safe for concurrent use. Reads against
// different devices may run concurrently; the bridge serialises them on
// the modem.
type Client struct {
	mqtt    MQTTClient
	timeout time.Duration
	retries int

	mu      sync.Mutex
	pending map[string]chan ResponseMessage
	started bool

	logger Logger
}

// NewClient creates a new bridge client.
// Call Start() before issuing requests.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	c := &Client{
		mqtt:    opts.MQTTClient,
		timeout: opts.Timeout,
		retries: opts.Retries,
		pending: make(map[string]chan ResponseMessage),
		logger:  opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	switch {
	case c.retries == 0:
		c.retries = defaultRetries
	case c.retries < 0:
		c.retries = 0
	}
	return c, nil
}

// Start subscribes to bridge responses.
func (c *Client) Start() error {
	topic := ResponseSubscribeTopic()
	if err := c.mqtt.Subscribe(topic, qosAtLeastOnce, c.handleResponse); err != nil {
		return fmt.Errorf("subscribe to responses: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.logInfo("subscribed to bridge responses", "topic", topic)
	return nil
}

// handleResponse routes a response to the request waiting for it.
func (c *Client) handleResponse(topic string, payload []byte) {
	var resp ResponseMessage
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logWarn("invalid bridge response", "topic", topic, "error", err)
		return
	}
	if resp.RequestID == "" {
		resp.RequestID = topic[strings.LastIndex(topic, "/")+1:]
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()

	if !ok {
		c.logDebug("response for unknown request", "request_id", resp.RequestID)
		return
	}
	ch <- resp
}

// request publishes a request and waits for its response, retrying on
// timeout. build is called once per attempt with a fresh request ID.
func (c *Client) request(ctx context.Context, build func(id string) RequestMessage) (ResponseMessage, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ResponseMessage{}, ErrNotStarted
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		if !c.mqtt.IsConnected() {
			return ResponseMessage{}, ErrMQTTNotConnected
		}

		msg := build(uuid.NewString())
		resp, err := c.roundTrip(ctx, msg)
		if errors.Is(err, ErrTimeout) {
			c.logDebug("bridge request timed out",
				"action", msg.Action,
				"device", msg.Device,
				"slot", msg.Slot,
				"attempt", attempt+1)
			continue
		}
		return resp, err
	}
	return ResponseMessage{}, fmt.Errorf("%w after %d attempts", ErrTimeout, c.retries+1)
}

// roundTrip performs a single request/response exchange.
func (c *Client) roundTrip(ctx context.Context, msg RequestMessage) (ResponseMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return ResponseMessage{}, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan ResponseMessage, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.mqtt.Publish(RequestTopic(msg.RequestID), payload, qosAtLeastOnce, false); err != nil {
		return ResponseMessage{}, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			return resp, responseError(resp)
		}
		return resp, nil
	case <-timer.C:
		return ResponseMessage{}, ErrTimeout
	case <-ctx.Done():
		return ResponseMessage{}, ctx.Err()
	}
}

// responseError converts a failed response to an error.
func responseError(resp ResponseMessage) error {
	if resp.Error == nil {
		return ErrRequestFailed
	}
	if resp.Error.Code == ErrCodeTimeout {
		return fmt.Errorf("%w: %s", ErrTimeout, resp.Error.Message)
	}
	return fmt.Errorf("%w: %s: %s", ErrRequestFailed, resp.Error.Code, resp.Error.Message)
}

// Read implements aldb.RecordSource. Each Next call reads one slot,
// walking down from start.
func (c *Client) Read(_ context.Context, device insteon.Address, start uint16, maxCount int) aldb.RecordStream {
	return &recordStream{
		client:   c,
		device:   device,
		next:     start,
		maxCount: maxCount,
	}
}

// WriteRecord implements aldb.Writer.
func (c *Client) WriteRecord(ctx context.Context, device insteon.Address, rec aldb.Record) (aldb.Record, error) {
	resp, err := c.request(ctx, func(id string) RequestMessage {
		return NewWriteRequest(id, device, rec)
	})
	if err != nil {
		return aldb.Record{}, fmt.Errorf("writing %s: %w", rec, err)
	}
	if !resp.Confirmed {
		return aldb.Record{}, aldb.ErrUnconfirmed
	}
	if resp.Record == "" {
		return rec, nil
	}

	stored, err := DecodeRecord(resp.Record)
	if err != nil {
		return aldb.Record{}, fmt.Errorf("decoding stored record: %w", err)
	}
	return stored, nil
}

// recordStream reads one slot per Next call.
type recordStream struct {
	client   *Client
	device   insteon.Address
	next     uint16
	maxCount int
	count    int
	done     bool
}

// Next implements aldb.RecordStream.
func (s *recordStream) Next(ctx context.Context) (aldb.Record, error) {
	if s.done || (s.maxCount > 0 && s.count >= s.maxCount) {
		return aldb.Record{}, io.EOF
	}

	slot := s.next
	resp, err := s.client.request(ctx, func(id string) RequestMessage {
		return NewReadRequest(id, s.device, slot)
	})
	if err != nil {
		s.done = true
		if ctx.Err() != nil {
			return aldb.Record{}, ctx.Err()
		}
		return aldb.Record{}, fmt.Errorf("%w: reading %s slot %s: %w",
			aldb.ErrTransportFault, s.device, FormatSlot(slot), err)
	}
	if resp.EndOfTable {
		s.done = true
		return aldb.Record{}, io.EOF
	}

	rec, err := DecodeRecord(resp.Record)
	if err != nil {
		s.done = true
		return aldb.Record{}, fmt.Errorf("%w: %s slot %s: %w",
			aldb.ErrTransportFault, s.device, FormatSlot(slot), err)
	}

	s.count++
	if rec.Address < aldb.RecordSize {
		s.done = true
	} else {
		s.next = rec.Address - aldb.RecordSize
	}
	return rec, nil
}

// Close implements aldb.RecordStream.
func (s *recordStream) Close() error {
	s.done = true
	return nil
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}
