package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-insteon-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// fakeMessage implements paho's Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *mockLogger) Info(string, ...any) {}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func TestDisconnectedClient(t *testing.T) {
	c := newClient(testConfig())
	handler := func(string, []byte) error { return nil }

	if c.IsConnected() {
		t.Fatal("IsConnected() = true before Connect")
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish invalid qos", c.Publish("a/b", nil, 3, false), ErrInvalidQoS},
		{"publish too large", c.Publish("a/b", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("a/b", []byte("x"), 1, false), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe invalid qos", c.Subscribe("a/#", 3, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("a/#", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a/#", 1, handler), ErrNotConnected},
		{"unsubscribe empty topic", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("a/#"), ErrNotConnected},
		{"health check", c.HealthCheck(context.Background()), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := newClient(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() on nil client = true")
	}
}

func TestWrapHandler(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got []byte
	c.wrapHandler(func(_ string, payload []byte) error {
		got = payload
		return nil
	})(nil, fakeMessage{topic: "graylogic/response/insteon/1", payload: []byte("ok")})
	if string(got) != "ok" {
		t.Errorf("handler payload = %q, want %q", got, "ok")
	}

	c.wrapHandler(func(string, []byte) error {
		return errors.New("bad payload")
	})(nil, fakeMessage{topic: "t"})
	if len(logger.warns) != 1 {
		t.Errorf("warnings = %v, want one for the handler error", logger.warns)
	}

	c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})(nil, fakeMessage{topic: "t"})
	if len(logger.errors) != 1 {
		t.Errorf("errors = %v, want one for the recovered panic", logger.errors)
	}
}

func TestCallbacks(t *testing.T) {
	c := newClient(testConfig())

	var lost error
	c.SetOnDisconnect(func(err error) { lost = err })
	c.setConnected(true)
	c.handleDisconnect(errors.New("network down"))

	if lost == nil || lost.Error() != "network down" {
		t.Errorf("disconnect callback got %v", lost)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var msg statusPayload
	if err := json.Unmarshal(buildStatusPayload(StatusOffline, "svc", "graceful_shutdown"), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Status != StatusOffline || msg.ClientID != "svc" || msg.Reason != "graceful_shutdown" || msg.Timestamp == "" {
		t.Errorf("payload = %+v", msg)
	}

	var online map[string]any
	if err := json.Unmarshal(buildStatusPayload(StatusOnline, "svc", ""), &online); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := online["reason"]; ok {
		t.Error("online payload should omit reason")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "insteon"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != cfg.Broker.ClientID {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "insteon" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS not configured")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("auto-reconnect and clean session should be enabled")
	}

	configureLWT(opts, cfg.Broker.ClientID)
	if !opts.WillEnabled || opts.WillTopic != "graylogic/system/status/graylogic-insteon-test" || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Topics{}.SystemStatus(), "graylogic/system/status"},
		{Topics{}.ServiceStatus("graylogic-insteon"), "graylogic/system/status/graylogic-insteon"},
		{Topics{}.AllServiceStatuses(), "graylogic/system/status/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
