package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Config is the root configuration structure for the Insteon link service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Insteon   InsteonConfig   `yaml:"insteon"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings. Tokens are issued by the
// core's auth service; this service only verifies them. An empty Secret
// leaves the API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// InsteonConfig describes the modem, the devices behind it and how their
// link databases are loaded.
type InsteonConfig struct {
	// Modem is the address of the bridging modem, e.g. "44.85.11".
	Modem string `yaml:"modem"`

	// Devices lists the devices whose link databases are cached.
	Devices []InsteonDeviceConfig `yaml:"devices"`

	// Bridge configures the MQTT request/response channel to the modem bridge.
	Bridge InsteonBridgeConfig `yaml:"bridge"`

	// Load controls when and how tables are read.
	Load InsteonLoadConfig `yaml:"load"`
}

// InsteonDeviceConfig is one configured device.
type InsteonDeviceConfig struct {
	Address string `yaml:"address"`

	// Version is the link database layout: "v1" or "v2". Default: "v2"
	Version string `yaml:"version"`

	// Name is an optional label used in logs.
	Name string `yaml:"name,omitempty"`
}

// InsteonBridgeConfig contains bridge request settings.
type InsteonBridgeConfig struct {
	// Timeout is the per-request timeout in seconds. Default: 5
	Timeout int `yaml:"timeout"`

	// Retries is how often a timed-out request is repeated. Default: 2
	Retries int `yaml:"retries"`
}

// InsteonLoadConfig contains load scheduling settings.
type InsteonLoadConfig struct {
	// OnStart loads every table after the persisted ones are restored.
	OnStart bool `yaml:"on_start"`

	// Refresh discards cached tables before a scheduled load.
	Refresh bool `yaml:"refresh"`

	// Concurrency caps parallel device loads. Default: 4
	Concurrency int `yaml:"concurrency"`

	// Interval is the time between scheduled loads in minutes. 0 disables them.
	Interval int `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_INSTEON_MODEM
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/insteon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-insteon",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8091,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Insteon: InsteonConfig{
			Bridge: InsteonBridgeConfig{
				Timeout: 5,
				Retries: 2,
			},
			Load: InsteonLoadConfig{
				OnStart:     true,
				Concurrency: 4,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Insteon
	if v := os.Getenv("GRAYLOGIC_INSTEON_MODEM"); v != "" {
		cfg.Insteon.Modem = v
	}
	if v := os.Getenv("GRAYLOGIC_INSTEON_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Insteon.Load.Concurrency = n
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.PingInterval < 1 {
			errs = append(errs, "websocket.ping_interval must be at least 1 second")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Insteon.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *InsteonConfig) validate() []string {
	var errs []string

	modem, err := insteon.ParseAddress(c.Modem)
	if err != nil {
		errs = append(errs, fmt.Sprintf("insteon.modem: %v", err))
	}

	seen := make(map[insteon.Address]bool, len(c.Devices))
	for i, d := range c.Devices {
		addr, err := insteon.ParseAddress(d.Address)
		if err != nil {
			errs = append(errs, fmt.Sprintf("insteon.devices[%d].address: %v", i, err))
			continue
		}
		if addr == modem {
			errs = append(errs, fmt.Sprintf("insteon.devices[%d]: %s is the modem", i, addr))
		}
		if seen[addr] {
			errs = append(errs, fmt.Sprintf("insteon.devices[%d]: duplicate address %s", i, addr))
		}
		seen[addr] = true

		if _, err := aldb.ParseVersion(d.Version); err != nil {
			errs = append(errs, fmt.Sprintf("insteon.devices[%d].version: %v", i, err))
		}
	}

	if c.Bridge.Timeout < 1 {
		errs = append(errs, "insteon.bridge.timeout must be at least 1 second")
	}
	if c.Bridge.Retries < 0 {
		errs = append(errs, "insteon.bridge.retries must not be negative")
	}
	if c.Load.Concurrency < 1 {
		errs = append(errs, "insteon.load.concurrency must be at least 1")
	}
	if c.Load.Interval < 0 {
		errs = append(errs, "insteon.load.interval must not be negative")
	}

	return errs
}

// ModemAddress returns the parsed modem address. Call after Validate.
func (c *InsteonConfig) ModemAddress() insteon.Address {
	addr, _ := insteon.ParseAddress(c.Modem) //nolint:errcheck // Checked by Validate
	return addr
}

// ParsedAddress returns the parsed device address. Call after Validate.
func (d InsteonDeviceConfig) ParsedAddress() insteon.Address {
	addr, _ := insteon.ParseAddress(d.Address) //nolint:errcheck // Checked by Validate
	return addr
}

// ParsedVersion returns the device's table layout, V2 when unset.
// Call after Validate.
func (d InsteonDeviceConfig) ParsedVersion() aldb.Version {
	v, _ := aldb.ParseVersion(d.Version) //nolint:errcheck // Checked by Validate
	return v
}

// GetBridgeTimeout returns the bridge request timeout as a Duration.
func (c *Config) GetBridgeTimeout() time.Duration {
	return time.Duration(c.Insteon.Bridge.Timeout) * time.Second
}

// GetLoadInterval returns the time between scheduled loads. Zero disables them.
func (c *Config) GetLoadInterval() time.Duration {
	return time.Duration(c.Insteon.Load.Interval) * time.Minute
}
