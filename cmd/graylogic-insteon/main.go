// Gray Logic Insteon - link database service
//
// This is the main entry point for the Insteon link database service. It
// keeps a cached copy of every configured device's link table, persists
// them in SQLite, derives the controller/responder topology and mirrors
// both to MQTT for the rest of the Gray Logic stack.
//
// Device traffic goes through the modem bridge over MQTT request/response
// topics; this process never talks to the serial modem directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-insteon/migrations"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/api"
	"github.com/nerrad567/gray-logic-insteon/internal/bridges/plm"
	"github.com/nerrad567/gray-logic-insteon/internal/fleet"
	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-insteon/internal/links"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Insteon",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	bridge, err := plm.NewClient(plm.ClientOptions{
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Timeout:    cfg.GetBridgeTimeout(),
		Retries:    cfg.Insteon.Bridge.Retries,
		Logger:     log.Component("plm"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge client: %w", err)
	}
	if startErr := bridge.Start(); startErr != nil {
		return fmt.Errorf("starting bridge client: %w", startErr)
	}

	publisher := plm.NewPublisher(&mqttBridgeAdapter{client: mqttClient}, log.Component("publisher"))
	defer func() {
		log.Info("stopping publisher")
		publisher.Stop()
	}()

	opts := fleet.Options{
		Repository:  aldb.NewSQLiteRepository(db.DB),
		Logger:      log.Component("fleet"),
		Concurrency: cfg.Insteon.Load.Concurrency,
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	devices := fleet.New(cfg.Insteon.ModemAddress(), bridge, opts)
	for _, d := range cfg.Insteon.Devices {
		devices.AddDevice(d.ParsedAddress(), d.ParsedVersion())
	}

	if _, restoreErr := devices.Restore(ctx); restoreErr != nil {
		// A corrupt stored table is reloaded live below.
		log.Warn("some link databases could not be restored", "error", restoreErr)
	}

	linkManager := links.New()
	linkManager.SetLogger(log.Component("links"))
	if attachErr := devices.AttachLinks(linkManager); attachErr != nil {
		return fmt.Errorf("attaching link manager: %w", attachErr)
	}
	defer devices.DetachLinks()

	publisher.Watch(devices.Modem())
	for _, d := range devices.Devices() {
		publisher.Watch(d)
	}

	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Fleet:    devices,
			Links:    linkManager,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.Insteon.Load.OnStart {
		loadAndPublish(ctx, devices, linkManager, publisher, influxClient, aldb.LoadOptions{}, log)
	} else {
		publishAll(devices, linkManager, publisher, influxClient, log)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", len(devices.Devices()),
		"links", linkManager.Len(),
	)

	scheduleLoads(ctx, cfg.GetLoadInterval(), func() {
		loadAndPublish(ctx, devices, linkManager, publisher, influxClient,
			aldb.LoadOptions{Refresh: cfg.Insteon.Load.Refresh}, log)
	})

	log.Info("shutdown signal received, cleaning up")
	log.Info("Gray Logic Insteon stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux connects the telemetry client. A nil client with a nil
// error means telemetry is disabled.
func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// scheduleLoads calls load every interval until ctx is cancelled. A zero
// interval only waits for cancellation.
func scheduleLoads(ctx context.Context, interval time.Duration, load func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}

// loadAndPublish loads every table, then publishes the statuses and the
// resulting topology. Per-device failures are logged; the loaded devices
// are still published.
func loadAndPublish(ctx context.Context, devices *fleet.Fleet, mgr *links.Manager, publisher *plm.Publisher,
	influxClient *influxdb.Client, opts aldb.LoadOptions, log *logging.Logger) {
	start := time.Now()
	if err := devices.LoadAll(ctx, opts); err != nil {
		log.Warn("link database load finished with errors", "error", err)
	}
	log.Info("link database load complete", "duration", time.Since(start))

	publishAll(devices, mgr, publisher, influxClient, log)
}

// publishAll publishes every status and the topology snapshot.
func publishAll(devices *fleet.Fleet, mgr *links.Manager, publisher *plm.Publisher,
	influxClient *influxdb.Client, log *logging.Logger) {
	all := devices.Devices()
	if err := publisher.PublishStatus(devices.Modem()); err != nil {
		log.Warn("failed to publish modem status", "error", err)
	}
	for _, db := range all {
		if err := publisher.PublishStatus(db); err != nil {
			log.Warn("failed to publish status", "device", db.Device().String(), "error", err)
		}
	}

	snapshot := mgr.Snapshot()
	if err := publisher.PublishLinks(snapshot); err != nil {
		log.Warn("failed to publish links", "error", err)
	}
	if influxClient != nil {
		influxClient.WriteLinkCount(len(snapshot), len(all)+1)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - plm expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements plm.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements plm.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements plm.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
