// Package influxdb records link-database telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and a health check.
//
// # Measurements
//
//	aldb_load   device,status   read accepted changed duration_ms
//	aldb_write  device          written failed
//	aldb_links  (none)          links devices
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	f := fleet.New(modem, source, fleet.Options{Metrics: client})
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
