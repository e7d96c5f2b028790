// Package config handles loading and validating the Insteon link service
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and Insteon addresses
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/insteon.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	modem := cfg.Insteon.ModemAddress()
package config
