// Package mqtt provides the MQTT client the Insteon link service uses to
// talk to the modem bridge and to publish cached tables and topology.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Subscriptions that survive reconnects
//   - A retained service status with a Last Will for crash detection
//
// # Architecture
//
//	link service ↔ MQTT broker ↔ Insteon modem bridge
//
// Request, response and state topics belong to the bridge package (plm);
// this package only owns graylogic/system/status/{client_id}.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// TLS should be enabled for any broker reachable beyond localhost
// (cfg.Broker.TLS=true).
package mqtt
