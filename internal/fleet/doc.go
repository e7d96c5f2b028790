// Package fleet holds the link-table database of every known Insteon
// device, plus the bridging modem.
//
// Devices are enumerated up front (from configuration or the persisted
// tables); discovery is not in scope. The fleet drives loads across
// devices with bounded concurrency, persists each table after it changes
// and restores them on start so the link topology is available before the
// first live read completes.
//
// A failing device never stops the others: LoadAll returns the combined
// per-device errors once every load has finished.
package fleet
