// Package aldb models the All-Link Database of a single Insteon device.
//
// Every device keeps a private table of fixed-size link records. The host
// can only fetch it one record at a time over a slow, lossy link, so this
// package keeps a cached copy per device and reconciles it against each
// fresh read.
//
// Load state machine:
//
//	EMPTY ──Load──▶ LOADING ──▶ LOADED   high-water mark reached
//	                        ├─▶ PARTIAL  table ended early, or fault after progress
//	                        └─▶ FAILED   fault before any record was accepted
//
// A load (without refresh) first evicts cached tombstones so their slots are
// re-queried, then pulls records from a RecordSource:
//   - records below a known high-water mark are stale and discarded
//   - an exact match of the cached slot is a no-op
//   - a different record replacing an in-use one is announced as a forced
//     delete of the old record followed by the new one
//
// Reading stops as soon as the high-water-mark record (peer 00.00.00) is
// accepted. Records applied before a transport fault are kept.
//
// Observers registered with Subscribe see every change synchronously and in
// arrival order. The links package builds the fleet-wide topology from
// these notifications.
//
// Persistence:
//
// SQLiteRepository stores a Snapshot of each table in its on-device binary
// layout; LoadSaved feeds it back through the same reconciliation on start.
package aldb
