// Package links maintains the fleet-wide link topology.
//
// No device knows the whole network: each only holds its own link table.
// The Manager rebuilds the controller → group → responder graph from the
// union of every cached table, then keeps it current by subscribing to the
// change notifications of each aldb.Database.
//
// Entry existence is decided by the controller side. A controller record
// (group g, peer r) on device c creates links[c][g][r]; a matching responder
// record on r only attaches to an entry that already exists. Removing the
// last controller record deletes the entry even if responder evidence
// remains. Responder evidence waiting for its controller is held aside, so
// an incrementally maintained graph always equals a full rebuild.
//
// The bridging modem is scanned like any other device.
//
// Usage:
//
//	mgr := links.New()
//	if err := mgr.Attach(fleet); err != nil {
//	    return err
//	}
//	defer mgr.Detach()
//
//	for device := range mgr.Devices(1) {
//	    // every responder of group 1
//	}
package links
