package links

import (
	"iter"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fleet is the set of known devices the manager derives links from.
type Fleet interface {
	// Devices returns the database of every known device.
	Devices() map[insteon.Address]*aldb.Database

	// Modem returns the bridging modem's database, or nil if there is none.
	Modem() *aldb.Database
}

// Link is one controller/group/responder entry with its evidence.
type Link struct {
	Controller insteon.Address
	Group      uint8
	Responder  insteon.Address

	// Evidence holds the controller-side records first, then any matching
	// responder-side records.
	Evidence []aldb.Record
}

// Key identifies a link entry.
type Key struct {
	Controller insteon.Address
	Group      uint8
	Responder  insteon.Address
}

// slot identifies one record slot on one device.
type slot struct {
	device  insteon.Address
	address uint16
}

// contribution records which entry a slot feeds and from which side.
type contribution struct {
	key        Key
	controller bool
}

// entry is the evidence behind one link.
type entry struct {
	controllers map[slot]aldb.Record
	responders  map[slot]aldb.Record
}

// Manager maintains the link topology of a fleet.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Notification handlers take the manager lock only; they never call
//     back into a Database, so a query issued right after a notification
//     sees the updated topology.
type Manager struct {
	mu      sync.RWMutex
	links   map[Key]*entry
	slots   map[slot]contribution
	orphans map[Key]map[slot]aldb.Record

	fleet Fleet
	subs  map[insteon.Address]func()

	logger Logger
}

// New creates a detached Manager with an empty topology.
func New() *Manager {
	m := &Manager{
		subs:   make(map[insteon.Address]func()),
		logger: noopLogger{},
	}
	m.resetLocked()
	return m
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Attach subscribes to every database of fleet and builds the topology from
// their cached tables.
//
// Returns:
//   - error: ErrAlreadyAttached if a fleet is already attached
func (m *Manager) Attach(fleet Fleet) error {
	m.mu.Lock()
	if m.fleet != nil {
		m.mu.Unlock()
		return ErrAlreadyAttached
	}
	m.fleet = fleet
	m.mu.Unlock()

	dbs := fleetDatabases(fleet)

	m.mu.Lock()
	m.subscribeLocked(dbs)
	m.buildLocked(dbs)
	m.mu.Unlock()

	m.logger.Info("link manager attached", "devices", len(dbs), "links", m.Len())
	return nil
}

// Detach unsubscribes from the fleet and clears the topology.
// Detaching a detached manager is a no-op.
func (m *Manager) Detach() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[insteon.Address]func())
	m.fleet = nil
	m.resetLocked()
	m.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// Rebuild discards the topology and derives it again from every cached
// table. Databases that joined the fleet without being tracked are
// subscribed first.
//
// Returns:
//   - error: ErrNotAttached if no fleet is attached
func (m *Manager) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fleet == nil {
		return ErrNotAttached
	}
	dbs := fleetDatabases(m.fleet)
	m.subscribeLocked(dbs)
	m.buildLocked(dbs)
	return nil
}

// Track subscribes to a database added to the fleet after Attach and
// indexes its cached table. Tracking a database twice is a no-op.
func (m *Manager) Track(db *aldb.Database) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fleet == nil {
		return ErrNotAttached
	}
	if _, ok := m.subs[db.Device()]; ok {
		return nil
	}
	m.subscribeLocked([]*aldb.Database{db})
	m.indexLocked(db)
	return nil
}

// subscribeLocked subscribes to every database in dbs not yet subscribed.
// Callers must hold m.mu. Database.Subscribe never calls back into the
// manager, so holding the lock here cannot deadlock with handle.
func (m *Manager) subscribeLocked(dbs []*aldb.Database) {
	for _, db := range dbs {
		if _, ok := m.subs[db.Device()]; ok {
			continue
		}
		m.subs[db.Device()] = db.Subscribe(m.handle)
	}
}

// fleetDatabases returns the fleet's databases plus the modem, once each.
func fleetDatabases(fleet Fleet) []*aldb.Database {
	devices := fleet.Devices()
	dbs := make([]*aldb.Database, 0, len(devices)+1)
	for _, db := range devices {
		dbs = append(dbs, db)
	}
	if modem := fleet.Modem(); modem != nil {
		if _, listed := devices[modem.Device()]; !listed {
			dbs = append(dbs, modem)
		}
	}
	slices.SortFunc(dbs, func(a, b *aldb.Database) int {
		return a.Device().Compare(b.Device())
	})
	return dbs
}

// resetLocked empties the topology. Callers must hold m.mu.
func (m *Manager) resetLocked() {
	m.links = make(map[Key]*entry)
	m.slots = make(map[slot]contribution)
	m.orphans = make(map[Key]map[slot]aldb.Record)
}

// buildLocked rebuilds the topology from dbs. Callers must hold m.mu.
func (m *Manager) buildLocked(dbs []*aldb.Database) {
	m.resetLocked()
	for _, db := range dbs {
		m.indexLocked(db)
	}
	m.logger.Debug("link topology rebuilt", "devices", len(dbs), "links", len(m.links))
}

// indexLocked adds every live link record cached by db. Callers must
// hold m.mu.
func (m *Manager) indexLocked(db *aldb.Database) {
	device := db.Device()
	for _, rec := range db.Find(aldb.Record.IsLink) {
		s := slot{device: device, address: rec.Address}
		m.dropLocked(s)
		m.addLocked(s, rec)
	}
}

// handle applies one change notification.
func (m *Manager) handle(c aldb.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := slot{device: c.Device, address: c.Record.Address}
	m.dropLocked(s)
	if c.ForceDelete || !c.Record.IsLink() {
		return
	}
	m.addLocked(s, c.Record)
}

// addLocked registers rec, found in slot s, as evidence. Callers must
// hold m.mu.
func (m *Manager) addLocked(s slot, rec aldb.Record) {
	if rec.IsController() {
		key := Key{Controller: s.device, Group: rec.Group, Responder: rec.Peer}
		e, ok := m.links[key]
		if !ok {
			e = &entry{
				controllers: make(map[slot]aldb.Record),
				responders:  make(map[slot]aldb.Record),
			}
			// Adopt responder evidence that arrived first.
			for rs, rrec := range m.orphans[key] {
				e.responders[rs] = rrec
			}
			delete(m.orphans, key)
			m.links[key] = e
		}
		e.controllers[s] = rec
		m.slots[s] = contribution{key: key, controller: true}
		return
	}

	key := Key{Controller: rec.Peer, Group: rec.Group, Responder: s.device}
	m.slots[s] = contribution{key: key}
	if e, ok := m.links[key]; ok {
		e.responders[s] = rec
		return
	}
	if m.orphans[key] == nil {
		m.orphans[key] = make(map[slot]aldb.Record)
	}
	m.orphans[key][s] = rec
}

// dropLocked removes whatever evidence slot s contributed. Callers must
// hold m.mu.
func (m *Manager) dropLocked(s slot) {
	c, ok := m.slots[s]
	if !ok {
		return
	}
	delete(m.slots, s)

	e, exists := m.links[c.key]
	if !c.controller {
		if exists {
			delete(e.responders, s)
		}
		if waiting := m.orphans[c.key]; waiting != nil {
			delete(waiting, s)
			if len(waiting) == 0 {
				delete(m.orphans, c.key)
			}
		}
		return
	}

	if !exists {
		return
	}
	delete(e.controllers, s)
	if len(e.controllers) > 0 {
		return
	}

	// The controller anchor is gone: the link goes with it.
	delete(m.links, c.key)
	if len(e.responders) > 0 {
		m.orphans[c.key] = e.responders
	}
	m.logger.Debug("link removed",
		"controller", c.key.Controller.String(),
		"group", c.key.Group,
		"responder", c.key.Responder.String())
}

// Links returns the evidence for links[controller][group][responder]:
// controller-side records first, then responder-side records, each ordered
// by device and descending slot address. The result is empty if the entry
// does not exist.
func (m *Manager) Links(controller insteon.Address, group uint8, responder insteon.Address) []aldb.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.links[Key{Controller: controller, Group: group, Responder: responder}]
	if !ok {
		return nil
	}
	return e.evidence()
}

// Exists reports whether links[controller][group][responder] exists.
func (m *Manager) Exists(controller insteon.Address, group uint8, responder insteon.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[Key{Controller: controller, Group: group, Responder: responder}]
	return ok
}

// Devices yields every device acting as a responder of group in any
// controller's table, once each, in address order.
func (m *Manager) Devices(group uint8) iter.Seq[insteon.Address] {
	return func(yield func(insteon.Address) bool) {
		m.mu.RLock()
		seen := make(map[insteon.Address]struct{})
		var devices []insteon.Address
		for key := range m.links {
			if key.Group != group {
				continue
			}
			if _, dup := seen[key.Responder]; dup {
				continue
			}
			seen[key.Responder] = struct{}{}
			devices = append(devices, key.Responder)
		}
		m.mu.RUnlock()

		slices.SortFunc(devices, insteon.Address.Compare)
		for _, d := range devices {
			if !yield(d) {
				return
			}
		}
	}
}

// Controllers returns every device that controls at least one link.
func (m *Manager) Controllers() []insteon.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []insteon.Address
	for key := range m.links {
		out = append(out, key.Controller)
	}
	slices.SortFunc(out, insteon.Address.Compare)
	return slices.Compact(out)
}

// Groups returns the groups controller has links in.
func (m *Manager) Groups(controller insteon.Address) []uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint8
	for key := range m.links {
		if key.Controller == controller {
			out = append(out, key.Group)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Responders returns the responders linked to controller in group.
func (m *Manager) Responders(controller insteon.Address, group uint8) []insteon.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []insteon.Address
	for key := range m.links {
		if key.Controller == controller && key.Group == group {
			out = append(out, key.Responder)
		}
	}
	slices.SortFunc(out, insteon.Address.Compare)
	return out
}

// Len returns the number of link entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Snapshot returns every link entry ordered by controller, group and
// responder.
func (m *Manager) Snapshot() []Link {
	m.mu.RLock()
	out := make([]Link, 0, len(m.links))
	for key, e := range m.links {
		out = append(out, Link{
			Controller: key.Controller,
			Group:      key.Group,
			Responder:  key.Responder,
			Evidence:   e.evidence(),
		})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Link) int {
		if c := a.Controller.Compare(b.Controller); c != 0 {
			return c
		}
		if a.Group != b.Group {
			return int(a.Group) - int(b.Group)
		}
		return a.Responder.Compare(b.Responder)
	})
	return out
}

// evidence flattens an entry into its ordered record list.
func (e *entry) evidence() []aldb.Record {
	out := make([]aldb.Record, 0, len(e.controllers)+len(e.responders))
	out = append(out, sortedEvidence(e.controllers)...)
	return append(out, sortedEvidence(e.responders)...)
}

// sortedEvidence orders records by device, then descending slot address.
func sortedEvidence(m map[slot]aldb.Record) []aldb.Record {
	slots := make([]slot, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	slices.SortFunc(slots, func(a, b slot) int {
		if c := a.device.Compare(b.device); c != 0 {
			return c
		}
		return int(b.address) - int(a.address)
	})

	out := make([]aldb.Record, 0, len(slots))
	for _, s := range slots {
		out = append(out, m[s])
	}
	return out
}
