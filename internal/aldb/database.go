package aldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Logger defines the logging interface used by the Database.
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

// Change is a single change notification.
//
// ForceDelete means the record shown is being removed from its slot: it is
// about to be replaced by a different record, or evicted.
type Change struct {
	Device      insteon.Address
	Record      Record
	ForceDelete bool
}

// LoadOptions controls a single Load pass.
type LoadOptions struct {
	// Start is the first slot to read. Zero means TableTop.
	Start uint16

	// MaxCount caps the number of records read. Zero or negative means no limit.
	MaxCount int

	// Refresh discards the whole cached table before reading.
	Refresh bool
}

// LoadResult summarises a Load pass for logging and telemetry.
type LoadResult struct {
	Status   Status
	Read     int // records pulled from the source
	Accepted int // records not discarded as stale
	Changed  int // records that produced a notification
}

// Database is the cached link table of one device.
//
// It owns the slot map, the load state machine, the pending-write queue
// and the observer list. A Database is never shared between devices.
//
// Thread Safety:
//   - Queries are safe for concurrent use with a running load.
//   - Load, LoadSaved and Write are mutually exclusive; a second call while
//     one runs returns ErrLoadInProgress.
//   - Observers run synchronously, outside the internal lock, in record
//     arrival order.
type Database struct {
	device  insteon.Address
	version Version

	mu      sync.RWMutex
	records map[uint16]Record
	status  Status
	hwm     uint16
	hasHWM  bool
	pending []Record
	last    LoadResult

	busy atomic.Bool

	subMu     sync.RWMutex
	observers map[int]func(Change)
	nextSubID int

	logger Logger
}

// New creates an empty Database for device.
func New(device insteon.Address, version Version) *Database {
	return &Database{
		device:    device,
		version:   version,
		records:   make(map[uint16]Record),
		status:    StatusEmpty,
		observers: make(map[int]func(Change)),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the database.
func (d *Database) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Device returns the address of the device owning this table.
func (d *Database) Device() insteon.Address {
	return d.device
}

// Version returns the protocol version fixed at construction.
func (d *Database) Version() Version {
	return d.version
}

// Status returns the current load status.
func (d *Database) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// IsLoaded reports whether the last load completed cleanly.
func (d *Database) IsLoaded() bool {
	return d.Status() == StatusLoaded
}

// HighWaterMark returns the address of the high-water-mark record, if one
// has been established.
func (d *Database) HighWaterMark() (uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hwm, d.hasHWM
}

// LastLoad returns the summary of the most recent load pass.
func (d *Database) LastLoad() LoadResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Len returns the number of cached records.
func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Get returns the record cached at address.
func (d *Database) Get(address uint16) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[address]
	return rec, ok
}

// Records returns every cached record, highest address first.
func (d *Database) Records() []Record {
	return d.Find(nil)
}

// Find returns the cached records accepted by match, highest address first.
// A nil match returns every record.
func (d *Database) Find(match func(Record) bool) []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		if match == nil || match(rec) {
			out = append(out, rec)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address > out[j].Address
	})
	return out
}

// Subscribe registers an observer for change notifications.
// The returned function removes the observer.
func (d *Database) Subscribe(fn func(Change)) (unsubscribe func()) {
	d.subMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.observers[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.observers, id)
			d.subMu.Unlock()
		})
	}
}

// notify delivers changes to every observer, in order. Must be called
// without d.mu held.
func (d *Database) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	d.subMu.RLock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, d.observers[id])
	}
	d.subMu.RUnlock()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

// Load reads the device's table from src and reconciles it with the cache.
//
// Without Refresh, cached tombstones are evicted first so their slots are
// re-queried; populated records are trusted and only replaced when the
// device reports something different. Reading stops as soon as the
// high-water-mark record is accepted.
//
// The returned status is LOADED when the high-water mark was reached,
// PARTIAL when the source ended early or faulted after learning something,
// and FAILED when it faulted having only re-read unchanged records (or
// nothing at all). Progress applied before a
// fault or cancellation is kept.
//
// Returns:
//   - Status: Final status of this pass
//   - error: ErrLoadInProgress, a wrapped ErrTransportFault, or the context error
func (d *Database) Load(ctx context.Context, src RecordSource, opts LoadOptions) (Status, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return d.Status(), ErrLoadInProgress
	}
	defer d.busy.Store(false)

	start := opts.Start
	if start == 0 {
		start = TableTop
	}

	evicted, cleared := d.beginLoad(opts.Refresh)
	d.notify(cleared)

	d.logger.Debug("loading link database",
		"device", d.device.String(),
		"start", fmt.Sprintf("%04X", start),
		"refresh", opts.Refresh,
		"evicted_unused", len(evicted))

	var result LoadResult
	stream := src.Read(ctx, d.device, start, opts.MaxCount)
	defer stream.Close() //nolint:errcheck // Read-only stream, nothing to flush

	var (
		complete bool
		fresh    int
		readErr  error
	)
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		result.Read++

		accepted, learned, done, changes := d.apply(rec, evicted, true)
		if accepted {
			result.Accepted++
		}
		if learned {
			fresh++
		}
		result.Changed += countChanges(changes)
		d.notify(changes)

		if done {
			complete = true
			break
		}
	}

	result.Status = finalStatus(complete, fresh, readErr)
	d.finishLoad(result)

	if readErr != nil {
		d.logger.Warn("link database load interrupted",
			"device", d.device.String(),
			"status", result.Status.String(),
			"accepted", result.Accepted,
			"error", readErr)
		return result.Status, fmt.Errorf("loading %s: %w", d.device, asFault(readErr))
	}

	d.logger.Debug("link database loaded",
		"device", d.device.String(),
		"status", result.Status.String(),
		"read", result.Read,
		"changed", result.Changed)
	return result.Status, nil
}

// beginLoad moves to LOADING and prepares the cache for a pass. It returns
// the evicted tombstones (non-refresh) and the forced-delete notifications
// for in-use records dropped by a refresh.
func (d *Database) beginLoad(refresh bool) (map[uint16]Record, []Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = StatusLoading
	evicted := make(map[uint16]Record)

	if refresh {
		var cleared []Change
		for _, rec := range sortedDesc(d.records) {
			if rec.InUse {
				cleared = append(cleared, Change{Device: d.device, Record: rec, ForceDelete: true})
			}
		}
		d.records = make(map[uint16]Record)
		d.hwm, d.hasHWM = 0, false
		return evicted, cleared
	}

	for addr, rec := range d.records {
		if !rec.InUse {
			evicted[addr] = rec
			delete(d.records, addr)
		}
	}
	return evicted, nil
}

// apply reconciles one record into the cache and returns whether it was
// accepted, whether it filled or changed a slot (an exact re-read of a
// cached record does not), whether the high-water mark was reached, and
// the notifications to deliver. Stale records are only rejected when
// rejectStale is set.
func (d *Database) apply(rec Record, evicted map[uint16]Record, rejectStale bool) (accepted, learned, done bool, changes []Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rejectStale && d.hasHWM && rec.Address < d.hwm {
		d.logger.Debug("discarding record below high-water mark",
			"device", d.device.String(),
			"record", rec.String(),
			"high_water_mark", fmt.Sprintf("%04X", d.hwm))
		return false, false, false, nil
	}

	existing, exists := d.records[rec.Address]
	tombstone, wasEvicted := evicted[rec.Address]
	delete(evicted, rec.Address)

	learned = true
	switch {
	case exists && existing.IsExactMatch(rec):
		// Unchanged slot.
		learned = false
	case !exists && wasEvicted && tombstone.IsExactMatch(rec):
		// Tombstone confirmed by the device; restored without notification.
		d.records[rec.Address] = rec
	default:
		if exists && existing.InUse {
			changes = append(changes, Change{Device: d.device, Record: existing, ForceDelete: true})
		}
		d.records[rec.Address] = rec
		changes = append(changes, Change{Device: d.device, Record: rec})
	}

	if rec.IsHighWaterMark() {
		if !d.hasHWM || d.hwm != rec.Address {
			learned = true
		}
		changes = append(changes, d.setHighWaterMarkLocked(rec.Address)...)
		return true, learned, true, changes
	}
	if d.hasHWM && rec.Address == d.hwm {
		// The table grew past the old mark.
		d.hasHWM = false
	}
	return true, learned, false, changes
}

// setHighWaterMarkLocked records a newly observed mark and evicts every
// cached record below it. Callers must hold d.mu.
func (d *Database) setHighWaterMarkLocked(address uint16) []Change {
	d.hwm, d.hasHWM = address, true

	var changes []Change
	for _, rec := range sortedDesc(d.records) {
		if rec.Address >= address {
			continue
		}
		delete(d.records, rec.Address)
		if rec.InUse {
			changes = append(changes, Change{Device: d.device, Record: rec, ForceDelete: true})
		}
	}
	return changes
}

// finishLoad stores the final status and load summary.
func (d *Database) finishLoad(result LoadResult) {
	d.mu.Lock()
	d.status = result.Status
	d.last = result
	d.mu.Unlock()
}

// LoadSaved restores a previously persisted table without device I/O.
//
// Records go through the same reconciliation as a live read, so observers
// see a notification for every slot that differs from the cache. The
// snapshot status becomes the database status, and a stored high-water
// mark is reinstated even when its record is not among the saved ones (a
// PARTIAL load evicts the unused mark record before re-reading it).
func (d *Database) LoadSaved(snap Snapshot) error {
	if !d.busy.CompareAndSwap(false, true) {
		return ErrLoadInProgress
	}
	defer d.busy.Store(false)

	ordered := make([]Record, len(snap.Records))
	copy(ordered, snap.Records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Address > ordered[j].Address
	})

	result := LoadResult{Status: snap.Status}
	for _, rec := range ordered {
		_, _, _, changes := d.apply(rec, nil, false)
		result.Read++
		result.Accepted++
		result.Changed += countChanges(changes)
		d.notify(changes)
	}

	if snap.HighWaterMark != nil {
		d.mu.Lock()
		changes := d.setHighWaterMarkLocked(*snap.HighWaterMark)
		d.mu.Unlock()
		d.notify(changes)
	}

	d.finishLoad(result)
	return nil
}

// finalStatus maps the way a read loop ended to a load status. fresh counts
// the records that filled or changed a slot.
func finalStatus(complete bool, fresh int, readErr error) Status {
	switch {
	case complete:
		return StatusLoaded
	case readErr != nil && fresh == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// asFault wraps a read error as a transport fault unless it already is one
// or it is a context error.
func asFault(err error) error {
	if errors.Is(err, ErrTransportFault) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportFault, err)
}

// countChanges counts the non-delete notifications in changes.
func countChanges(changes []Change) int {
	n := 0
	for _, c := range changes {
		if !c.ForceDelete {
			n++
		}
	}
	return n
}

// sortedDesc returns the records of m ordered by descending address.
func sortedDesc(m map[uint16]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address > out[j].Address
	})
	return out
}
