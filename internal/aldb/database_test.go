package aldb

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

var (
	testDevice = insteon.MustParseAddress("AA.BB.CC")
	peerA      = insteon.MustParseAddress("11.22.33")
	peerB      = insteon.MustParseAddress("44.55.66")
)

// link builds an in-use record.
func link(address uint16, dir Direction, group uint8, peer insteon.Address) Record {
	return Record{
		Address:   address,
		Direction: dir,
		Group:     group,
		Peer:      peer,
		Data:      [3]byte{0xFF, 0x1C, 0x01},
		InUse:     true,
	}
}

// mark builds a high-water-mark record.
func mark(address uint16) Record {
	return Record{Address: address, Direction: Responder}
}

// tombstone returns rec marked unused.
func tombstone(rec Record) Record {
	rec.InUse = false
	return rec
}

// recorder collects change notifications.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) observe(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

// take returns the collected changes and resets the recorder.
func (r *recorder) take() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changes
	r.changes = nil
	return out
}

// newTestDatabase returns a database, a source serving table and a
// recorder subscribed to the database.
func newTestDatabase(t *testing.T, table ...Record) (*Database, *MemorySource, *recorder) {
	t.Helper()

	db := New(testDevice, V2)
	src := NewMemorySource()
	src.SetTable(testDevice, table)

	rec := &recorder{}
	unsubscribe := db.Subscribe(rec.observe)
	t.Cleanup(unsubscribe)

	return db, src, rec
}

func mustLoad(t *testing.T, db *Database, src RecordSource, opts LoadOptions, want Status) {
	t.Helper()
	got, err := db.Load(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != want {
		t.Fatalf("Load() status = %v, want %v", got, want)
	}
}

func TestNewDatabase(t *testing.T) {
	db := New(testDevice, V2CS)

	if db.Device() != testDevice {
		t.Errorf("Device() = %v, want %v", db.Device(), testDevice)
	}
	if db.Version() != V2CS {
		t.Errorf("Version() = %v, want v2cs", db.Version())
	}
	if db.Status() != StatusEmpty {
		t.Errorf("Status() = %v, want empty", db.Status())
	}
	if _, ok := db.HighWaterMark(); ok {
		t.Error("new database should have no high-water mark")
	}
	if db.Len() != 0 {
		t.Errorf("Len() = %d, want 0", db.Len())
	}
}

func TestLoadStopsAtHighWaterMark(t *testing.T) {
	db, src, rec := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Responder, 1, peerB),
		mark(0x0FEF),
		link(0x0FE7, Controller, 9, peerB),
	)

	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	if got := src.Reads(testDevice); got != 3 {
		t.Errorf("records read = %d, want 3", got)
	}
	if db.Len() != 3 {
		t.Errorf("Len() = %d, want 3", db.Len())
	}
	if _, ok := db.Get(0x0FE7); ok {
		t.Error("record past the high-water mark should not be cached")
	}

	hwm, ok := db.HighWaterMark()
	if !ok || hwm != 0x0FEF {
		t.Errorf("HighWaterMark() = %04X, %v, want 0FEF, true", hwm, ok)
	}
	for _, r := range db.Records() {
		if r.Address < hwm {
			t.Errorf("record %s cached below the high-water mark", r)
		}
	}

	if got := len(rec.take()); got != 3 {
		t.Errorf("notifications = %d, want 3", got)
	}

	last := db.LastLoad()
	if last.Read != 3 || last.Accepted != 3 || last.Changed != 3 {
		t.Errorf("LastLoad() = %+v, want 3 read, 3 accepted, 3 changed", last)
	}
}

func TestLoadMarkBelowTop(t *testing.T) {
	// No record at the top slot: the table starts at 0x0FF7.
	db, src, _ := newTestDatabase(t,
		link(0x0FF7, Controller, 3, peerA),
		mark(0x0FEF),
		link(0x0FE7, Responder, 3, peerB),
	)

	mustLoad(t, db, src, LoadOptions{Start: TableTop}, StatusLoaded)

	if _, ok := db.Get(0x0FE7); ok {
		t.Error("0x0FE7 should never be cached")
	}
	if _, ok := db.Get(0x0FF7); !ok {
		t.Error("0x0FF7 should be cached")
	}
}

func TestLoadIdempotent(t *testing.T) {
	db, src, rec := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		tombstone(link(0x0FF7, Controller, 2, peerB)),
		link(0x0FEF, Responder, 1, peerB),
		mark(0x0FE7),
	)

	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	if got := len(rec.take()); got != 4 {
		t.Fatalf("first load notifications = %d, want 4", got)
	}

	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	if got := rec.take(); len(got) != 0 {
		t.Errorf("second load notifications = %v, want none", got)
	}
	if db.Len() != 4 {
		t.Errorf("Len() = %d, want 4", db.Len())
	}
	if db.LastLoad().Changed != 0 {
		t.Errorf("LastLoad().Changed = %d, want 0", db.LastLoad().Changed)
	}
}

// hookSource runs onRead when a read starts, before any record is pulled.
type hookSource struct {
	RecordSource
	onRead func()
}

func (h hookSource) Read(ctx context.Context, device insteon.Address, start uint16, maxCount int) RecordStream {
	h.onRead()
	return h.RecordSource.Read(ctx, device, start, maxCount)
}

func TestLoadRequeriesTombstones(t *testing.T) {
	dead := tombstone(link(0x0FF7, Controller, 2, peerB))
	db, src, _ := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		dead,
		mark(0x0FEF),
	)
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	t.Run("evicted when the load starts", func(t *testing.T) {
		var sawTombstone bool
		watched := hookSource{RecordSource: src, onRead: func() {
			_, sawTombstone = db.Get(dead.Address)
		}}

		mustLoad(t, db, watched, LoadOptions{}, StatusLoaded)

		if sawTombstone {
			t.Error("tombstone still cached after the load started")
		}
		if _, ok := db.Get(dead.Address); !ok {
			t.Error("tombstone reported again by the device should be restored")
		}
	})

	t.Run("dropped when the device does not report it", func(t *testing.T) {
		src.FailAfter(testDevice, 1)
		defer src.FailAfter(testDevice, -1)

		status, err := db.Load(context.Background(), src, LoadOptions{})
		if !errors.Is(err, ErrTransportFault) {
			t.Fatalf("Load() error = %v, want ErrTransportFault", err)
		}
		// Only the unchanged 0FFF was re-read before the fault.
		if status != StatusFailed {
			t.Errorf("Load() status = %v, want failed", status)
		}
		if _, ok := db.Get(dead.Address); ok {
			t.Error("tombstone should not survive a load that never re-read it")
		}
		if _, ok := db.Get(0x0FFF); !ok {
			t.Error("in-use record should be kept")
		}
	})
}

func TestLoadForcedDeleteOrdering(t *testing.T) {
	a := link(0x0FFF, Controller, 1, peerA)
	b := link(0x0FFF, Responder, 5, peerB)

	db, src, rec := newTestDatabase(t, a, mark(0x0FF7))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	src.SetTable(testDevice, []Record{b, mark(0x0FF7)})
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	got := rec.take()
	want := []Change{
		{Device: testDevice, Record: a, ForceDelete: true},
		{Device: testDevice, Record: b},
	}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadReplacingTombstoneHasNoForcedDelete(t *testing.T) {
	old := tombstone(link(0x0FFF, Controller, 1, peerA))
	db, src, rec := newTestDatabase(t, old, mark(0x0FF7))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	reused := link(0x0FFF, Controller, 4, peerB)
	src.SetTable(testDevice, []Record{reused, mark(0x0FF7)})
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	got := rec.take()
	if len(got) != 1 || got[0].ForceDelete || got[0].Record != reused {
		t.Errorf("notifications = %v, want a single insert of %s", got, reused)
	}
}

func TestLoadTransportFault(t *testing.T) {
	table := []Record{
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Controller, 2, peerA),
		link(0x0FEF, Responder, 1, peerB),
		mark(0x0FE7),
	}

	t.Run("fault after progress is partial", func(t *testing.T) {
		db, src, _ := newTestDatabase(t, table...)
		src.FailAfter(testDevice, 2)

		status, err := db.Load(context.Background(), src, LoadOptions{})
		if !errors.Is(err, ErrTransportFault) {
			t.Fatalf("Load() error = %v, want ErrTransportFault", err)
		}
		if status != StatusPartial || db.Status() != StatusPartial {
			t.Errorf("status = %v (db %v), want partial", status, db.Status())
		}
		if db.Len() != 2 {
			t.Errorf("Len() = %d, want 2 records kept", db.Len())
		}
	})

	t.Run("fault before any record is failed", func(t *testing.T) {
		db, src, _ := newTestDatabase(t, table...)
		src.FailAfter(testDevice, 0)

		status, err := db.Load(context.Background(), src, LoadOptions{})
		if !errors.Is(err, ErrTransportFault) {
			t.Fatalf("Load() error = %v, want ErrTransportFault", err)
		}
		if status != StatusFailed {
			t.Errorf("status = %v, want failed", status)
		}
	})

	t.Run("fault after unchanged re-reads is failed", func(t *testing.T) {
		db, src, _ := newTestDatabase(t, table...)
		mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

		src.FailAfter(testDevice, 2)
		status, err := db.Load(context.Background(), src, LoadOptions{})
		if !errors.Is(err, ErrTransportFault) {
			t.Fatalf("Load() error = %v, want ErrTransportFault", err)
		}
		if status != StatusFailed {
			t.Errorf("status = %v, want failed", status)
		}
		if last := db.LastLoad(); last.Accepted != 2 || last.Changed != 0 {
			t.Errorf("LastLoad() = %+v, want 2 accepted and 0 changed", last)
		}
		if db.Len() != 3 {
			t.Errorf("Len() = %d, want the in-use records kept", db.Len())
		}
	})

	t.Run("fault after a changed re-read is partial", func(t *testing.T) {
		db, src, _ := newTestDatabase(t, table...)
		mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

		changed := slices.Clone(table)
		changed[1] = link(0x0FF7, Controller, 5, peerA)
		src.SetTable(testDevice, changed)
		src.FailAfter(testDevice, 2)

		status, err := db.Load(context.Background(), src, LoadOptions{})
		if !errors.Is(err, ErrTransportFault) {
			t.Fatalf("Load() error = %v, want ErrTransportFault", err)
		}
		if status != StatusPartial {
			t.Errorf("status = %v, want partial", status)
		}
	})

	t.Run("next load resumes", func(t *testing.T) {
		db, src, rec := newTestDatabase(t, table...)
		src.FailAfter(testDevice, 2)
		_, _ = db.Load(context.Background(), src, LoadOptions{}) //nolint:errcheck // Fault expected
		rec.take()

		src.FailAfter(testDevice, -1)
		mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

		if got := len(rec.take()); got != 2 {
			t.Errorf("notifications on resume = %d, want 2", got)
		}
	})
}

func TestLoadEndOfTableWithoutMark(t *testing.T) {
	db, src, _ := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Controller, 2, peerA),
	)

	mustLoad(t, db, src, LoadOptions{}, StatusPartial)

	if db.Len() != 2 {
		t.Errorf("Len() = %d, want 2", db.Len())
	}
}

func TestLoadMaxCount(t *testing.T) {
	db, src, _ := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Controller, 2, peerA),
		mark(0x0FEF),
	)

	mustLoad(t, db, src, LoadOptions{MaxCount: 1}, StatusPartial)

	if db.Len() != 1 {
		t.Errorf("Len() = %d, want 1", db.Len())
	}
}

func TestLoadCancelled(t *testing.T) {
	db, src, _ := newTestDatabase(t, link(0x0FFF, Controller, 1, peerA), mark(0x0FF7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := db.Load(ctx, src, LoadOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Load() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTransportFault) {
		t.Error("cancellation should not be reported as a transport fault")
	}
	if status != StatusFailed {
		t.Errorf("status = %v, want failed", status)
	}
}

func TestLoadRefresh(t *testing.T) {
	a := link(0x0FFF, Controller, 1, peerA)
	b := link(0x0FF7, Responder, 1, peerB)
	db, src, rec := newTestDatabase(t, a, b, mark(0x0FEF))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	mustLoad(t, db, src, LoadOptions{Refresh: true}, StatusLoaded)

	got := rec.take()
	if len(got) != 5 {
		t.Fatalf("notifications = %d, want 5", len(got))
	}
	if got[0] != (Change{Device: testDevice, Record: a, ForceDelete: true}) ||
		got[1] != (Change{Device: testDevice, Record: b, ForceDelete: true}) {
		t.Errorf("refresh should first delete cached links, got %v", got[:2])
	}
	for _, c := range got[2:] {
		if c.ForceDelete {
			t.Errorf("unexpected forced delete %v after clearing", c)
		}
	}
}

func TestLoadTableGrowsPastMark(t *testing.T) {
	db, src, _ := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		mark(0x0FF7),
	)
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	src.SetTable(testDevice, []Record{
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Controller, 2, peerB),
		mark(0x0FEF),
	})
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	hwm, ok := db.HighWaterMark()
	if !ok || hwm != 0x0FEF {
		t.Errorf("HighWaterMark() = %04X, %v, want 0FEF, true", hwm, ok)
	}
	if r, ok := db.Get(0x0FF7); !ok || !r.IsLink() {
		t.Errorf("Get(0FF7) = %s, %v, want the new link", r, ok)
	}
}

func TestLoadMarkMovesUp(t *testing.T) {
	upper := link(0x0FFF, Controller, 1, peerA)
	lower := link(0x0FF7, Controller, 2, peerB)
	db, src, rec := newTestDatabase(t, upper, lower, mark(0x0FEF))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	src.SetTable(testDevice, []Record{upper, mark(0x0FF7)})
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	got := rec.take()
	if len(got) < 2 || got[0] != (Change{Device: testDevice, Record: lower, ForceDelete: true}) {
		t.Fatalf("notifications = %v, want forced delete of %s first", got, lower)
	}
	if _, ok := db.Get(0x0FEF); ok {
		t.Error("old mark below the new one should be evicted")
	}
	if hwm, _ := db.HighWaterMark(); hwm != 0x0FF7 {
		t.Errorf("HighWaterMark() = %04X, want 0FF7", hwm)
	}
}

func TestLoadMidTableHonoursLatestMark(t *testing.T) {
	db, src, rec := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		mark(0x0FF7),
		link(0x0FEF, Controller, 9, peerB),
	)
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	mustLoad(t, db, src, LoadOptions{Start: 0x0FEF}, StatusPartial)

	if _, ok := db.Get(0x0FEF); ok {
		t.Error("record below the known mark should be discarded")
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
	if db.LastLoad().Accepted != 0 {
		t.Errorf("Accepted = %d, want 0", db.LastLoad().Accepted)
	}
}

// blockingSource holds every read open until released.
type blockingSource struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSource) Read(context.Context, insteon.Address, uint16, int) RecordStream {
	return s
}

func (s *blockingSource) Next(ctx context.Context) (Record, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
		return Record{}, io.EOF
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

func (s *blockingSource) Close() error { return nil }

func TestLoadInProgress(t *testing.T) {
	db := New(testDevice, V2)
	src := newBlockingSource()

	done := make(chan error, 1)
	go func() {
		_, err := db.Load(context.Background(), src, LoadOptions{})
		done <- err
	}()

	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("load did not start")
	}

	if db.Status() != StatusLoading {
		t.Errorf("Status() = %v, want loading", db.Status())
	}
	if _, err := db.Load(context.Background(), NewMemorySource(), LoadOptions{}); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("second Load() error = %v, want ErrLoadInProgress", err)
	}
	if err := db.LoadSaved(Snapshot{Status: StatusLoaded}); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("LoadSaved() error = %v, want ErrLoadInProgress", err)
	}
	if _, err := db.Write(context.Background(), &stubWriter{}); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("Write() error = %v, want ErrLoadInProgress", err)
	}

	close(src.release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("first Load() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("load did not finish")
	}
	if db.Status() != StatusPartial {
		t.Errorf("Status() = %v, want partial", db.Status())
	}
}

func TestLoadSavedRoundTrip(t *testing.T) {
	db, src, rec := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		tombstone(link(0x0FF7, Responder, 2, peerB)),
		link(0x0FEF, Responder, 1, peerB),
		mark(0x0FE7),
	)
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	var saved []Record
	for _, r := range db.Records() {
		raw, err := r.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() error = %v", err)
		}
		back, err := ParseRecord(raw)
		if err != nil {
			t.Fatalf("ParseRecord() error = %v", err)
		}
		saved = append(saved, back)
	}

	if err := db.LoadSaved(Snapshot{Status: StatusLoaded, Records: saved}); err != nil {
		t.Fatalf("LoadSaved() error = %v", err)
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("round trip notifications = %v, want none", got)
	}

	restored := New(testDevice, V2)
	fresh := &recorder{}
	restored.Subscribe(fresh.observe)
	if err := restored.LoadSaved(Snapshot{Status: StatusPartial, Records: saved}); err != nil {
		t.Fatalf("LoadSaved() error = %v", err)
	}
	if restored.Status() != StatusPartial {
		t.Errorf("Status() = %v, want partial", restored.Status())
	}
	if restored.Len() != 4 {
		t.Errorf("Len() = %d, want 4", restored.Len())
	}
	if hwm, ok := restored.HighWaterMark(); !ok || hwm != 0x0FE7 {
		t.Errorf("HighWaterMark() = %04X, %v, want 0FE7, true", hwm, ok)
	}
	if got := len(fresh.take()); got != 4 {
		t.Errorf("notifications = %d, want 4", got)
	}
}

func TestFind(t *testing.T) {
	db, src, _ := newTestDatabase(t,
		link(0x0FFF, Controller, 1, peerA),
		link(0x0FF7, Responder, 1, peerB),
		link(0x0FEF, Controller, 2, peerB),
		mark(0x0FE7),
	)
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	controllers := db.Find(func(r Record) bool { return r.IsLink() && r.IsController() })
	if len(controllers) != 2 {
		t.Fatalf("Find(controllers) = %d records, want 2", len(controllers))
	}
	if controllers[0].Address != 0x0FFF || controllers[1].Address != 0x0FEF {
		t.Errorf("Find() order = %04X, %04X, want descending", controllers[0].Address, controllers[1].Address)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	db := New(testDevice, V2)
	src := NewMemorySource()
	src.SetTable(testDevice, []Record{link(0x0FFF, Controller, 1, peerA), mark(0x0FF7)})

	var first, second []int
	var order []int
	unsubscribe := db.Subscribe(func(Change) { first = append(first, 1); order = append(order, 1) })
	db.Subscribe(func(Change) { second = append(second, 1); order = append(order, 2) })

	mustLoad(t, db, src, LoadOptions{Refresh: true}, StatusLoaded)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("observers saw %d and %d notifications, want 2 each", len(first), len(second))
	}
	if order[0] != 1 || order[1] != 2 {
		t.Errorf("observer order = %v, want subscription order", order)
	}

	unsubscribe()
	unsubscribe()
	src.SetTable(testDevice, []Record{link(0x0FFF, Controller, 3, peerB), mark(0x0FF7)})
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	if len(first) != 2 {
		t.Errorf("unsubscribed observer saw %d notifications, want 2", len(first))
	}
	if len(second) != 4 {
		t.Errorf("second observer saw %d notifications, want 4", len(second))
	}
}
