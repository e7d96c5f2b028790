package aldb

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// stubWriter stores records in order, assigning slots downwards from next
// when the record has none.
type stubWriter struct {
	next    uint16
	written []Record
	errs    map[int]error
	onWrite func()
}

func (w *stubWriter) WriteRecord(_ context.Context, _ insteon.Address, rec Record) (Record, error) {
	i := len(w.written)
	w.written = append(w.written, rec)
	if w.onWrite != nil {
		w.onWrite()
	}
	if err := w.errs[i]; err != nil {
		return Record{}, err
	}
	if rec.Address == 0 {
		rec.Address = w.next
		w.next -= RecordSize
	}
	return rec, nil
}

func TestAddAndWrite(t *testing.T) {
	db, _, rec := newTestDatabase(t)

	db.Add(Record{Direction: Controller, Group: 1, Peer: peerA})
	db.Add(Record{Direction: Responder, Group: 2, Peer: peerB})

	if got := db.Pending(); len(got) != 2 || !got[0].InUse {
		t.Fatalf("Pending() = %v, want 2 in-use records", got)
	}
	if db.Len() != 0 {
		t.Error("queued records should not be cached before a write")
	}

	w := &stubWriter{next: TableTop}
	n, err := db.Write(context.Background(), w)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Write() = %d, want 2", n)
	}
	if len(db.Pending()) != 0 {
		t.Errorf("Pending() = %v, want empty", db.Pending())
	}
	if r, ok := db.Get(TableTop); !ok || r.Peer != peerA {
		t.Errorf("Get(%04X) = %s, %v, want link to %s", TableTop, r, ok, peerA)
	}
	if r, ok := db.Get(TableTop - RecordSize); !ok || r.Peer != peerB {
		t.Errorf("Get(%04X) = %s, %v, want link to %s", TableTop-RecordSize, r, ok, peerB)
	}
	if got := len(rec.take()); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestRemove(t *testing.T) {
	a := link(0x0FFF, Controller, 1, peerA)
	db, src, rec := newTestDatabase(t, a, mark(0x0FF7))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	rec.take()

	if err := db.Remove(0x0FE7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove(unknown) error = %v, want ErrNotFound", err)
	}
	if err := db.Remove(a.Address); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := db.Write(context.Background(), &stubWriter{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := rec.take()
	want := []Change{
		{Device: testDevice, Record: a, ForceDelete: true},
		{Device: testDevice, Record: tombstone(a)},
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("notifications = %v, want %v", got, want)
	}
	if r, _ := db.Get(a.Address); r.InUse {
		t.Error("removed record should be cached as a tombstone")
	}
}

func TestWriteFailureKeepsQueue(t *testing.T) {
	db, _, _ := newTestDatabase(t)
	db.Add(Record{Direction: Controller, Group: 1, Peer: peerA})
	db.Add(Record{Direction: Controller, Group: 2, Peer: peerA})
	db.Add(Record{Direction: Controller, Group: 3, Peer: peerA})

	w := &stubWriter{next: TableTop, errs: map[int]error{1: ErrUnconfirmed}}
	n, err := db.Write(context.Background(), w)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("Write() error = %v, want ErrUnconfirmed", err)
	}
	if n != 1 {
		t.Errorf("Write() = %d, want 1", n)
	}

	pending := db.Pending()
	if len(pending) != 2 || pending[0].Group != 2 || pending[1].Group != 3 {
		t.Errorf("Pending() = %v, want groups 2 and 3", pending)
	}
}

func TestWriteUnconfirmedRemovalApplied(t *testing.T) {
	a := link(0x0FFF, Controller, 1, peerA)
	db, src, _ := newTestDatabase(t, a, mark(0x0FF7))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	if err := db.Remove(a.Address); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	w := &stubWriter{errs: map[int]error{0: ErrUnconfirmed}}
	if _, err := db.Write(context.Background(), w); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if r, _ := db.Get(a.Address); r.InUse {
		t.Error("unconfirmed removal should still be cached as a tombstone")
	}
	if got := db.Pending(); len(got) != 1 || !got[0].IsExactMatch(tombstone(a)) {
		t.Fatalf("Pending() = %v, want the unconfirmed removal kept", got)
	}

	// The device never removed it: the next load re-queries the slot and
	// the removal is still queued for a retry.
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)
	if r, _ := db.Get(a.Address); !r.IsExactMatch(a) {
		t.Errorf("Get() = %s, want %s restored by reload", r, a)
	}
	if got := db.Pending(); len(got) != 1 || !got[0].IsExactMatch(tombstone(a)) {
		t.Fatalf("Pending() after reload = %v, want the removal", got)
	}

	w = &stubWriter{}
	if _, err := db.Write(context.Background(), w); err != nil {
		t.Fatalf("retry Write() error = %v", err)
	}
	if len(w.written) != 1 || !w.written[0].IsExactMatch(tombstone(a)) {
		t.Errorf("retried writes = %v, want the removal", w.written)
	}
	if len(db.Pending()) != 0 {
		t.Errorf("Pending() = %v, want empty after confirmation", db.Pending())
	}
	if r, _ := db.Get(a.Address); r.InUse {
		t.Error("confirmed removal should be cached as a tombstone")
	}
}

func TestWriteUnconfirmedRemovalKeptBeforeFailure(t *testing.T) {
	a := link(0x0FFF, Controller, 1, peerA)
	db, src, _ := newTestDatabase(t, a, mark(0x0FF7))
	mustLoad(t, db, src, LoadOptions{}, StatusLoaded)

	if err := db.Remove(a.Address); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	db.Add(Record{Direction: Controller, Group: 2, Peer: peerB})

	w := &stubWriter{errs: map[int]error{0: ErrUnconfirmed, 1: ErrTransportFault}}
	if _, err := db.Write(context.Background(), w); !errors.Is(err, ErrTransportFault) {
		t.Fatalf("Write() error = %v, want ErrTransportFault", err)
	}

	pending := db.Pending()
	if len(pending) != 2 || pending[0].InUse || pending[1].Group != 2 {
		t.Errorf("Pending() = %v, want the removal then the failed add", pending)
	}
}

func TestWriteKeepsRecordsAddedDuringFlush(t *testing.T) {
	db, _, _ := newTestDatabase(t)
	db.Add(Record{Direction: Controller, Group: 1, Peer: peerA})

	w := &stubWriter{next: TableTop}
	w.onWrite = func() {
		w.onWrite = nil
		db.Add(Record{Direction: Controller, Group: 9, Peer: peerB})
	}

	if _, err := db.Write(context.Background(), w); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	pending := db.Pending()
	if len(pending) != 1 || pending[0].Group != 9 {
		t.Errorf("Pending() = %v, want the record added mid-write", pending)
	}
}

func TestClearPending(t *testing.T) {
	db := New(testDevice, V2)
	db.Add(Record{Direction: Controller, Group: 1, Peer: peerA})
	db.ClearPending()

	if len(db.Pending()) != 0 {
		t.Errorf("Pending() = %v, want empty", db.Pending())
	}
}
