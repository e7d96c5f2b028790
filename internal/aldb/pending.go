package aldb

import (
	"context"
	"errors"
	"fmt"
)

// Add queues a new record to be written to the device.
//
// The record is not visible in the cache until a Write confirms it. An
// Address of zero lets the Writer pick the slot.
func (d *Database) Add(rec Record) {
	rec.InUse = true

	d.mu.Lock()
	d.pending = append(d.pending, rec)
	d.mu.Unlock()
}

// Remove queues the record at address to be marked unused on the device.
//
// Returns:
//   - error: ErrNotFound if nothing is cached at address
func (d *Database) Remove(address uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[address]
	if !ok {
		return fmt.Errorf("%w: %04X on %s", ErrNotFound, address, d.device)
	}
	rec.InUse = false
	d.pending = append(d.pending, rec)
	return nil
}

// Pending returns the queued local mutations, oldest first.
func (d *Database) Pending() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, len(d.pending))
	copy(out, d.pending)
	return out
}

// ClearPending drops every queued mutation.
func (d *Database) ClearPending() {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
}

// Write flushes the pending queue through w, oldest first.
//
// Each record the device confirms is applied to the cache (with the usual
// notifications) and leaves the queue. An unconfirmed tombstone is applied
// to the cache as well but stays queued, so the removal is retried by the
// next Write even if a Load finds the slot still in use. Any other failure
// stops the flush and leaves that record and everything after it queued.
//
// Returns:
//   - int: Number of records applied to the cache
//   - error: ErrLoadInProgress, or the first write failure
func (d *Database) Write(ctx context.Context, w Writer) (int, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return 0, ErrLoadInProgress
	}
	defer d.busy.Store(false)

	queue := d.Pending()
	var unconfirmed []Record
	written := 0

	for i, rec := range queue {
		stored, err := w.WriteRecord(ctx, d.device, rec)
		if err != nil && !(errors.Is(err, ErrUnconfirmed) && !rec.InUse) {
			d.setPending(len(queue), append(unconfirmed, queue[i:]...))
			return written, fmt.Errorf("writing %s to %s: %w", rec, d.device, err)
		}
		if err != nil {
			// Unconfirmed tombstone: cache what we sent, retry later.
			stored = rec
			unconfirmed = append(unconfirmed, rec)
			d.logger.Warn("link record removal not confirmed",
				"device", d.device.String(),
				"record", rec.String())
		}

		_, _, _, changes := d.apply(stored, nil, false)
		d.notify(changes)
		written++
	}

	d.setPending(len(queue), unconfirmed)
	return written, nil
}

// setPending replaces the first taken entries of the queue with remaining,
// keeping anything added while a Write ran.
func (d *Database) setPending(taken int, remaining []Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var added []Record
	if len(d.pending) > taken {
		added = d.pending[taken:]
	}
	d.pending = append(append([]Record(nil), remaining...), added...)
}
