package aldb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// RecordSource reads a device's link table live over the transport.
//
// Read starts at start and walks the table in stored order (descending
// addresses), producing at most maxCount records; maxCount <= 0 means no
// limit. The returned stream is not restartable, but Read may be called
// again for every load.
type RecordSource interface {
	Read(ctx context.Context, device insteon.Address, start uint16, maxCount int) RecordStream
}

// RecordStream is a pull-based, finite sequence of records.
//
// Next returns io.EOF once the sequence ends normally (end of table or max
// count reached). Any other error is a transport fault; the stream is
// finished after it. Next is the only place a load can block.
type RecordStream interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Writer flushes a pending record to the physical device.
//
// WriteRecord returns the record as stored by the device, including the
// slot address it was written to. ErrUnconfirmed means the write was sent
// but never acknowledged.
type Writer interface {
	WriteRecord(ctx context.Context, device insteon.Address, rec Record) (Record, error)
}

// MemorySource is an in-memory RecordSource holding one table per device.
// It replays saved tables and stands in for a transport in tests.
//
// Thread Safety: All methods are safe for concurrent use.
type MemorySource struct {
	mu     sync.Mutex
	tables map[insteon.Address][]Record
	faults map[insteon.Address]int
	reads  map[insteon.Address]int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		tables: make(map[insteon.Address][]Record),
		faults: make(map[insteon.Address]int),
		reads:  make(map[insteon.Address]int),
	}
}

// SetTable replaces the table served for device. Records are served in
// descending address order regardless of the order given.
func (m *MemorySource) SetTable(device insteon.Address, records []Record) {
	table := make([]Record, len(records))
	copy(table, records)
	sort.SliceStable(table, func(i, j int) bool {
		return table[i].Address > table[j].Address
	})

	m.mu.Lock()
	m.tables[device] = table
	m.mu.Unlock()
}

// FailAfter makes the next reads of device fault after n records.
// A negative n removes the fault.
func (m *MemorySource) FailAfter(device insteon.Address, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		delete(m.faults, device)
		return
	}
	m.faults[device] = n
}

// Reads returns how many records have been served for device.
func (m *MemorySource) Reads(device insteon.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[device]
}

// Read implements RecordSource.
func (m *MemorySource) Read(_ context.Context, device insteon.Address, start uint16, maxCount int) RecordStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []Record
	for _, rec := range m.tables[device] {
		if rec.Address <= start {
			records = append(records, rec)
		}
	}
	if maxCount > 0 && len(records) > maxCount {
		records = records[:maxCount]
	}

	failAt := -1
	if n, ok := m.faults[device]; ok {
		failAt = n
	}

	return &memoryStream{source: m, device: device, records: records, failAt: failAt}
}

type memoryStream struct {
	source  *MemorySource
	device  insteon.Address
	records []Record
	pos     int
	failAt  int
	closed  bool
}

func (s *memoryStream) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s.closed {
		return Record{}, io.EOF
	}
	if s.failAt >= 0 && s.pos >= s.failAt {
		s.closed = true
		return Record{}, fmt.Errorf("%w: no reply from %s", ErrTransportFault, s.device)
	}
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}

	rec := s.records[s.pos]
	s.pos++

	s.source.mu.Lock()
	s.source.reads[s.device]++
	s.source.mu.Unlock()

	return rec, nil
}

func (s *memoryStream) Close() error {
	s.closed = true
	return nil
}
