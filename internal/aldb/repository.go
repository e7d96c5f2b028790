package aldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// Snapshot is the persisted form of one device's table.
type Snapshot struct {
	Device        insteon.Address
	Version       Version
	Status        Status
	HighWaterMark *uint16
	Records       []Record
	UpdatedAt     time.Time
}

// Snapshot captures the current table for persistence.
func (d *Database) Snapshot() Snapshot {
	snap := Snapshot{
		Device:    d.device,
		Version:   d.version,
		Records:   d.Records(),
		UpdatedAt: time.Now().UTC(),
	}

	d.mu.RLock()
	snap.Status = d.status
	if d.hasHWM {
		hwm := d.hwm
		snap.HighWaterMark = &hwm
	}
	d.mu.RUnlock()

	return snap
}

// Repository persists link tables between restarts.
type Repository interface {
	// Save replaces the stored table of snap.Device.
	Save(ctx context.Context, snap Snapshot) error

	// Get returns the stored table of device, or ErrNotFound.
	Get(ctx context.Context, device insteon.Address) (*Snapshot, error)

	// List returns every stored table.
	List(ctx context.Context) ([]Snapshot, error)

	// Delete removes the stored table of device.
	Delete(ctx context.Context, device insteon.Address) error
}

// SQLiteRepository implements Repository using SQLite.
//
// Records are stored in their on-device layout so nothing is lost between
// restarts.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite link-table repository.
//
// Parameters:
//   - db: Open SQLite connection with the aldb migrations applied
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save replaces the stored table of a device within a single transaction.
func (r *SQLiteRepository) Save(ctx context.Context, snap Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var hwm sql.NullInt64
	if snap.HighWaterMark != nil {
		hwm = sql.NullInt64{Int64: int64(*snap.HighWaterMark), Valid: true}
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	device := snap.Device.Compact()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO aldb_devices (address, version, status, high_water_mark, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   version = excluded.version,
		   status = excluded.status,
		   high_water_mark = excluded.high_water_mark,
		   updated_at = excluded.updated_at`,
		device,
		int(snap.Version),
		snap.Status.String(),
		hwm,
		updatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("saving device %s: %w", snap.Device, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM aldb_records WHERE device = ?", device); err != nil {
		return fmt.Errorf("clearing records of %s: %w", snap.Device, err)
	}

	for _, rec := range snap.Records {
		raw, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encoding %s: %w", rec, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO aldb_records (device, address, record) VALUES (?, ?, ?)",
			device, int(rec.Address), raw,
		); err != nil {
			return fmt.Errorf("inserting record %04X of %s: %w", rec.Address, snap.Device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing link table: %w", err)
	}
	return nil
}

// Get returns the stored table of a device.
func (r *SQLiteRepository) Get(ctx context.Context, device insteon.Address) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT address, version, status, high_water_mark, updated_at
		 FROM aldb_devices WHERE address = ?`,
		device.Compact(),
	)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no stored table for %s", ErrNotFound, device)
	}
	if err != nil {
		return nil, err
	}

	if snap.Records, err = r.records(ctx, device); err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns every stored table ordered by device address.
func (r *SQLiteRepository) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT address, version, status, high_water_mark, updated_at
		 FROM aldb_devices ORDER BY address`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying link tables: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link tables: %w", err)
	}

	for i := range snaps {
		if snaps[i].Records, err = r.records(ctx, snaps[i].Device); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

// Delete removes the stored table of a device. Deleting an unknown device
// is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, device insteon.Address) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, query := range []string{
		"DELETE FROM aldb_records WHERE device = ?",
		"DELETE FROM aldb_devices WHERE address = ?",
	} {
		if _, err := tx.ExecContext(ctx, query, device.Compact()); err != nil {
			return fmt.Errorf("deleting link table of %s: %w", device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// records loads the stored records of a device, highest address first.
func (r *SQLiteRepository) records(ctx context.Context, device insteon.Address) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT record FROM aldb_records WHERE device = ? ORDER BY address DESC",
		device.Compact(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying records of %s: %w", device, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec, err := ParseRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding stored record of %s: %w", device, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSnapshot scans an aldb_devices row (without records).
func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		address   string
		version   int
		status    string
		hwm       sql.NullInt64
		updatedAt string
	)
	if err := row.Scan(&address, &version, &status, &hwm, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning link table: %w", err)
	}

	device, err := insteon.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("stored device address: %w", err)
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Device:  device,
		Version: Version(version), //nolint:gosec // stored from a Version
		Status:  st,
	}
	if hwm.Valid {
		mark := uint16(hwm.Int64) //nolint:gosec // stored from a uint16
		snap.HighWaterMark = &mark
	}
	// Ignore parse error - format is controlled by Save.
	snap.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled
	return snap, nil
}
