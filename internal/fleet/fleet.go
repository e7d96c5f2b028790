package fleet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
	"github.com/nerrad567/gray-logic-insteon/internal/links"
)

// defaultConcurrency is how many device loads run at once. The modem
// serialises traffic anyway; a few in flight keeps it busy.
const defaultConcurrency = 4

// Logger defines the logging interface used by the fleet.
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

// MetricsWriter records the outcome of each load and flush.
type MetricsWriter interface {
	WriteLoadMetric(device string, result aldb.LoadResult, elapsed time.Duration)
	WriteFlushMetric(device string, written int, failed bool)
}

// Options configures a Fleet.
type Options struct {
	// Repository persists tables between restarts. Optional.
	Repository aldb.Repository

	// Metrics records load outcomes. Optional.
	Metrics MetricsWriter

	// Logger is optional structured logger.
	Logger Logger

	// Concurrency caps parallel loads in LoadAll. Zero means 4.
	Concurrency int
}

// Fleet is the set of known devices and the bridging modem.
//
// It satisfies links.Fleet.
//
// Thread Safety: All methods are safe for concurrent use. Loads of a single
// device are serialised by its Database.
type Fleet struct {
	modem   *aldb.Database
	source  aldb.RecordSource
	repo    aldb.Repository
	metrics MetricsWriter

	mu      sync.RWMutex
	devices map[insteon.Address]*aldb.Database
	links   *links.Manager

	concurrency int
	logger      Logger
}

// New creates a fleet around the modem at modem. Live reads go through
// source.
func New(modem insteon.Address, source aldb.RecordSource, opts Options) *Fleet {
	f := &Fleet{
		modem:       aldb.New(modem, aldb.V2),
		source:      source,
		repo:        opts.Repository,
		metrics:     opts.Metrics,
		devices:     make(map[insteon.Address]*aldb.Database),
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
	if f.concurrency <= 0 {
		f.concurrency = defaultConcurrency
	}
	if f.logger == nil {
		f.logger = noopLogger{}
	}
	f.modem.SetLogger(f.logger)
	return f
}

// AddDevice registers a device. Adding a known device returns its existing
// database unchanged; the modem address returns the modem's database.
func (f *Fleet) AddDevice(address insteon.Address, version aldb.Version) *aldb.Database {
	if address == f.modem.Device() {
		return f.modem
	}

	f.mu.Lock()
	if db, ok := f.devices[address]; ok {
		f.mu.Unlock()
		return db
	}
	db := aldb.New(address, version)
	db.SetLogger(f.logger)
	f.devices[address] = db
	mgr := f.links
	f.mu.Unlock()

	if mgr != nil {
		// ErrNotAttached means Attach has not listed the fleet yet and will
		// see this device itself.
		if err := mgr.Track(db); err != nil && !errors.Is(err, links.ErrNotAttached) {
			f.logger.Warn("link manager not tracking new device", "device", address.String(), "error", err)
		}
	}
	f.logger.Debug("device added", "device", address.String(), "version", version.String())
	return db
}

// Device returns the database of address, including the modem.
func (f *Fleet) Device(address insteon.Address) (*aldb.Database, error) {
	if address == f.modem.Device() {
		return f.modem, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	db, ok := f.devices[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	return db, nil
}

// Devices returns a copy of the device map. The modem is not included.
func (f *Fleet) Devices() map[insteon.Address]*aldb.Database {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.devices)
}

// Modem returns the bridging modem's database.
func (f *Fleet) Modem() *aldb.Database {
	return f.modem
}

// AttachLinks binds mgr to the fleet: it subscribes to every database and
// builds the topology. Devices added later are tracked automatically.
func (f *Fleet) AttachLinks(mgr *links.Manager) error {
	f.mu.Lock()
	prev := f.links
	f.links = mgr
	f.mu.Unlock()

	if err := mgr.Attach(f); err != nil {
		f.mu.Lock()
		if f.links == mgr {
			f.links = prev
		}
		f.mu.Unlock()
		return err
	}

	// Picks up a device whose Track raced with Attach.
	return mgr.Rebuild()
}

// DetachLinks releases the link manager bound by AttachLinks.
func (f *Fleet) DetachLinks() {
	f.mu.Lock()
	mgr := f.links
	f.links = nil
	f.mu.Unlock()

	if mgr != nil {
		mgr.Detach()
	}
}

// Load reads one device's table, records the outcome and persists the
// result. Partial progress is persisted even when the load faults.
func (f *Fleet) Load(ctx context.Context, address insteon.Address, opts aldb.LoadOptions) (aldb.Status, error) {
	db, err := f.Device(address)
	if err != nil {
		return aldb.StatusEmpty, err
	}

	started := time.Now()
	status, loadErr := db.Load(ctx, f.source, opts)
	if errors.Is(loadErr, aldb.ErrLoadInProgress) {
		return status, loadErr
	}

	result := db.LastLoad()
	if f.metrics != nil {
		f.metrics.WriteLoadMetric(address.String(), result, time.Since(started))
	}

	f.logger.Info("link database loaded",
		"device", address.String(),
		"status", status.String(),
		"records", db.Len(),
		"changed", result.Changed,
		"duration_ms", time.Since(started).Milliseconds())

	if f.repo != nil {
		// Persist even if ctx was cancelled mid-load.
		if saveErr := f.repo.Save(context.WithoutCancel(ctx), db.Snapshot()); saveErr != nil {
			loadErr = multierr.Append(loadErr, fmt.Errorf("persisting %s: %w", address, saveErr))
		}
	}
	return status, loadErr
}

// LoadAll loads the modem first, then every device with bounded
// concurrency. Every device is attempted; the returned error combines the
// per-device failures and can be split with multierr.Errors.
func (f *Fleet) LoadAll(ctx context.Context, opts aldb.LoadOptions) error {
	var errs error
	if _, err := f.Load(ctx, f.modem.Device(), opts); err != nil {
		errs = multierr.Append(errs, err)
	}

	f.mu.RLock()
	addresses := slices.SortedFunc(maps.Keys(f.devices), insteon.Address.Compare)
	f.mu.RUnlock()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.concurrency)
	for _, address := range addresses {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := f.Load(ctx, address, opts); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Workers report through errs

	if ctx.Err() != nil {
		errs = multierr.Append(errs, ctx.Err())
	}
	return errs
}

// Write flushes the pending queue of one device and persists the result.
func (f *Fleet) Write(ctx context.Context, address insteon.Address, w aldb.Writer) (int, error) {
	db, err := f.Device(address)
	if err != nil {
		return 0, err
	}

	n, writeErr := db.Write(ctx, w)
	if f.metrics != nil && !errors.Is(writeErr, aldb.ErrLoadInProgress) {
		f.metrics.WriteFlushMetric(address.String(), n, writeErr != nil)
	}
	if writeErr != nil {
		f.logger.Warn("link database flush stopped", "device", address.String(), "written", n, "error", writeErr)
	}
	if n > 0 && f.repo != nil {
		if saveErr := f.repo.Save(context.WithoutCancel(ctx), db.Snapshot()); saveErr != nil {
			writeErr = multierr.Append(writeErr, fmt.Errorf("persisting %s: %w", address, saveErr))
		}
	}
	return n, writeErr
}

// Restore loads every persisted table into the fleet, adding devices that
// are not known yet. Tables of the modem are restored into the modem.
//
// Returns:
//   - int: Number of tables restored
//   - error: ErrNoRepository, a listing failure, or the combined
//     per-device failures
func (f *Fleet) Restore(ctx context.Context) (int, error) {
	if f.repo == nil {
		return 0, ErrNoRepository
	}

	snaps, err := f.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored tables: %w", err)
	}

	var (
		errs     error
		restored int
	)
	for _, snap := range snaps {
		db := f.AddDevice(snap.Device, snap.Version)
		if err := db.LoadSaved(snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restoring %s: %w", snap.Device, err))
			continue
		}
		restored++
	}

	f.logger.Info("link databases restored", "tables", restored)
	return restored, errs
}

// Save persists the current table of one device.
func (f *Fleet) Save(ctx context.Context, address insteon.Address) error {
	if f.repo == nil {
		return ErrNoRepository
	}
	db, err := f.Device(address)
	if err != nil {
		return err
	}
	return f.repo.Save(ctx, db.Snapshot())
}
