// Package database provides the SQLite connection that persists cached
// link tables between restarts.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations read from an fs.FS (embedded by package migrations)
//   - File permissions and connection lifecycle
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	repo := aldb.NewSQLiteRepository(db.DB)
//
// Migrations are additive: new columns must be NULLABLE or have a DEFAULT,
// and every .up.sql file has a matching .down.sql.
package database
