// Package migrations embeds SQL migration files into the binary.
//
// The link-table schema ships inside the executable so a fresh install
// needs nothing on disk besides the database file.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-insteon/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
