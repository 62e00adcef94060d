// Package migrations embeds the bridge schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
