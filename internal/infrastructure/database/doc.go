// Package database provides the SQLite store behind miio-bridge.
//
// The bridge keeps a small amount of durable state: the registered devices,
// the last known value of every capability, the per-device settings store and
// a rolling history of capability changes. All of it lives in a single SQLite
// file opened in WAL mode with foreign keys enforced.
//
// Schema changes are shipped as embedded migration files named
// YYYYMMDD_HHMMSS_description.{up,down}.sql and applied in version order,
// each in its own transaction.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
