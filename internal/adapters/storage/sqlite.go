// Package storage opens the engine's own SQLite database — the one the
// watchlist and device-history tables live in. The sniffer's capture
// database is never opened through here; see the snifferdb package for
// that read-only path.
package storage

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Open initializes the engine database at path and returns a shared
// handle. Schema migration is owned by the stores that define models on
// it (watchlist, historystore); Open only configures the connection.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}

	// WAL mode allows simultaneous readers and one writer.
	db.Exec("PRAGMA journal_mode=WAL;")
	// Busy timeout prevents "database locked" errors by waiting.
	db.Exec("PRAGMA busy_timeout=5000;")
	// Synchronous NORMAL is faster and safe enough for WAL.
	db.Exec("PRAGMA synchronous=NORMAL;")

	return db, nil
}
