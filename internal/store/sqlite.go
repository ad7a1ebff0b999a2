// ABOUTME: SQLite backends for the Store (modernc.org/sqlite or cgo mattn/go-sqlite3)
// ABOUTME: Opens the database file, enables WAL and foreign keys, and creates the schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3, requires cgo
	DriverPgx      = "pgx"      // github.com/jackc/pgx/v5/stdlib
	DriverPostgres = "postgres" // github.com/lib/pq
)

// NewSQLiteStore creates a store backed by the pure Go SQLite driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQLite(DriverSQLite, path, nil)
}

func openSQLite(driver, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers, keeps the pragmas below in effect
	// for every statement, and makes :memory: a single shared database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s, err := newSQLStore(db, sqliteDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}
