// ABOUTME: Driver selection for the Store
// ABOUTME: Maps a driver name and DSN to the matching SQL backend

package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Options selects and tunes a backend.
type Options struct {
	Driver       string // sqlite (default), sqlite3, pgx, postgres
	DSN          string // file path for SQLite drivers, connection string for Postgres
	MaxOpenConns int    // Postgres only
}

// Open connects to the backend named by opts.Driver and ensures the schema exists.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*SQLStore, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return openSQLite(DriverSQLite, opts.DSN, logger)
	case DriverSQLite3:
		return openSQLite(DriverSQLite3, opts.DSN, logger)
	case DriverPgx, DriverPostgres:
		return openPostgres(ctx, opts.Driver, opts.DSN, opts.MaxOpenConns, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
