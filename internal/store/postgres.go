// ABOUTME: Postgres backends for the Store using pgx's database/sql driver or lib/pq
// ABOUTME: Connects with a DSN, tunes the pool, and creates the schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

func openPostgres(ctx context.Context, driver, dsn string, maxOpenConns int, logger *slog.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s, err := newSQLStore(db, postgresDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Postgres store initialized", "driver", driver)
	return s, nil
}
