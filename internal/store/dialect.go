// ABOUTME: SQL dialect differences between the SQLite and Postgres backends
// ABOUTME: Placeholder rebinding, timestamp encoding, schema, and unique-violation detection

package store

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE Postgres reports for duplicate keys
const uniqueViolation = "23505"

type dialect struct {
	name        string
	positional  bool // $1, $2 ... instead of ?
	nativeTimes bool // pass time.Time instead of formatted text
	schema      []string
}

// rebind rewrites ? placeholders to $n for dialects that need it.
// Queries in this package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	if d.nativeTimes {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			tenant_id     TEXT,
			topic         TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('active', 'closed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			owner         TEXT NOT NULL,
			text          TEXT NOT NULL,
			status        TEXT NOT NULL,
			end_reason    TEXT,
			token_count   INTEGER NOT NULL DEFAULT 0,
			client_req_id TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (owner IN ('user', 'assistant')),
			CHECK (status IN ('complete', 'cancelled'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_assistant_req
			ON turns(session_id, client_req_id)
			WHERE owner = 'assistant' AND client_req_id IS NOT NULL`,
	},
}

var postgresDialect = dialect{
	name:        "postgres",
	positional:  true,
	nativeTimes: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			tenant_id     TEXT,
			topic         TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,

			CHECK (status IN ('active', 'closed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			owner         TEXT NOT NULL,
			text          TEXT NOT NULL,
			status        TEXT NOT NULL,
			end_reason    TEXT,
			token_count   INTEGER NOT NULL DEFAULT 0,
			client_req_id TEXT,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,

			CHECK (owner IN ('user', 'assistant')),
			CHECK (status IN ('complete', 'cancelled'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_assistant_req
			ON turns(session_id, client_req_id)
			WHERE owner = 'assistant' AND client_req_id IS NOT NULL`,
	},
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
// from any of the supported drivers
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	// modernc.org/sqlite and mattn/go-sqlite3 both report this text
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
