// Package store provides durable storage for chat sessions and their turns.
//
// # Architecture
//
// Store is the data-access interface used by the rest of the service. It has
// no streaming logic. SQLStore implements it over database/sql, and a small
// dialect value covers the differences between backends:
//
//   - sqlite: modernc.org/sqlite (default, pure Go)
//   - sqlite3: github.com/mattn/go-sqlite3 (cgo)
//   - pgx: github.com/jackc/pgx/v5/stdlib
//   - postgres: github.com/lib/pq
//
// MockStore is an in-memory implementation for tests.
//
// # Data Models
//
//   - Session: an ordered conversation owned by one user, with a topic,
//     a status (active, closed) and a message_count
//   - Turn: one user or assistant message with status (complete, cancelled),
//     an optional end_reason, a token_count and an optional client_req_id
//
// Turns are always read back ordered by (created_at, id). Identifiers are
// UUIDv7 so ties on created_at still follow insertion order.
//
// # Idempotency Key
//
// At most one assistant turn may exist per (session_id, client_req_id). A
// partial unique index enforces this, and InsertTurn reports a collision as
// ErrDuplicateTurn. UpdateTurn never touches a complete row and reports
// ErrTurnFinalized instead. The commit rules built on these two guarantees
// live in the conversation package; InTx gives them a transaction.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The SQLite pool is limited to one connection so writers are serialized
// and :memory: databases work in tests.
//
// # Error Handling
//
//   - ErrNotFound: requested session or turn does not exist
//   - ErrDuplicateTurn: the idempotency key is already taken
//   - ErrTurnFinalized: the turn is complete and cannot change
//
// Other errors are wrapped with context using fmt.Errorf and %w.
package store
