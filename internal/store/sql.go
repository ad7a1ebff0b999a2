// ABOUTME: database/sql implementation of the Store interface shared by every backend
// ABOUTME: Queries are written with ? placeholders and rebound per dialect

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLStore implements the Store interface on top of database/sql.
// The dialect decides placeholder style, timestamp encoding and schema.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{
		db:     db,
		d:      d,
		logger: logger.With("component", "store", "dialect", d.name),
	}

	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// CreateSession inserts a new session.
func (s *SQLStore) CreateSession(ctx context.Context, session *Session) error {
	if err := createSession(ctx, s.db, s.d, session); err != nil {
		return err
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", session.UserID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, s.d, id)
}

// ListSessions returns a user's sessions, most recently active first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := s.d.rebind(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// UpdateSession updates a session's topic, status and updated_at.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) UpdateSession(ctx context.Context, session *Session) error {
	query := s.d.rebind(`
		UPDATE sessions
		SET topic = ?, status = ?, updated_at = ?
		WHERE id = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		session.Topic,
		session.Status,
		s.d.timeArg(session.UpdatedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireAffected(result)
}

// DeleteSession removes a session and all of its turns.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Tx) error {
		q := tx.(*sqlTx).tx

		// ON DELETE CASCADE covers this too, but only when foreign keys are
		// enforced on the connection.
		if _, err := q.ExecContext(ctx, s.d.rebind(`DELETE FROM turns WHERE session_id = ?`), id); err != nil {
			return fmt.Errorf("deleting turns: %w", err)
		}

		result, err := q.ExecContext(ctx, s.d.rebind(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}

		s.logger.Debug("deleted session", "id", id)
		return nil
	})
}

// ListTurns returns a session's turns in creation order (oldest first).
// With a positive limit only the most recent `limit` turns are returned,
// still oldest first. A limit of 0 or less returns every turn.
func (s *SQLStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + turnColumns + `
			FROM (
				SELECT ` + turnColumns + `
				FROM turns
				WHERE session_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) AS recent
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT ` + turnColumns + `
			FROM turns
			WHERE session_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	return turns, nil
}

// AppendTurn inserts a turn and counts it on its session in one transaction.
func (s *SQLStore) AppendTurn(ctx context.Context, turn *Turn) error {
	return s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		return tx.BumpSession(ctx, turn.SessionID, 1, turn.CreatedAt)
	})
}

// InTx runs fn inside a database transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqlTx implements Tx over a *sql.Tx
type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

func (t *sqlTx) CreateSession(ctx context.Context, session *Session) error {
	return createSession(ctx, t.tx, t.d, session)
}

func (t *sqlTx) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, t.tx, t.d, id)
}

func (t *sqlTx) FindAssistantTurn(ctx context.Context, sessionID, clientReqID string) (*Turn, error) {
	query := t.d.rebind(`
		SELECT ` + turnColumns + `
		FROM turns
		WHERE session_id = ? AND owner = ? AND client_req_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`)

	turn, err := scanTurn(t.tx.QueryRowContext(ctx, query, sessionID, OwnerAssistant, clientReqID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying assistant turn: %w", err)
	}
	return turn, nil
}

func (t *sqlTx) InsertTurn(ctx context.Context, turn *Turn) error {
	query := t.d.rebind(`
		INSERT INTO turns (id, session_id, owner, text, status, end_reason, token_count, client_req_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := t.tx.ExecContext(ctx, query,
		turn.ID,
		turn.SessionID,
		turn.Owner,
		turn.Text,
		turn.Status,
		nullString(turn.EndReason),
		turn.TokenCount,
		nullString(turn.ClientReqID),
		t.d.timeArg(turn.CreatedAt),
		t.d.timeArg(turn.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTurn
		}
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateTurn(ctx context.Context, turn *Turn) error {
	query := t.d.rebind(`
		UPDATE turns
		SET text = ?, status = ?, end_reason = ?, token_count = ?, updated_at = ?
		WHERE id = ? AND status <> ?
	`)

	result, err := t.tx.ExecContext(ctx, query,
		turn.Text,
		turn.Status,
		nullString(turn.EndReason),
		turn.TokenCount,
		t.d.timeArg(turn.UpdatedAt),
		turn.ID,
		TurnComplete,
	)
	if err != nil {
		return fmt.Errorf("updating turn: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing changed: either the row is gone or it was completed first.
	var status string
	err = t.tx.QueryRowContext(ctx, t.d.rebind(`SELECT status FROM turns WHERE id = ?`), turn.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying turn status: %w", err)
	}
	return ErrTurnFinalized
}

func (t *sqlTx) BumpSession(ctx context.Context, sessionID string, delta int, at time.Time) error {
	query := t.d.rebind(`
		UPDATE sessions
		SET message_count = message_count + ?, updated_at = ?
		WHERE id = ?
	`)

	result, err := t.tx.ExecContext(ctx, query, delta, t.d.timeArg(at), sessionID)
	if err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	return requireAffected(result)
}

const sessionColumns = `id, user_id, tenant_id, topic, status, message_count, created_at, updated_at`

const turnColumns = `id, session_id, owner, text, status, end_reason, token_count, client_req_id, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func createSession(ctx context.Context, q querier, d dialect, session *Session) error {
	query := d.rebind(`
		INSERT INTO sessions (id, user_id, tenant_id, topic, status, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := q.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		nullString(session.TenantID),
		session.Topic,
		session.Status,
		session.MessageCount,
		d.timeArg(session.CreatedAt),
		d.timeArg(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func getSession(ctx context.Context, q querier, d dialect, id string) (*Session, error) {
	query := d.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)

	session, err := scanSession(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

func scanSession(row scanner) (*Session, error) {
	var session Session
	var tenantID sql.NullString
	var createdAt, updatedAt dbTime

	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&tenantID,
		&session.Topic,
		&session.Status,
		&session.MessageCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	session.TenantID = tenantID.String
	session.CreatedAt = createdAt.Time
	session.UpdatedAt = updatedAt.Time
	return &session, nil
}

func scanTurn(row scanner) (*Turn, error) {
	var turn Turn
	var endReason, clientReqID sql.NullString
	var createdAt, updatedAt dbTime

	if err := row.Scan(
		&turn.ID,
		&turn.SessionID,
		&turn.Owner,
		&turn.Text,
		&turn.Status,
		&endReason,
		&turn.TokenCount,
		&clientReqID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	turn.EndReason = endReason.String
	turn.ClientReqID = clientReqID.String
	turn.CreatedAt = createdAt.Time
	turn.UpdatedAt = updatedAt.Time
	return &turn, nil
}

// requireAffected maps a zero-row write to ErrNotFound
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed width so that text timestamps sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbTime scans timestamps stored either as text (SQLite) or as native
// timestamp values (Postgres, or SQLite drivers that parse DATETIME).
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
