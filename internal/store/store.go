// ABOUTME: Store interface and data types for session and turn persistence
// ABOUTME: Defines Session, Turn, the Store interface and the transactional Tx view

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTurn is returned when an assistant turn already exists for the
// same (session_id, client_req_id) key
var ErrDuplicateTurn = errors.New("turn already exists for idempotency key")

// ErrTurnFinalized is returned when an update targets a turn that is already complete
var ErrTurnFinalized = errors.New("turn is already complete")

// Turn owners
const (
	OwnerUser      = "user"
	OwnerAssistant = "assistant"
)

// Turn statuses
const (
	TurnComplete  = "complete"
	TurnCancelled = "cancelled"
)

// Session statuses
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// End reasons recorded on assistant turns
const (
	EndReasonDone        = "done"
	EndReasonClientAbort = "client_abort"
)

// Session is an ordered conversation between one user and the assistant.
// MessageCount always equals the number of turns stored for the session.
type Session struct {
	ID           string
	UserID       string
	TenantID     string
	Topic        string
	Status       string // active, closed
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Turn is one user or assistant message within a session.
type Turn struct {
	ID          string
	SessionID   string
	Owner       string // user, assistant
	Text        string
	Status      string // complete, cancelled
	EndReason   string // empty when not set
	TokenCount  int
	ClientReqID string // assistant turns only; empty when not set
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsComplete reports whether the turn is final and must not be rewritten.
func (t *Turn) IsComplete() bool {
	return t.Status == TurnComplete
}

// NewID returns a time-ordered identifier. Identifiers created later in the
// same process always sort after earlier ones, which keeps (created_at, id)
// ordering stable when timestamps collide.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Store defines the persistence operations for sessions and turns.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error

	// Turns
	ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)
	AppendTurn(ctx context.Context, turn *Turn) error

	// InTx runs fn inside a single transaction. The transaction commits if fn
	// returns nil and rolls back otherwise; fn's error is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the row-scoped view of the store used while committing a turn.
type Tx interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// FindAssistantTurn returns the assistant turn keyed by clientReqID, or ErrNotFound.
	FindAssistantTurn(ctx context.Context, sessionID, clientReqID string) (*Turn, error)

	// InsertTurn returns ErrDuplicateTurn when the idempotency key is taken.
	InsertTurn(ctx context.Context, turn *Turn) error

	// UpdateTurn rewrites text, status, end reason, token count and updated_at.
	// It returns ErrTurnFinalized if the stored row is already complete.
	UpdateTurn(ctx context.Context, turn *Turn) error

	// BumpSession adds delta to message_count and sets updated_at.
	BumpSession(ctx context.Context, sessionID string, delta int, at time.Time) error
}
