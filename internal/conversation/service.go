// ABOUTME: Conversation service wiring the store and the generation bridge together
// ABOUTME: Holds the error taxonomy and the session operations used by HTTP handlers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/generation"
	"github.com/2389/turnstream/internal/store"
)

// Errors reported before any streaming starts
var (
	ErrForbidden        = errors.New("session belongs to another user")
	ErrSessionClosed    = errors.New("session is closed")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMissingRequestID = errors.New("client_req_id is required")
	ErrInvalidStatus    = errors.New("invalid session status")
	ErrUnauthenticated  = errors.New("no authenticated identity")
)

// Options tunes the service.
type Options struct {
	// SaveTimeout bounds the final save, which runs detached from the
	// request so a disconnect at the last moment cannot lose the turn.
	SaveTimeout time.Duration
	// HistoryLimit caps how many prior turns are sent to the engine. Zero
	// means all of them.
	HistoryLimit int
}

// Service is the conversation layer.
type Service struct {
	store  store.Store
	bridge *generation.Bridge
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new conversation Service
func New(s store.Store, bridge *generation.Bridge, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	return &Service{
		store:  s,
		bridge: bridge,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "conversation"),
	}
}

// ownedSession loads a session and checks that id may use it.
func (s *Service) ownedSession(ctx context.Context, id *auth.Identity, sessionID string) (*store.Session, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if session.UserID != id.UserID {
		return nil, ErrForbidden
	}
	if session.TenantID != "" && id.TenantID != "" && session.TenantID != id.TenantID {
		return nil, ErrForbidden
	}
	return session, nil
}

// ListSessions returns the caller's sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context, id *auth.Identity, limit int) ([]*store.Session, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	sessions, err := s.store.ListSessions(ctx, id.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// ListTurns returns every turn of a session the caller owns, oldest first.
func (s *Service) ListTurns(ctx context.Context, id *auth.Identity, sessionID string) ([]*store.Turn, error) {
	if _, err := s.ownedSession(ctx, id, sessionID); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	return turns, nil
}

// DeleteSession removes a session the caller owns, with all of its turns.
func (s *Service) DeleteSession(ctx context.Context, id *auth.Identity, sessionID string) error {
	if _, err := s.ownedSession(ctx, id, sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Info("session deleted", "session_id", sessionID, "user_id", id.UserID)
	return nil
}

// SessionUpdate holds the fields a caller may change. Nil means unchanged.
type SessionUpdate struct {
	Topic  *string
	Status *string
}

// UpdateSession renames or closes/reopens a session the caller owns.
func (s *Service) UpdateSession(ctx context.Context, id *auth.Identity, sessionID string, upd SessionUpdate) (*store.Session, error) {
	session, err := s.ownedSession(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}

	if upd.Topic != nil {
		session.Topic = Topic(*upd.Topic)
	}
	if upd.Status != nil {
		switch *upd.Status {
		case store.SessionActive, store.SessionClosed:
			session.Status = *upd.Status
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
		}
	}
	session.UpdatedAt = s.now()

	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return session, nil
}
