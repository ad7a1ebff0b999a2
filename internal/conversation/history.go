// ABOUTME: History assembly: session resolution, topic derivation and prior-turn loading
// ABOUTME: Converts stored turns into generation input, oldest first

package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/generation"
	"github.com/2389/turnstream/internal/store"
)

// DefaultTopic labels a session whose first message had no usable text.
const DefaultTopic = "New chat"

const topicMaxRunes = 57

// Topic derives a session label from a message: up to 57 runes as-is,
// longer messages cut at 57 runes with an ellipsis.
func Topic(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return DefaultTopic
	}
	if utf8.RuneCountInString(message) <= topicMaxRunes {
		return message
	}

	runes := []rune(message)
	return strings.TrimRight(string(runes[:topicMaxRunes]), " ") + "…"
}

// Assembly is the input for one chat message: the session it goes to and
// the prior turns handed to the engine.
type Assembly struct {
	Session *store.Session
	// New reports that Session was built for this message and is not stored
	// yet. SaveUserTurn stores it together with the first turn.
	New bool
	// Messages holds the session's turns oldest first; empty for a new
	// session or when the context is reset.
	Messages []generation.Message
}

// History assembles the input for a chat message. Without a sessionID it
// prepares a new session titled after message. Otherwise the session must
// exist (store.ErrNotFound), belong to id (ErrForbidden) and be active
// (ErrSessionClosed); these checks apply even when reset is set.
func (s *Service) History(ctx context.Context, id *auth.Identity, sessionID, message string, reset bool) (*Assembly, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	if sessionID == "" {
		return &Assembly{Session: s.newSession(id, message), New: true}, nil
	}

	session, err := s.ownedSession(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == store.SessionClosed {
		return nil, ErrSessionClosed
	}

	a := &Assembly{Session: session}
	if !reset {
		if a.Messages, err = s.loadHistory(ctx, session.ID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *Service) loadHistory(ctx context.Context, sessionID string) ([]generation.Message, error) {
	turns, err := s.store.ListTurns(ctx, sessionID, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return toMessages(turns), nil
}

func (s *Service) newSession(id *auth.Identity, message string) *store.Session {
	now := s.now()
	return &store.Session{
		ID:        store.NewID(),
		UserID:    id.UserID,
		TenantID:  id.TenantID,
		Topic:     Topic(message),
		Status:    store.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func toMessages(turns []*store.Turn) []generation.Message {
	msgs := make([]generation.Message, 0, len(turns))
	for _, t := range turns {
		role := generation.RoleUser
		if t.Owner == store.OwnerAssistant {
			role = generation.RoleAssistant
		}

		meta := map[string]string{
			"turn_id": t.ID,
			"status":  t.Status,
		}
		if t.EndReason != "" {
			meta["end_reason"] = t.EndReason
		}

		msgs = append(msgs, generation.Message{Role: role, Text: t.Text, Metadata: meta})
	}
	return msgs
}
