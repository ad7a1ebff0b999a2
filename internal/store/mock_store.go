// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps sessions and turns in memory with the same commit rules as SQLStore

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// InTx holds the store lock for the whole callback and restores a snapshot
// when the callback fails.
type MockStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turns    map[string]*Turn // keyed by turn ID
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string]*Turn),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockTx{m}.CreateSession(ctx, session)
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSessionLocked(id)
}

func (m *MockStore) getSessionLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			c := *s
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateSession updates a session's topic, status and updated_at.
func (m *MockStore) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	s.Topic = session.Topic
	s.Status = session.Status
	s.UpdatedAt = session.UpdatedAt
	return nil
}

// DeleteSession removes a session and its turns.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	for turnID, t := range m.turns {
		if t.SessionID == id {
			delete(m.turns, turnID)
		}
	}
	return nil
}

// ListTurns returns a session's turns oldest first.
func (m *MockStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Turn
	for _, t := range m.turns {
		if t.SessionID == sessionID {
			c := *t
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// AppendTurn inserts a turn and counts it on its session.
func (m *MockStore) AppendTurn(ctx context.Context, turn *Turn) error {
	return m.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		return tx.BumpSession(ctx, turn.SessionID, 1, turn.CreatedAt)
	})
}

// InTx runs fn while holding the store lock.
func (m *MockStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, turns := m.snapshotLocked()
	if err := fn(mockTx{m}); err != nil {
		m.sessions, m.turns = sessions, turns
		return err
	}
	return nil
}

func (m *MockStore) snapshotLocked() (map[string]*Session, map[string]*Turn) {
	sessions := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		c := *s
		sessions[id] = &c
	}
	turns := make(map[string]*Turn, len(m.turns))
	for id, t := range m.turns {
		c := *t
		turns[id] = &c
	}
	return sessions, turns
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// mockTx operates on a MockStore whose lock is already held
type mockTx struct {
	m *MockStore
}

func (tx mockTx) CreateSession(ctx context.Context, session *Session) error {
	s := *session
	tx.m.sessions[s.ID] = &s
	return nil
}

func (tx mockTx) GetSession(ctx context.Context, id string) (*Session, error) {
	return tx.m.getSessionLocked(id)
}

func (tx mockTx) FindAssistantTurn(ctx context.Context, sessionID, clientReqID string) (*Turn, error) {
	var found *Turn
	for _, t := range tx.m.turns {
		if t.SessionID != sessionID || t.Owner != OwnerAssistant || t.ClientReqID != clientReqID {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	c := *found
	return &c, nil
}

func (tx mockTx) InsertTurn(ctx context.Context, turn *Turn) error {
	if _, ok := tx.m.sessions[turn.SessionID]; !ok {
		return ErrNotFound
	}
	if turn.Owner == OwnerAssistant && turn.ClientReqID != "" {
		if _, err := tx.FindAssistantTurn(ctx, turn.SessionID, turn.ClientReqID); err == nil {
			return ErrDuplicateTurn
		}
	}
	t := *turn
	tx.m.turns[t.ID] = &t
	return nil
}

func (tx mockTx) UpdateTurn(ctx context.Context, turn *Turn) error {
	t, ok := tx.m.turns[turn.ID]
	if !ok {
		return ErrNotFound
	}
	if t.IsComplete() {
		return ErrTurnFinalized
	}
	t.Text = turn.Text
	t.Status = turn.Status
	t.EndReason = turn.EndReason
	t.TokenCount = turn.TokenCount
	t.UpdatedAt = turn.UpdatedAt
	return nil
}

func (tx mockTx) BumpSession(ctx context.Context, sessionID string, delta int, at time.Time) error {
	s, ok := tx.m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.MessageCount += delta
	s.UpdatedAt = at
	return nil
}
