// ABOUTME: Shared fixtures for conversation tests
// ABOUTME: Test stores, scripted engines and helpers for draining exchanges

package conversation

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/generation"
	"github.com/2389/turnstream/internal/store"
	"github.com/2389/turnstream/internal/wire"
)

var alice = &auth.Identity{UserID: "alice", TenantID: "t1", Role: "owner"}
var bob = &auth.Identity{UserID: "bob", TenantID: "t1", Role: "member"}

func createTestStore(t *testing.T) *store.SQLStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeBackends runs a test against both store implementations
var storeBackends = []struct {
	name string
	open func(t *testing.T) store.Store
}{
	{"sqlite", func(t *testing.T) store.Store { return createTestStore(t) }},
	{"mock", func(t *testing.T) store.Store { return store.NewMockStore() }},
}

// scripted emits fixed tokens and then returns err
func scripted(tokens []string, err error) generation.Engine {
	return generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		for _, tok := range tokens {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			emit.Token(tok)
		}
		return err
	})
}

// stepped emits one token each time a value arrives on step
func stepped(tokens []string, step <-chan struct{}) generation.Engine {
	return generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		for _, tok := range tokens {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-step:
			}
			emit.Token(tok)
		}
		return nil
	})
}

// recording hands each request to fn and replies "ok"
func recording(fn func(req *generation.Request)) generation.Engine {
	return generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		fn(req)
		emit.Token("ok")
		return nil
	})
}

// deletingSession removes the session mid-generation so the final save fails
func deletingSession(s store.Store) generation.Engine {
	return generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		emit.Token("orphaned")
		return s.DeleteSession(ctx, req.SessionID)
	})
}

var errDiskFull = errors.New("disk full")

// failingTurns wraps a store so that every turn insert inside a transaction fails
type failingTurns struct {
	store.Store
}

func (f failingTurns) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingTurnsTx{tx})
	})
}

type failingTurnsTx struct {
	store.Tx
}

func (failingTurnsTx) InsertTurn(context.Context, *store.Turn) error {
	return errDiskFull
}

func newTestService(s store.Store, engine generation.Engine) *Service {
	return New(s, generation.NewBridge(engine, generation.Options{}, nil), Options{}, nil)
}

// drainExchange reads an exchange to io.EOF
func drainExchange(t *testing.T, x *Exchange) []wire.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []wire.Event
	for {
		ev, err := x.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func eventTypes(events []wire.Event) []wire.EventType {
	out := make([]wire.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func tokenContent(events []wire.Event) string {
	var text string
	for _, ev := range events {
		if ev.Type == wire.EventToken {
			text += ev.Content
		}
	}
	return text
}

func assistantTurns(t *testing.T, s store.Store, sessionID string) []*store.Turn {
	t.Helper()

	turns, err := s.ListTurns(context.Background(), sessionID, 0)
	require.NoError(t, err)

	var out []*store.Turn
	for _, turn := range turns {
		if turn.Owner == store.OwnerAssistant {
			out = append(out, turn)
		}
	}
	return out
}
