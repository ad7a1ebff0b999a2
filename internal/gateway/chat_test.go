// ABOUTME: Tests for the chat_response stream and save_partial endpoints
// ABOUTME: Covers framing, headers, auth, error mapping, in-flight dedupe and client disconnects

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/conversation"
	"github.com/2389/turnstream/internal/dedupe"
	"github.com/2389/turnstream/internal/generation"
	"github.com/2389/turnstream/internal/store"
	"github.com/2389/turnstream/internal/wire"
)

// keyFree reports whether key can be acquired, releasing it again if so.
func keyFree(g *dedupe.Guard, key string) bool {
	token, ok := g.Acquire(key)
	if ok {
		g.Release(key, token)
	}
	return ok
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

func TestChatResponse_StreamsEvents(t *testing.T) {
	gw, s := newTestGateway(t, wordsEngine("Hello", " there"), "")

	rec := doJSON(t, gw.Router(), http.MethodPost, "/conversation/chat_response", ChatRequest{
		UserID:      "alice",
		TenantID:    "t1",
		Message:     "hi",
		ClientReqID: "req-1",
	}, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypeNDJSON, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	sessionID := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, sessionID)

	raw := rec.Body.String()
	assert.True(t, strings.HasSuffix(raw, wire.Separator))
	assert.Equal(t, 5, strings.Count(raw, wire.Separator))

	events := decodeStream(t, strings.NewReader(raw))
	assert.Equal(t, []wire.EventType{
		wire.EventSession,
		wire.EventLog,
		wire.EventToken,
		wire.EventToken,
		wire.EventFinalToken,
	}, eventTypes(events))
	assert.Equal(t, sessionID, events[0].SessionID)
	assert.Equal(t, conversation.GreetingLog, events[1].Content)

	turns := assistantTurns(t, s, sessionID)
	require.Len(t, turns, 1)
	assert.Equal(t, "Hello there", turns[0].Text)
	assert.Equal(t, "req-1", turns[0].ClientReqID)

	session, err := s.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, "t1", session.TenantID)
	assert.Equal(t, 2, session.MessageCount)
}

func TestChatResponse_NullSessionStartsNew(t *testing.T) {
	gw, _ := newTestGateway(t, wordsEngine("ok"), "")

	body := `{"user_id":"alice","message":"hi","reset_context":false,"session_id":null}`
	req := httptest.NewRequest(http.MethodPost, "/conversation/chat_response/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderSessionID))
}

func TestChatResponse_GenerationErrorInBand(t *testing.T) {
	engine := generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		emit.Token("par")
		return assert.AnError
	})
	gw, s := newTestGateway(t, engine, "")

	rec := doJSON(t, gw.Router(), http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", Message: "hi"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	events := decodeStream(t, rec.Body)
	n := len(events)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, wire.EventError, events[n-2].Type)
	assert.Equal(t, assert.AnError.Error(), events[n-2].Content)
	assert.Equal(t, wire.EventFinalToken, events[n-1].Type)

	assert.Empty(t, assistantTurns(t, s, rec.Header().Get(HeaderSessionID)))
}

func TestChatResponse_Auth(t *testing.T) {
	gw, _ := newTestGateway(t, wordsEngine("ok"), testSecret)
	h := gw.Router()
	alice := auth.Identity{UserID: "alice", TenantID: "t1", Role: "owner"}

	rec := doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{Message: "hi"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{Message: "hi"}, "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "bob", Message: "hi"}, bearer(t, alice))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{TenantID: "t2", Message: "hi"}, bearer(t, alice))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", TenantID: "t1", Message: "hi"}, bearer(t, alice))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open
	rec = doJSON(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatResponse_DevModeRequiresUser(t *testing.T) {
	gw, _ := newTestGateway(t, wordsEngine("ok"), "")

	rec := doJSON(t, gw.Router(), http.MethodPost, "/conversation/chat_response", ChatRequest{Message: "hi"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatResponse_PreStreamErrors(t *testing.T) {
	gw, s := newTestGateway(t, wordsEngine("ok"), "")
	h := gw.Router()

	rec := doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", Message: "first"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(HeaderSessionID)

	req := httptest.NewRequest(http.MethodPost, "/conversation/chat_response", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", errorMessage(t, rec))

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", Message: "  "}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", SessionID: "missing", Message: "hi"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "bob", SessionID: sessionID, Message: "hi"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	closed := store.SessionClosed
	rec = doJSON(t, h, http.MethodPatch, "/session", UpdateSessionRequest{UserID: "alice", SessionID: sessionID, Status: &closed}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", SessionID: sessionID, Message: "hi"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	session, err := s.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.MessageCount, "rejected requests store nothing")
}

func TestChatResponse_DuplicateInFlight(t *testing.T) {
	gw, _ := newTestGateway(t, wordsEngine("ok"), "")
	h := gw.Router()

	rec := doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", Message: "first"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(HeaderSessionID)

	key := dedupe.Key(sessionID, "req-dup")
	token, ok := gw.inflight.Acquire(key)
	require.True(t, ok)

	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", SessionID: sessionID, Message: "again", ClientReqID: "req-dup"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	gw.inflight.Release(key, token)
	rec = doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", SessionID: sessionID, Message: "again", ClientReqID: "req-dup"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, keyFree(gw.inflight, key), "released when the stream ends")
}

func TestChatResponse_ClientDisconnectWritesNothing(t *testing.T) {
	step := make(chan struct{})
	engine := generation.EngineFunc(func(ctx context.Context, req *generation.Request, emit generation.Emitter) error {
		for _, tok := range []string{"a ", "b ", "c ", "d ", "e"} {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-step:
			}
			emit.Token(tok)
		}
		return nil
	})
	gw, s := newTestGateway(t, engine, "")

	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	// Start a session with a normal round trip first.
	go func() {
		for range 5 {
			step <- struct{}{}
		}
	}()
	resp, err := http.Post(srv.URL+"/conversation/chat_response", "application/json",
		strings.NewReader(`{"user_id":"alice","message":"first"}`))
	require.NoError(t, err)
	decodeStream(t, resp.Body)
	resp.Body.Close()
	sessionID := resp.Header.Get(HeaderSessionID)
	require.Len(t, assistantTurns(t, s, sessionID), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, err := json.Marshal(ChatRequest{UserID: "alice", SessionID: sessionID, Message: "second", ClientReqID: "req-2"})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/conversation/chat_response", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	dec := wire.NewDecoder(resp.Body)
	for _, want := range []wire.EventType{wire.EventSession, wire.EventLog} {
		ev, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, want, ev.Type)
	}
	for range 2 {
		step <- struct{}{}
		ev, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, wire.EventToken, ev.Type)
	}

	cancel()

	key := dedupe.Key(sessionID, "req-2")
	assert.Eventually(t, func() bool { return keyFree(gw.inflight, key) }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, assistantTurns(t, s, sessionID), 1, "disconnect leaves persistence to save_partial")

	rec := doJSON(t, gw.Router(), http.MethodPost, "/conversation/save_partial", SavePartialRequest{
		UserID:      "alice",
		SessionID:   sessionID,
		ClientReqID: "req-2",
		Message:     "a b ",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	turns := assistantTurns(t, s, sessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, store.TurnCancelled, turns[1].Status)
	assert.Equal(t, "a b ", turns[1].Text)
}

func TestSavePartial(t *testing.T) {
	gw, s := newTestGateway(t, wordsEngine("full ", "answer"), "")
	h := gw.Router()

	rec := doJSON(t, h, http.MethodPost, "/conversation/chat_response", ChatRequest{UserID: "alice", Message: "q", ClientReqID: "req-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(HeaderSessionID)

	t.Run("partial after final is a no-op", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{
			UserID:      "alice",
			SessionID:   sessionID,
			ClientReqID: "req-1",
			Message:     "full",
		}, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SavePartialResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.OK)
		assert.Equal(t, store.TurnComplete, resp.Status)

		turns := assistantTurns(t, s, sessionID)
		require.Len(t, turns, 1)
		assert.Equal(t, resp.ConversationID, turns[0].ID)
		assert.Equal(t, "full answer", turns[0].Text)
	})

	t.Run("new key inserts cancelled turn", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{
			UserID:      "alice",
			SessionID:   sessionID,
			ClientReqID: "req-2",
			Message:     "interrupted",
			Reason:      "navigation",
			TokenCount:  7,
		}, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SavePartialResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, store.TurnCancelled, resp.Status)

		turns := assistantTurns(t, s, sessionID)
		require.Len(t, turns, 2)
		assert.Equal(t, "navigation", turns[1].EndReason)
		assert.Equal(t, 7, turns[1].TokenCount)
	})

	t.Run("validation", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{UserID: "alice", ClientReqID: "r", Message: "x"}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{UserID: "alice", SessionID: sessionID, Message: "x"}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{UserID: "bob", SessionID: sessionID, ClientReqID: "r", Message: "x"}, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = doJSON(t, h, http.MethodPost, "/conversation/save_partial", SavePartialRequest{UserID: "alice", SessionID: "missing", ClientReqID: "r", Message: "x"}, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
