// ABOUTME: HTTP handlers for listing, renaming, closing and deleting sessions
// ABOUTME: Chat history can be returned with markdown rendered to HTML via goldmark

package gateway

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/turnstream/internal/conversation"
	"github.com/2389/turnstream/internal/store"
)

// SessionResponse is one session in GET /session responses.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id,omitempty"`
	Topic        string `json:"topic"`
	Status       string `json:"status"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// TurnResponse is one turn in GET /session/chat responses.
type TurnResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Owner       string `json:"owner"`
	Text        string `json:"text"`
	HTML        string `json:"html,omitempty"`
	Status      string `json:"status"`
	EndReason   string `json:"end_reason,omitempty"`
	TokenCount  int    `json:"token_count"`
	ClientReqID string `json:"client_req_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// UpdateSessionRequest is the JSON body for PATCH /session.
type UpdateSessionRequest struct {
	TenantID  string  `json:"tenant_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	SessionID string  `json:"session_id"`
	Topic     *string `json:"topic,omitempty"`
	Status    *string `json:"status,omitempty"`
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		SessionID:    s.ID,
		UserID:       s.UserID,
		TenantID:     s.TenantID,
		Topic:        s.Topic,
		Status:       s.Status,
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func toTurnResponse(t *store.Turn) TurnResponse {
	return TurnResponse{
		ID:          t.ID,
		SessionID:   t.SessionID,
		Owner:       t.Owner,
		Text:        t.Text,
		Status:      t.Status,
		EndReason:   t.EndReason,
		TokenCount:  t.TokenCount,
		ClientReqID: t.ClientReqID,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// renderMarkdown converts turn text to HTML. Raw HTML in the source is
// omitted by goldmark's default renderer.
func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ok := g.identify(w, r, q.Get("user_id"), q.Get("tenant_id"))
	if !ok {
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := g.conversation.ListSessions(r.Context(), id, limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ok := g.identify(w, r, q.Get("user_id"), q.Get("tenant_id"))
	if !ok {
		return
	}
	sessionID := q.Get("session_id")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	render := q.Get("render") == "html"

	turns, err := g.conversation.ListTurns(r.Context(), id, sessionID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		tr := toTurnResponse(t)
		if render {
			html, err := renderMarkdown(t.Text)
			if err != nil {
				g.logger.Warn("markdown render failed", "turn_id", t.ID, "error", err)
			}
			tr.HTML = html
		}
		resp = append(resp, tr)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, ok := g.identify(w, r, q.Get("user_id"), q.Get("tenant_id"))
	if !ok {
		return
	}
	sessionID := q.Get("session_id")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := g.conversation.DeleteSession(r.Context(), id, sessionID); err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sessionID})
}

func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	id, ok := g.identify(w, r, req.UserID, req.TenantID)
	if !ok {
		return
	}

	session, err := g.conversation.UpdateSession(r.Context(), id, req.SessionID, conversation.SessionUpdate{
		Topic:  req.Topic,
		Status: req.Status,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toSessionResponse(session))
}
