// ABOUTME: HTTP handlers for streaming chat responses and saving partial turns
// ABOUTME: Writes line-delimited JSON events separated by ###END### while generation runs

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/turnstream/internal/conversation"
	"github.com/2389/turnstream/internal/dedupe"
	"github.com/2389/turnstream/internal/store"
	"github.com/2389/turnstream/internal/wire"
)

// ChatRequest is the JSON body for POST /conversation/chat_response.
type ChatRequest struct {
	TenantID     string `json:"tenant_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"` // null or empty starts a new session
	Message      string `json:"message"`
	ResetContext bool   `json:"reset_context"`
	ClientReqID  string `json:"client_req_id,omitempty"`
}

// SavePartialRequest is the JSON body for POST /conversation/save_partial.
type SavePartialRequest struct {
	TenantID    string `json:"tenant_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id"`
	ClientReqID string `json:"client_req_id"`
	Message     string `json:"message"`
	Reason      string `json:"reason,omitempty"`
	TokenCount  int    `json:"token_count,omitempty"`
}

// SavePartialResponse is the JSON response for POST /conversation/save_partial.
type SavePartialResponse struct {
	OK             bool   `json:"ok"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// Stream headers
const (
	ContentTypeNDJSON = "application/x-ndjson"
	HeaderSessionID   = "X-Session-Id"
)

func (g *Gateway) handleChatResponse(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, ok := g.identify(w, r, req.UserID, req.TenantID)
	if !ok {
		return
	}

	// A retried request must not start a second stream for the same key.
	if req.SessionID != "" && req.ClientReqID != "" {
		key := dedupe.Key(req.SessionID, req.ClientReqID)
		token, ok := g.inflight.Acquire(key)
		if !ok {
			g.sendJSONError(w, http.StatusConflict, "request already in progress")
			return
		}
		defer g.inflight.Release(key, token)
	}

	x, err := g.conversation.Chat(r.Context(), id, conversation.ChatRequest{
		SessionID:    req.SessionID,
		Message:      req.Message,
		ResetContext: req.ResetContext,
		ClientReqID:  req.ClientReqID,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	defer x.Close()

	h := w.Header()
	h.Set("Content-Type", ContentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderSessionID, x.SessionID)
	w.WriteHeader(http.StatusOK)

	enc := wire.NewEncoder(w)
	for {
		ev, err := x.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			g.logger.Error("stream failed", "session_id", x.SessionID, "error", err)
			return
		}
		if err := enc.Encode(ev); err != nil {
			// The client is gone; the next Next observes the cancelled context.
			g.logger.Debug("write failed", "session_id", x.SessionID, "error", err)
		}
	}
}

func (g *Gateway) handleSavePartial(w http.ResponseWriter, r *http.Request) {
	var req SavePartialRequest
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

	result, err := g.conversation.SavePartial(r.Context(), id, conversation.PartialRequest{
		SessionID:   req.SessionID,
		ClientReqID: req.ClientReqID,
		Text:        req.Message,
		Reason:      req.Reason,
		TokenCount:  req.TokenCount,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, SavePartialResponse{
		OK:             true,
		ConversationID: result.Turn.ID,
		Status:         result.Turn.Status,
	})
}

// decodeJSON reads a single JSON object body.
func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(v)
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps conversation and store errors to HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrMissingRequestID),
		errors.Is(err, conversation.ErrInvalidStatus):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrUnauthenticated):
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, conversation.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, conversation.ErrSessionClosed):
		g.sendJSONError(w, http.StatusConflict, "session is closed")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
