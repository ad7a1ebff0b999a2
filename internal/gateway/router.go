// ABOUTME: HTTP routing for turnstream using chi
// ABOUTME: Request logging, CORS, identity resolution and the route table

package gateway

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/turnstream/internal/auth"
)

// Router builds the HTTP handler for the gateway.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	if len(g.config.Server.AllowedOrigins) > 0 {
		r.Use(cors(g.config.Server.AllowedOrigins))
	}

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Group(func(r chi.Router) {
		if g.verifier != nil {
			r.Use(auth.HTTPAuthMiddleware(g.verifier))
		}

		r.Post("/conversation/chat_response", g.handleChatResponse)
		r.Post("/conversation/save_partial", g.handleSavePartial)

		r.Get("/session", g.handleListSessions)
		r.Delete("/session", g.handleDeleteSession)
		r.Patch("/session", g.handleUpdateSession)
		r.Get("/session/chat", g.handleListTurns)
	})

	return r
}

// requestLogger logs one line per request with its chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// cors allows browser clients from the configured origins.
func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (slices.Contains(allowed, "*") || slices.Contains(allowed, origin)) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Expose-Headers", "X-Session-Id")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identify returns the caller's identity. With auth enabled the token decides
// and any user_id or tenant_id the client sent must agree with it. In
// development mode the client-supplied ids are the identity.
func (g *Gateway) identify(w http.ResponseWriter, r *http.Request, userID, tenantID string) (*auth.Identity, bool) {
	if id := auth.FromContext(r.Context()); id != nil {
		if (userID != "" && userID != id.UserID) || (tenantID != "" && tenantID != id.TenantID) {
			g.sendJSONError(w, http.StatusForbidden, "identity does not match token")
			return nil, false
		}
		return id, true
	}

	if g.verifier != nil || userID == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return &auth.Identity{UserID: userID, TenantID: tenantID, Role: "user"}, true
}
