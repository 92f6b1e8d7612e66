// Package server exposes the transport's HTTP surface: the websocket
// endpoint, the cold-start presence query, and a health check.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/inkhaus/redline/internal/access"
	"github.com/inkhaus/redline/internal/auth"
	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/registry"
	"github.com/inkhaus/redline/internal/router"
)

// Server wires the registry, router, and gate behind HTTP handlers.
type Server struct {
	registry *registry.Registry
	router   *router.Router
	gate     *access.Gate
	verifier auth.Verifier
	logger   *slog.Logger
}

func New(reg *registry.Registry, rt *router.Router, gate *access.Gate, verifier auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: reg,
		router:   rt,
		gate:     gate,
		verifier: verifier,
		logger:   logger,
	}
}

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	mux.HandleFunc("GET /v1/documents/{id}/presence", s.handlePresence)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePresence handles GET /v1/documents/{id}/presence: who is present
// on the document right now, across all server processes. Served from the
// durable session store.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")

	userID, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !s.gate.Allowed(r.Context(), userID, documentID, model.LevelView) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	users, err := s.registry.ActiveUsers(r.Context(), documentID)
	if err != nil {
		s.logger.Error("server: presence query failed",
			"document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "presence query failed")
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"users":      users,
	})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter (browser websocket clients cannot set
// headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
