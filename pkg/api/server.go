// Package api serves the bins REST endpoints and the realtime status/health
// probes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/binwatch/binwatch/pkg/auth"
	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
	"github.com/binwatch/binwatch/pkg/store"
)

type Server struct {
	store    *store.Store
	registry *realtime.Registry
	verifier *auth.Verifier
	logger   *log.Logger
}

func NewServer(store *store.Store, registry *realtime.Registry, verifier *auth.Verifier) *Server {
	return &Server{
		store:    store,
		registry: registry,
		verifier: verifier,
		logger:   log.ForComponent("api"),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "Bin not found")
		return
	}
	s.logger.Errorf("store operation failed: %v", err)
	s.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

type contextKey string

const userIDKey contextKey = "userID"

// userID returns the authenticated user stored by AuthMiddleware.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// AuthMiddleware verifies the bearer token and stashes its subject in the
// request context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
			return
		}

		subject, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
