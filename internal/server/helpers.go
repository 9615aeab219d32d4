package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/herolabs/hero/internal/auth"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

const maxBodyBytes = 1 << 20

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("response encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// storeError maps persistence failures onto HTTP statuses. notFound names
// the entity in 404 messages.
func (s *Server) storeError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, notFound+" not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSessionBusy):
		s.jsonError(w, "Session is busy with another turn", http.StatusConflict)
	case errors.Is(err, store.ErrConflict):
		s.jsonError(w, "Conflict", http.StatusConflict)
	default:
		s.logger.Error("store error", "error", err)
		s.jsonError(w, "Internal error", http.StatusInternalServerError)
	}
}

// currentUser returns the authenticated account. The auth middleware
// guarantees it on protected routes; the ok path covers skips.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		s.jsonError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

// loadOwnedSession fetches the session named by the id path segment and
// enforces access. Mutations require the owner; reads allow any user
// participant. Missing access is reported as 404 so session ids cannot be
// probed.
func (s *Server) loadOwnedSession(w http.ResponseWriter, r *http.Request, user *models.User, mutate bool) (*models.Session, bool) {
	return s.loadSessionByID(w, r, user, r.PathValue("id"), mutate)
}

func (s *Server) loadSessionByID(w http.ResponseWriter, r *http.Request, user *models.User, id string, mutate bool) (*models.Session, bool) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Session")
		return nil, false
	}
	if sess.OwnerUserID == user.ID {
		return sess, true
	}
	if !mutate {
		member, err := s.registry.IsParticipant(r.Context(), id, models.ParticipantUser, user.ID)
		if err == nil && member {
			return sess, true
		}
	}
	s.jsonError(w, "Session not found", http.StatusNotFound)
	return nil, false
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
