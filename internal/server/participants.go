package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/pkg/models"
)

type participantRequest struct {
	ParticipantType string `json:"participant_type"`
	ParticipantID   string `json:"participant_id"`
	Role            string `json:"role"`
	Alias           string `json:"alias"`
}

func (s *Server) handleParticipantAdd(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, true)
	if !ok {
		return
	}

	var req participantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ptype, ok := parseParticipantType(req.ParticipantType)
	if !ok {
		s.jsonError(w, "participant_type must be user or agent", http.StatusBadRequest)
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		s.jsonError(w, "role must be owner, coordinator or member", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		s.jsonError(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	switch ptype {
	case models.ParticipantAgent:
		if _, err := s.store.GetAgent(r.Context(), req.ParticipantID); err != nil {
			s.storeError(w, err, "Agent")
			return
		}
	case models.ParticipantUser:
		if _, err := s.store.GetUser(r.Context(), req.ParticipantID); err != nil {
			s.storeError(w, err, "User")
			return
		}
	}

	p := &models.Participant{
		SessionID:       sess.ID,
		ParticipantType: ptype,
		ParticipantID:   req.ParticipantID,
		Role:            role,
		Alias:           strings.TrimSpace(req.Alias),
	}
	if err := s.registry.Add(r.Context(), p); err != nil {
		s.registryError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, p)
}

func (s *Server) handleParticipantList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}

	list, err := s.registry.List(r.Context(), sess.ID)
	if err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"participants": list,
		"count":        len(list),
	})
}

func (s *Server) handleParticipantRemove(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, true)
	if !ok {
		return
	}

	ptype, ok := parseParticipantType(r.PathValue("ptype"))
	if !ok {
		s.jsonError(w, "participant type must be user or agent", http.StatusBadRequest)
		return
	}

	if err := s.registry.Remove(r.Context(), sess.ID, ptype, r.PathValue("pid")); err != nil {
		s.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleParticipantRole(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, true)
	if !ok {
		return
	}

	ptype, ok := parseParticipantType(r.PathValue("ptype"))
	if !ok {
		s.jsonError(w, "participant type must be user or agent", http.StatusBadRequest)
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	role, ok := parseRole(req.Role)
	if !ok || role == "" {
		s.jsonError(w, "role must be owner, coordinator or member", http.StatusBadRequest)
		return
	}

	if err := s.registry.UpdateRole(r.Context(), sess.ID, ptype, r.PathValue("pid"), role); err != nil {
		s.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseParticipantType(v string) (models.ParticipantType, bool) {
	switch models.ParticipantType(v) {
	case models.ParticipantUser, models.ParticipantAgent:
		return models.ParticipantType(v), true
	}
	return "", false
}

// parseRole accepts the empty string so the registry can apply its role
// defaulting on Add.
func parseRole(v string) (models.ParticipantRole, bool) {
	switch models.ParticipantRole(v) {
	case "", models.RoleOwner, models.RoleCoordinator, models.RoleMember:
		return models.ParticipantRole(v), true
	}
	return "", false
}

// registryError distinguishes membership invariant violations (second owner,
// stranded agents) from persistence failures.
func (s *Server) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, participants.ErrOwnerExists):
		s.jsonError(w, "Session already has an owner", http.StatusConflict)
	case errors.Is(err, participants.ErrNoCoordinator):
		s.jsonError(w, "Session would be left without a coordinator", http.StatusConflict)
	default:
		s.storeError(w, err, "Participant")
	}
}
