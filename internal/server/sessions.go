package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

type sessionCreateRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req sessionCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.AgentID != "" {
		if _, err := s.store.GetAgent(r.Context(), req.AgentID); err != nil {
			s.storeError(w, err, "Agent")
			return
		}
	}

	sess := &models.Session{
		OwnerUserID: user.ID,
		Name:        strings.TrimSpace(req.Name),
		Status:      models.SessionActive,
		AgentID:     req.AgentID,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.storeError(w, err, "Session")
		return
	}

	owner := &models.Participant{
		SessionID:       sess.ID,
		ParticipantType: models.ParticipantUser,
		ParticipantID:   user.ID,
		Role:            models.RoleOwner,
		Alias:           user.DisplayName,
	}
	if err := s.registry.Add(r.Context(), owner); err != nil {
		s.storeError(w, err, "Session")
		return
	}
	if req.AgentID != "" {
		agent := &models.Participant{
			SessionID:       sess.ID,
			ParticipantType: models.ParticipantAgent,
			ParticipantID:   req.AgentID,
			Role:            models.RoleCoordinator,
		}
		if err := s.registry.Add(r.Context(), agent); err != nil {
			s.storeError(w, err, "Session")
			return
		}
	}

	s.jsonResponse(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	opts := store.SessionListOptions{
		Limit:  clamp(parseIntParam(r, "limit", 50), 1, 200),
		Offset: max(parseIntParam(r, "offset", 0), 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = models.SessionStatus(status)
	}

	list, err := s.store.ListSessions(r.Context(), user.ID, opts)
	if err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

type sessionUpdateRequest struct {
	Name   *string `json:"name"`
	Status *string `json:"status"`
}

func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, true)
	if !ok {
		return
	}

	var req sessionUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Name != nil {
		sess.Name = strings.TrimSpace(*req.Name)
	}
	if req.Status != nil {
		status := models.SessionStatus(*req.Status)
		switch status {
		case models.SessionActive, models.SessionArchived:
			sess.Status = status
		default:
			s.jsonError(w, "status must be active or archived", http.StatusBadRequest)
			return
		}
	}

	// The locking wrapper keeps REST mutations out of an in-flight turn.
	if err := s.locking.UpdateSession(r.Context(), sess); err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, true)
	if !ok {
		return
	}

	if err := s.locking.DeleteSession(r.Context(), sess.ID); err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.broker.CancelSession(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFrameList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}

	opts := store.FrameListOptions{
		SinceID: r.URL.Query().Get("since"),
		Limit:   clamp(parseIntParam(r, "limit", 200), 1, 1000),
		Offset:  max(parseIntParam(r, "offset", 0), 0),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Types = append(opts.Types, models.FrameType(t))
			}
		}
	}

	list, err := s.store.ListFrames(r.Context(), sess.ID, opts)
	if err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"frames": list,
		"count":  len(list),
	})
}

// replayFrame is a frame with its update-folded payload.
type replayFrame struct {
	ID        string            `json:"id"`
	Type      models.FrameType  `json:"type"`
	Author    models.AuthorType `json:"author_type"`
	AuthorID  string            `json:"author_id,omitempty"`
	Timestamp time.Time         `json:"ts"`
	Payload   json.RawMessage   `json:"payload"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}

	log, err := s.store.ListFrames(r.Context(), sess.ID, store.FrameListOptions{})
	if err != nil {
		s.storeError(w, err, "Session")
		return
	}

	compiled := frames.CompileOrdered(log)
	out := make([]replayFrame, 0, len(compiled))
	for _, cf := range compiled {
		out = append(out, replayFrame{
			ID:        cf.Frame.ID,
			Type:      cf.Frame.Type,
			Author:    cf.Frame.AuthorType,
			AuthorID:  cf.Frame.AuthorID,
			Timestamp: cf.Frame.Timestamp,
			Payload:   cf.Payload,
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"frames": out,
		"count":  len(out),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.jsonError(w, "query parameter q is required", http.StatusBadRequest)
		return
	}

	opts := store.SearchOptions{
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     clamp(parseIntParam(r, "limit", 50), 1, 200),
		Offset:    max(parseIntParam(r, "offset", 0), 0),
	}

	matches, err := s.store.SearchFrames(r.Context(), user.ID, query, opts)
	if err != nil {
		s.storeError(w, err, "Session")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"frames": matches,
		"count":  len(matches),
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
