package server

import (
	"net/http"
	"strings"

	"github.com/herolabs/hero/pkg/models"
)

type agentCreateRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req agentCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	agent := &models.Agent{
		OwnerUserID:  user.ID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Provider:     req.Provider,
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.storeError(w, err, "Agent")
		return
	}
	s.jsonResponse(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	agents, err := s.store.ListAgents(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, err, "Agent")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	agent, ok := s.loadOwnedAgent(w, r, user)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

type agentUpdateRequest struct {
	Name         *string `json:"name"`
	SystemPrompt *string `json:"system_prompt"`
	Model        *string `json:"model"`
	Provider     *string `json:"provider"`
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	agent, ok := s.loadOwnedAgent(w, r, user)
	if !ok {
		return
	}

	var req agentUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			s.jsonError(w, "name cannot be empty", http.StatusBadRequest)
			return
		}
		agent.Name = name
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.Provider != nil {
		agent.Provider = *req.Provider
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		s.storeError(w, err, "Agent")
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteAgent(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.storeError(w, err, "Agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedAgent fetches the agent and hides other owners' agents behind a
// 404 so agent ids cannot be probed.
func (s *Server) loadOwnedAgent(w http.ResponseWriter, r *http.Request, user *models.User) (*models.Agent, bool) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "Agent")
		return nil, false
	}
	if agent.OwnerUserID != user.ID {
		s.jsonError(w, "Agent not found", http.StatusNotFound)
		return nil, false
	}
	return agent, true
}
