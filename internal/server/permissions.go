package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/herolabs/hero/pkg/models"
)

type ruleCreateRequest struct {
	SessionID    string          `json:"session_id"`
	SubjectType  string          `json:"subject_type"`
	SubjectID    string          `json:"subject_id"`
	ResourceType string          `json:"resource_type"`
	ResourceName string          `json:"resource_name"`
	Action       string          `json:"action"`
	Scope        string          `json:"scope"`
	Conditions   json.RawMessage `json:"conditions"`
	Priority     int             `json:"priority"`
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req ruleCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rule := &models.PermissionRule{
		OwnerUserID:  user.ID,
		SessionID:    req.SessionID,
		SubjectType:  models.SubjectType(req.SubjectType),
		SubjectID:    req.SubjectID,
		ResourceType: models.ResourceType(req.ResourceType),
		ResourceName: req.ResourceName,
		Action:       models.PermissionAction(req.Action),
		Scope:        models.PermissionScope(req.Scope),
		Conditions:   req.Conditions,
		Priority:     req.Priority,
	}
	if msg := validateRule(rule); msg != "" {
		s.jsonError(w, msg, http.StatusBadRequest)
		return
	}
	if rule.SessionID != "" {
		sess, err := s.store.GetSession(r.Context(), rule.SessionID)
		if err != nil {
			s.storeError(w, err, "Session")
			return
		}
		if sess.OwnerUserID != user.ID {
			s.jsonError(w, "Session not found", http.StatusNotFound)
			return
		}
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.storeError(w, err, "Rule")
		return
	}
	s.jsonResponse(w, http.StatusCreated, rule)
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	rules, err := s.store.ListRulesByOwner(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, err, "Rule")
		return
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		filtered := rules[:0]
		for _, rule := range rules {
			if rule.SessionID == sessionID {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	rules, err := s.store.ListRulesByOwner(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, err, "Rule")
		return
	}
	owned := false
	for _, rule := range rules {
		if rule.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		s.jsonError(w, "Rule not found", http.StatusNotFound)
		return
	}

	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		s.storeError(w, err, "Rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePromptList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.jsonError(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.loadSessionByID(w, r, user, sessionID, false); !ok {
		return
	}

	prompts := s.broker.List(sessionID)
	questions := s.broker.ListQuestions(sessionID)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"prompts":   prompts,
		"questions": questions,
	})
}

type promptAnswerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handlePromptAnswer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}

	var req promptAnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer := models.PromptAnswer(req.Answer)
	switch answer {
	case models.AnswerAllowOnce, models.AnswerAllowSession, models.AnswerAllowAlways, models.AnswerDeny:
	default:
		s.jsonError(w, "answer must be allow_once, allow_session, allow_always or deny", http.StatusBadRequest)
		return
	}

	if !s.broker.HandleResponse(r.Context(), r.PathValue("id"), answer) {
		s.jsonError(w, "Prompt not found or already resolved", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "answered"})
}

func (s *Server) handleQuestionAnswer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}

	var req promptAnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		s.jsonError(w, "answer is required", http.StatusBadRequest)
		return
	}

	if !s.broker.AnswerQuestion(r.PathValue("id"), req.Answer) {
		s.jsonError(w, "Question not found or already resolved", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "answered"})
}

func validateRule(rule *models.PermissionRule) string {
	switch rule.SubjectType {
	case models.SubjectUser, models.SubjectAgent, models.SubjectPlugin, models.SubjectAny:
	default:
		return "subject_type must be user, agent, plugin or *"
	}
	switch rule.ResourceType {
	case models.ResourceCommand, models.ResourceTool, models.ResourceAbility, models.ResourceAny:
	default:
		return "resource_type must be command, tool, ability or *"
	}
	switch rule.Action {
	case models.ActionAllow, models.ActionDeny, models.ActionPrompt:
	default:
		return "action must be allow, deny or prompt"
	}
	switch rule.Scope {
	case models.ScopeOnce, models.ScopePermanent:
	case models.ScopeSession:
		if rule.SessionID == "" {
			return "session scope requires session_id"
		}
	default:
		return "scope must be once, session or permanent"
	}
	if len(rule.Conditions) > 0 && !json.Valid(rule.Conditions) {
		return "conditions must be a JSON object"
	}
	return ""
}
