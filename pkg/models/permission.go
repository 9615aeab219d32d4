package models

import (
	"encoding/json"
	"time"
)

// SubjectType categorizes who is asking to act.
type SubjectType string

const (
	SubjectUser   SubjectType = "user"
	SubjectAgent  SubjectType = "agent"
	SubjectPlugin SubjectType = "plugin"
	SubjectAny    SubjectType = "*"
)

// ResourceType categorizes what is being acted on.
type ResourceType string

const (
	ResourceCommand ResourceType = "command"
	ResourceTool    ResourceType = "tool"
	ResourceAbility ResourceType = "ability"
	ResourceAny     ResourceType = "*"
)

// PermissionAction is the outcome a rule prescribes.
type PermissionAction string

const (
	ActionAllow  PermissionAction = "allow"
	ActionDeny   PermissionAction = "deny"
	ActionPrompt PermissionAction = "prompt"
)

// PermissionScope is the lifetime class of a rule.
type PermissionScope string

const (
	// ScopeOnce rules are consumed by their first allowing evaluation.
	ScopeOnce PermissionScope = "once"
	// ScopeSession rules apply only within their SessionID.
	ScopeSession PermissionScope = "session"
	// ScopePermanent rules apply across all sessions of their owner.
	ScopePermanent PermissionScope = "permanent"
)

// PermissionRule is one stored policy entry. Evaluation is first-match-wins
// after ordering by priority, specificity and age.
type PermissionRule struct {
	ID           string           `json:"id"`
	OwnerUserID  string           `json:"owner_user_id,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	SubjectType  SubjectType      `json:"subject_type"`
	SubjectID    string           `json:"subject_id,omitempty"`
	ResourceType ResourceType     `json:"resource_type"`
	ResourceName string           `json:"resource_name,omitempty"`
	Action       PermissionAction `json:"action"`
	Scope        PermissionScope  `json:"scope"`
	Conditions   json.RawMessage  `json:"conditions,omitempty"`
	Priority     int              `json:"priority"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Subject identifies the actor in a permission check.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// Resource identifies the object of a permission check.
type Resource struct {
	Type ResourceType `json:"type"`
	Name string       `json:"name,omitempty"`
}

// PromptAnswer is a user's response to a permission prompt.
type PromptAnswer string

const (
	AnswerAllowOnce    PromptAnswer = "allow_once"
	AnswerAllowSession PromptAnswer = "allow_session"
	AnswerAllowAlways  PromptAnswer = "allow_always"
	AnswerDeny         PromptAnswer = "deny"
)

// RuleScope maps an allow answer to the scope of the rule it creates.
// Deny answers create no rule.
func (a PromptAnswer) RuleScope() (PermissionScope, bool) {
	switch a {
	case AnswerAllowOnce:
		return ScopeOnce, true
	case AnswerAllowSession:
		return ScopeSession, true
	case AnswerAllowAlways:
		return ScopePermanent, true
	default:
		return "", false
	}
}
