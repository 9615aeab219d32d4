package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive is a live session accepting new turns.
	SessionActive SessionStatus = "active"
	// SessionArchived is a session retired by its owner. It can be restored.
	SessionArchived SessionStatus = "archived"
	// SessionAgent marks a child session created by delegation.
	SessionAgent SessionStatus = "agent"
)

// Session is a long-lived conversation thread owned by a user.
type Session struct {
	ID              string        `json:"id"`
	OwnerUserID     string        `json:"owner_user_id"`
	Name            string        `json:"name,omitempty"`
	Status          SessionStatus `json:"status"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`

	// AgentID is the seed agent assigned at creation. Coordinator routing
	// prefers participant roles and falls back to this field.
	AgentID string `json:"agent_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
}

// ParticipantType distinguishes humans from agents.
type ParticipantType string

const (
	ParticipantUser  ParticipantType = "user"
	ParticipantAgent ParticipantType = "agent"
)

// ParticipantRole is a participant's role within one session.
type ParticipantRole string

const (
	// RoleOwner is the session creator. At most one per session.
	RoleOwner ParticipantRole = "owner"
	// RoleCoordinator receives unaddressed messages.
	RoleCoordinator ParticipantRole = "coordinator"
	// RoleMember participates only when addressed directly.
	RoleMember ParticipantRole = "member"
)

// Participant is a member of a session. The (SessionID, ParticipantType,
// ParticipantID) triple is unique.
type Participant struct {
	SessionID       string          `json:"session_id"`
	ParticipantType ParticipantType `json:"participant_type"`
	ParticipantID   string          `json:"participant_id"`
	Role            ParticipantRole `json:"role"`
	Alias           string          `json:"alias,omitempty"`
	JoinedAt        time.Time       `json:"joined_at"`
}

// Agent is a configured AI agent that can join sessions.
type Agent struct {
	ID           string    `json:"id"`
	OwnerUserID  string    `json:"owner_user_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
