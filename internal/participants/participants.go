// Package participants manages session membership: who is in a session,
// their roles, and which agent receives unaddressed messages.
package participants

import (
	"context"
	"errors"
	"fmt"

	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

var (
	// ErrOwnerExists indicates the session already has an owner participant.
	ErrOwnerExists = errors.New("participants: session already has an owner")

	// ErrNoCoordinator indicates the operation would leave agent participants
	// in the session with nobody to route unaddressed messages to.
	ErrNoCoordinator = errors.New("participants: session would be left without a coordinator")

	// ErrAccessDenied indicates the user is neither the session owner nor a
	// participant.
	ErrAccessDenied = errors.New("participants: access denied")
)

// Registry enforces membership invariants on top of the store: at most one
// owner per session, and at least one agent coordinator while any agent is
// present. Role changes take effect immediately.
type Registry struct {
	store store.Store
}

// NewRegistry creates a registry backed by s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Add registers p in its session. An empty role defaults to member, except
// for the first agent joining a session without an agent coordinator, which
// becomes the coordinator.
func (r *Registry) Add(ctx context.Context, p *models.Participant) error {
	existing, err := r.store.ListParticipants(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	if p.Role == models.RoleOwner {
		for _, e := range existing {
			if e.Role == models.RoleOwner {
				return ErrOwnerExists
			}
		}
	}
	if p.Role == "" {
		p.Role = models.RoleMember
		if p.ParticipantType == models.ParticipantAgent && firstAgentCoordinator(existing) == nil {
			p.Role = models.RoleCoordinator
		}
	}
	if p.ParticipantType == models.ParticipantAgent && p.Role != models.RoleCoordinator && firstAgentCoordinator(existing) == nil {
		return ErrNoCoordinator
	}
	return r.store.AddParticipant(ctx, p)
}

// Remove drops a participant. Removing the last agent coordinator fails with
// ErrNoCoordinator while other agents remain in the session.
func (r *Registry) Remove(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) error {
	if ptype == models.ParticipantAgent {
		existing, err := r.store.ListParticipants(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		if strandsAgents(existing, participantID, "") {
			return ErrNoCoordinator
		}
	}
	return r.store.RemoveParticipant(ctx, sessionID, ptype, participantID)
}

// UpdateRole changes a participant's role. Promoting a second owner fails
// with ErrOwnerExists; demoting the last agent coordinator fails with
// ErrNoCoordinator while other agents remain.
func (r *Registry) UpdateRole(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string, role models.ParticipantRole) error {
	existing, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	if role == models.RoleOwner {
		for _, e := range existing {
			if e.Role == models.RoleOwner && !(e.ParticipantType == ptype && e.ParticipantID == participantID) {
				return ErrOwnerExists
			}
		}
	}
	if ptype == models.ParticipantAgent && role != models.RoleCoordinator {
		if strandsAgents(existing, "", participantID) {
			return ErrNoCoordinator
		}
	}
	return r.store.UpdateParticipantRole(ctx, sessionID, ptype, participantID, role)
}

// List returns the session's participants ordered by join time.
func (r *Registry) List(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	return r.store.ListParticipants(ctx, sessionID)
}

// Coordinators returns every participant holding the coordinator role,
// ordered by join time.
func (r *Registry) Coordinators(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	all, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*models.Participant
	for _, p := range all {
		if p.Role == models.RoleCoordinator {
			out = append(out, p)
		}
	}
	return out, nil
}

// Coordinator returns the agent that receives unaddressed messages: the
// earliest-joined agent coordinator. It returns ErrNoCoordinator when the
// session has none.
func (r *Registry) Coordinator(ctx context.Context, sessionID string) (*models.Participant, error) {
	all, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c := firstAgentCoordinator(all); c != nil {
		return c, nil
	}
	return nil, ErrNoCoordinator
}

// IsParticipant reports whether the given identity is a member of the session.
func (r *Registry) IsParticipant(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) (bool, error) {
	all, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, p := range all {
		if p.ParticipantType == ptype && p.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

// SessionWithAgent is a session together with its resolved coordinator agent.
// Agent is nil when the session has no agent.
type SessionWithAgent struct {
	Session *models.Session
	Agent   *models.Agent
}

// LoadSessionWithAgent loads the session and resolves the agent that speaks
// for it: the single agent coordinator if there is one, the earliest-joined
// one if there are several, otherwise the session's seed agent. The caller
// must own the session or be a participant.
func (r *Registry) LoadSessionWithAgent(ctx context.Context, sessionID, userID string) (*SessionWithAgent, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	if session.OwnerUserID != userID && !containsUser(all, userID) {
		return nil, fmt.Errorf("session %s user %s: %w", sessionID, userID, ErrAccessDenied)
	}

	agentID := session.AgentID
	if c := firstAgentCoordinator(all); c != nil {
		agentID = c.ParticipantID
	}
	if agentID == "" {
		return &SessionWithAgent{Session: session}, nil
	}

	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		// A dangling reference degrades to a session without an agent
		// rather than blocking reads.
		return &SessionWithAgent{Session: session}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return &SessionWithAgent{Session: session, Agent: agent}, nil
}

// firstAgentCoordinator picks the earliest-joined agent coordinator from a
// join-time-ordered list, or nil.
func firstAgentCoordinator(all []*models.Participant) *models.Participant {
	for _, p := range all {
		if p.ParticipantType == models.ParticipantAgent && p.Role == models.RoleCoordinator {
			return p
		}
	}
	return nil
}

// strandsAgents reports whether removing removeID (or demoting demoteID)
// would leave agent participants with no agent coordinator.
func strandsAgents(all []*models.Participant, removeID, demoteID string) bool {
	agentsLeft := 0
	coordinatorsLeft := 0
	for _, p := range all {
		if p.ParticipantType != models.ParticipantAgent {
			continue
		}
		if p.ParticipantID == removeID {
			continue
		}
		agentsLeft++
		if p.Role == models.RoleCoordinator && p.ParticipantID != demoteID {
			coordinatorsLeft++
		}
	}
	return agentsLeft > 0 && coordinatorsLeft == 0
}

func containsUser(all []*models.Participant, userID string) bool {
	for _, p := range all {
		if p.ParticipantType == models.ParticipantUser && p.ParticipantID == userID {
			return true
		}
	}
	return false
}
