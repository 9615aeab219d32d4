// Package store persists the runtime's entities: sessions, frames,
// participants, permission rules, users and credentials.
//
// Three backends are provided:
//   - MemoryStore: in-process maps, for tests and local runs
//   - PostgresStore: production backend using lib/pq with prepared statements
//   - SQLiteStore: single-node backend using the CGO-free modernc driver
//
// All backends implement Store. Writes to a session's frame log must be
// serialized by the caller through a LockManager lease; reads never block.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/herolabs/hero/pkg/models"
)

// Sentinel errors shared by all backends. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique-constraint violation, such as a
	// duplicate frame id or duplicate participant.
	ErrConflict = errors.New("conflict")
)

// FrameListOptions narrows a frame listing. Results are always ordered by
// timestamp ascending with insertion order breaking ties.
type FrameListOptions struct {
	// SinceID returns only frames appended after the frame with this id.
	SinceID string
	// Types keeps only frames of the given types. Empty means all.
	Types []models.FrameType
	// Limit caps the result size. Zero means no cap.
	Limit int
	// Offset skips the first N matching frames.
	Offset int
}

// SearchOptions narrows a payload substring search.
type SearchOptions struct {
	SessionID string
	Types     []models.FrameType
	Limit     int
	Offset    int
}

// SessionListOptions narrows a session listing.
type SessionListOptions struct {
	Status models.SessionStatus
	Limit  int
	Offset int
}

// RuleQuery selects the candidate permission rules for one evaluation:
// subject type matches exactly or via "*", subject id matches exactly or is
// unset on the rule, and likewise for the resource. Scope binds rules to the
// query's owner (permanent) or session (session). Once rules match when their
// owner and session bindings, where set, agree with the query.
type RuleQuery struct {
	OwnerUserID  string
	SessionID    string
	SubjectType  models.SubjectType
	SubjectID    string
	ResourceType models.ResourceType
	ResourceName string
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// DeleteSession removes the session and cascades to its frames and
	// participants.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, ownerUserID string, opts SessionListOptions) ([]*models.Session, error)
	// AddSessionTokens accumulates provider token usage onto the session.
	AddSessionTokens(ctx context.Context, id string, input, output int64) error
}

// FrameStore persists the append-only frame log.
type FrameStore interface {
	// AppendFrame writes one frame. It fails with ErrConflict when the id
	// already exists and assigns the timestamp when it is zero. Timestamps
	// never move backwards within a session.
	AppendFrame(ctx context.Context, frame *models.Frame) error
	ListFrames(ctx context.Context, sessionID string, opts FrameListOptions) ([]*models.Frame, error)
	// SearchFrames matches query as a substring of the serialized payload,
	// scoped to sessions owned by userID. Results carry SessionName.
	SearchFrames(ctx context.Context, userID, query string, opts SearchOptions) ([]*models.Frame, error)
}

// ParticipantStore persists session membership.
type ParticipantStore interface {
	AddParticipant(ctx context.Context, p *models.Participant) error
	RemoveParticipant(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) error
	UpdateParticipantRole(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string, role models.ParticipantRole) error
	ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error)
}

// RuleStore persists permission rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.PermissionRule) error
	DeleteRule(ctx context.Context, id string) error
	// ListRules returns the candidates for one evaluation; see RuleQuery.
	ListRules(ctx context.Context, q RuleQuery) ([]*models.PermissionRule, error)
	// ListRulesByOwner returns every rule owned by a user, newest first.
	ListRulesByOwner(ctx context.Context, ownerUserID string) ([]*models.PermissionRule, error)
}

// AgentStore persists agent definitions: the system prompt, model and
// provider an agent participant speaks with.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, ownerUserID, id string) error
	ListAgents(ctx context.Context, ownerUserID string) ([]*models.Agent, error)
}

// UserStore persists accounts and credentials.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	// GetAPIKeyByHash looks a key up by its SHA-256 hex digest.
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, id string) error
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
	// PurgeExpiredAPIKeys deletes keys whose expiry passed before the cutoff.
	// Keys without an expiry are never purged.
	PurgeExpiredAPIKeys(ctx context.Context, cutoff time.Time) (int64, error)

	CreateMagicLink(ctx context.Context, link *models.MagicLink) error
	// ConsumeMagicLink marks the link used and returns it. It fails with
	// ErrNotFound for unknown ids and ErrConflict for already-used links.
	ConsumeMagicLink(ctx context.Context, id string, usedAt time.Time) (*models.MagicLink, error)
	// PurgeExpiredMagicLinks deletes links that expired before the cutoff
	// and reports how many were removed.
	PurgeExpiredMagicLinks(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	FrameStore
	ParticipantStore
	RuleStore
	AgentStore
	UserStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
