// Package delegation hands a task from one agent to another. Each delegation
// spawns a child session coordinated by the target agent, posts the task as a
// user message, runs one turn there, and relays the reply to the caller.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/tools"
	"github.com/herolabs/hero/internal/turn"
	"github.com/herolabs/hero/pkg/models"
)

const (
	// MaxDepth bounds delegation chains. A chain at this depth may not
	// delegate further.
	MaxDepth = 3

	// Timeout bounds the wait for the delegated agent's reply.
	Timeout = 120 * time.Second
)

// ErrTimeout is returned when the delegated agent does not reply in time.
// The text is shown to the calling agent as the tool error.
var ErrTimeout = errors.New("Delegation timed out")

// Config tunes the service. Zero values take the package defaults.
type Config struct {
	MaxDepth int
	Timeout  time.Duration
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = MaxDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = Timeout
	}
	return cfg
}

// Runner executes one turn in a session. *turn.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req turn.Request) (*turn.Outcome, error)
}

// Service implements the delegate tool.
type Service struct {
	cfg      Config
	store    store.Store
	registry *participants.Registry
	runner   Runner
	logger   *slog.Logger
}

var _ tools.Delegator = (*Service)(nil)

// New wires a delegation service. The store must be the raw store: the child
// turn takes its own write lease on the child session.
func New(cfg Config, st store.Store, registry *participants.Registry, runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      sanitizeConfig(cfg),
		store:    st,
		registry: registry,
		runner:   runner,
		logger:   logger.With("component", "delegation"),
	}
}

// Delegate runs req.Task in a fresh child session coordinated by the target
// agent and returns the agent's reply text. The target must already be a
// participant of the calling session, must not be the caller, and the chain
// must be shallower than MaxDepth.
func (s *Service) Delegate(ctx context.Context, req tools.DelegateRequest) (string, error) {
	ok, err := s.registry.IsParticipant(ctx, req.SessionID, models.ParticipantAgent, req.AgentID)
	if err != nil {
		return "", fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("agent %s is not a participant in this session", req.AgentID)
	}
	if req.AgentID == req.CallerID {
		return "", errors.New("cannot delegate to itself")
	}
	if req.Depth >= s.cfg.MaxDepth {
		return "", fmt.Errorf("delegation depth limit reached (%d)", s.cfg.MaxDepth)
	}

	parent, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("load parent session: %w", err)
	}

	child, err := s.spawnChild(ctx, parent, req)
	if err != nil {
		return "", err
	}
	s.logger.Info("delegation started",
		"parent_session_id", parent.ID,
		"child_session_id", child.ID,
		"agent_id", req.AgentID,
		"depth", req.Depth+1)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	outcome, err := s.runner.Run(runCtx, turn.Request{
		SessionID:       child.ID,
		UserID:          parent.OwnerUserID,
		Content:         req.Task,
		DelegationDepth: req.Depth + 1,
	})
	switch {
	case err != nil:
		return "", fmt.Errorf("run delegated turn: %w", err)
	case ctx.Err() != nil:
		return "", ctx.Err()
	case runCtx.Err() != nil:
		s.logger.Warn("delegation timed out",
			"child_session_id", child.ID,
			"agent_id", req.AgentID,
			"timeout", s.cfg.Timeout)
		return "", ErrTimeout
	case outcome.Status == models.ResultCompleted && outcome.Turns > 0:
		return outcome.Text, nil
	default:
		return "", fmt.Errorf("delegated agent did not reply")
	}
}

// spawnChild creates the child session with the delegate as coordinator and
// the calling agent as member.
func (s *Service) spawnChild(ctx context.Context, parent *models.Session, req tools.DelegateRequest) (*models.Session, error) {
	child := &models.Session{
		OwnerUserID:     parent.OwnerUserID,
		Name:            fmt.Sprintf("delegation to %s", req.AgentID),
		Status:          models.SessionAgent,
		ParentSessionID: parent.ID,
		AgentID:         req.AgentID,
	}
	if err := s.store.CreateSession(ctx, child); err != nil {
		return nil, fmt.Errorf("create child session: %w", err)
	}

	if err := s.registry.Add(ctx, &models.Participant{
		SessionID:       child.ID,
		ParticipantType: models.ParticipantAgent,
		ParticipantID:   req.AgentID,
		Role:            models.RoleCoordinator,
	}); err != nil {
		return nil, fmt.Errorf("add delegate coordinator: %w", err)
	}
	if req.CallerID != "" {
		if err := s.registry.Add(ctx, &models.Participant{
			SessionID:       child.ID,
			ParticipantType: models.ParticipantAgent,
			ParticipantID:   req.CallerID,
			Role:            models.RoleMember,
		}); err != nil {
			return nil, fmt.Errorf("add calling agent: %w", err)
		}
	}
	return child, nil
}
