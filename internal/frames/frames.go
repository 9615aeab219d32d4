package frames

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/herolabs/hero/pkg/models"
)

// NewMessage builds a message frame. The store assigns the timestamp on
// append; CreatedAt defaults to now so the payload is self-describing even
// outside the log.
func NewMessage(sessionID string, author models.AuthorType, authorID string, payload models.MessagePayload) (*models.Frame, error) {
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}
	if payload.Kind == "" {
		payload.Kind = models.KindMessage
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message payload: %w", err)
	}
	return &models.Frame{
		ID:         models.NewFrameID(),
		SessionID:  sessionID,
		Type:       models.FrameMessage,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    raw,
	}, nil
}

// NewSystemMessage builds a system-authored message frame, the shape used
// for permission prompts and runtime notices.
func NewSystemMessage(sessionID string, content string, hidden bool) (*models.Frame, error) {
	return NewMessage(sessionID, models.AuthorSystem, "", models.MessagePayload{
		Role:    models.RoleSystem,
		Content: models.MessageContent(content),
		Hidden:  hidden,
		Kind:    models.KindSystem,
	})
}

// NewErrorMessage builds the frame recorded when a turn fails: a visible
// system message carrying the user-facing error text.
func NewErrorMessage(sessionID string, friendly string) (*models.Frame, error) {
	return NewSystemMessage(sessionID, friendly, false)
}

// NewRequest builds a request frame recording an interaction about to run.
func NewRequest(sessionID string, author models.AuthorType, authorID string, payload models.RequestPayload) (*models.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	return &models.Frame{
		ID:         models.NewFrameID(),
		SessionID:  sessionID,
		Type:       models.FrameRequest,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    raw,
	}, nil
}

// NewResult builds a result frame for an executed interaction. requestID
// links it to the request frame it answers.
func NewResult(sessionID string, author models.AuthorType, authorID, requestID string, payload models.ResultPayload) (*models.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}
	return &models.Frame{
		ID:         models.NewFrameID(),
		SessionID:  sessionID,
		ParentID:   requestID,
		Type:       models.FrameResult,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    raw,
	}, nil
}

// NewUpdate builds an update frame rewriting the compiled payloads of the
// target frames. Target ids are plain frame ids; the frame: prefix is added
// here.
func NewUpdate(sessionID string, author models.AuthorType, authorID string, targetFrameIDs []string, payload any) (*models.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal update payload: %w", err)
	}
	targets := make([]string, len(targetFrameIDs))
	for i, id := range targetFrameIDs {
		targets[i] = models.FrameTarget(id)
	}
	return &models.Frame{
		ID:         models.NewFrameID(),
		SessionID:  sessionID,
		TargetIDs:  targets,
		Type:       models.FrameUpdate,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    raw,
	}, nil
}

// NewCompact builds a compact frame from a snapshot of compiled state.
func NewCompact(sessionID string, snapshot map[string]json.RawMessage) (*models.Frame, error) {
	raw, err := json.Marshal(models.CompactPayload{Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("marshal compact payload: %w", err)
	}
	return &models.Frame{
		ID:         models.NewFrameID(),
		SessionID:  sessionID,
		Type:       models.FrameCompact,
		AuthorType: models.AuthorSystem,
		Payload:    raw,
	}, nil
}

// Snapshot compiles the log and wraps the result in a compact frame, the
// operation behind the /compact builtin.
func Snapshot(sessionID string, log []*models.Frame) (*models.Frame, error) {
	return NewCompact(sessionID, Compile(log))
}
