package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/providers"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

// transcript is the provider-ready view of a session's log.
type transcript struct {
	System   string
	Messages []providers.Message
}

// contextKinds are the message kinds fed to the model. Prompt notices travel
// as system kind; interaction echoes and dispatch feedback close the loop.
var contextKinds = []models.MessageKind{
	models.KindMessage,
	models.KindSystem,
	models.KindInteraction,
	models.KindFeedback,
}

// composeContext replays the session log and renders it for the provider:
// message/system/interaction/feedback kinds in order with their payload
// roles, under a system prompt carrying the coordinator's instructions and
// the participant roster.
func (p *Pipeline) composeContext(ctx context.Context, sessionID string, agent *models.Agent) (*transcript, error) {
	log, err := p.store.ListFrames(ctx, sessionID, store.FrameListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}

	compiled := frames.Messages(log, contextKinds...)
	messages := make([]providers.Message, 0, len(compiled))
	for _, m := range compiled {
		content := string(m.Payload.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		messages = append(messages, providers.Message{
			Role:    string(m.Payload.Role),
			Content: content,
		})
	}

	roster, err := p.registry.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	return &transcript{
		System:   systemPrompt(agent, roster),
		Messages: messages,
	}, nil
}

// systemPrompt joins the coordinator's instructions with the participant
// roster so the model knows who it is talking to.
func systemPrompt(agent *models.Agent, roster []*models.Participant) string {
	var sb strings.Builder
	if agent.SystemPrompt != "" {
		sb.WriteString(strings.TrimSpace(agent.SystemPrompt))
	}

	if len(roster) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Participants in this conversation:")
		for _, p := range roster {
			name := p.Alias
			if name == "" {
				name = p.ParticipantID
			}
			fmt.Fprintf(&sb, "\n- %s (%s, %s)", name, p.ParticipantType, p.Role)
		}
	}
	return sb.String()
}
