package turn

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/providers"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

func newContextPipeline(t *testing.T) (*Pipeline, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	registry := participants.NewRegistry(st)
	p := New(Config{}, st, store.NewLockManager(30*time.Second), registry, providers.NewRegistry(), nil, nil, nil, logger)
	return p, st
}

func appendMessage(t *testing.T, st *store.MemoryStore, author models.AuthorType, authorID string, payload models.MessagePayload) {
	t.Helper()
	frame, err := frames.NewMessage("sess-1", author, authorID, payload)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := st.AppendFrame(context.Background(), frame); err != nil {
		t.Fatalf("append frame: %v", err)
	}
}

func TestComposeContext(t *testing.T) {
	p, st := newContextPipeline(t)
	ctx := context.Background()

	appendMessage(t, st, models.AuthorUser, "user-1", models.MessagePayload{
		Role:    models.RoleUser,
		Content: "Hello",
	})

	notice, err := frames.NewSystemMessage("sess-1", "Permission granted: bash", true)
	if err != nil {
		t.Fatalf("build system message: %v", err)
	}
	if err := st.AppendFrame(ctx, notice); err != nil {
		t.Fatalf("append system message: %v", err)
	}

	appendMessage(t, st, models.AuthorSystem, "", models.MessagePayload{
		Role:    models.RoleUser,
		Content: "[i-0 bash] completed",
		Hidden:  true,
		Kind:    models.KindFeedback,
	})

	// Request and result frames never reach the provider.
	request, err := frames.NewRequest("sess-1", models.AuthorAgent, "agent-1", models.RequestPayload{
		InteractionID: "i-0",
		Assertion:     "function",
		Name:          "bash",
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := st.AppendFrame(ctx, request); err != nil {
		t.Fatalf("append request: %v", err)
	}
	result, err := frames.NewResult("sess-1", models.AuthorAgent, "agent-1", request.ID, models.ResultPayload{
		InteractionID: "i-0",
		Status:        models.ResultCompleted,
	})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	if err := st.AppendFrame(ctx, result); err != nil {
		t.Fatalf("append result: %v", err)
	}

	// Blank content and foreign kinds drop out.
	appendMessage(t, st, models.AuthorUser, "user-1", models.MessagePayload{
		Role:    models.RoleUser,
		Content: "   ",
	})
	appendMessage(t, st, models.AuthorUser, "user-1", models.MessagePayload{
		Role:    models.RoleUser,
		Content: "scratch",
		Kind:    models.MessageKind("note"),
	})

	appendMessage(t, st, models.AuthorAgent, "agent-1", models.MessagePayload{
		Role:    models.RoleAssistant,
		Content: "Done.",
	})

	agent := &models.Agent{ID: "agent-1", SystemPrompt: "Answer briefly."}
	transcript, err := p.composeContext(ctx, "sess-1", agent)
	if err != nil {
		t.Fatalf("composeContext: %v", err)
	}

	want := []providers.Message{
		{Role: "user", Content: "Hello"},
		{Role: "system", Content: "Permission granted: bash"},
		{Role: "user", Content: "[i-0 bash] completed"},
		{Role: "assistant", Content: "Done."},
	}
	if len(transcript.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %d entries", transcript.Messages, len(want))
	}
	for i, w := range want {
		if transcript.Messages[i] != w {
			t.Errorf("message[%d] = %+v, want %+v", i, transcript.Messages[i], w)
		}
	}
	if transcript.System != "Answer briefly." {
		t.Errorf("System = %q, want agent prompt without roster", transcript.System)
	}
}

func TestComposeContextRoster(t *testing.T) {
	p, st := newContextPipeline(t)
	ctx := context.Background()

	session := &models.Session{ID: "sess-1", OwnerUserID: "user-1", Status: models.SessionActive}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := p.registry.Add(ctx, &models.Participant{
		SessionID:       "sess-1",
		ParticipantType: models.ParticipantUser,
		ParticipantID:   "user-1",
		Role:            models.RoleOwner,
		Alias:           "Jordan",
	}); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if err := p.registry.Add(ctx, &models.Participant{
		SessionID:       "sess-1",
		ParticipantType: models.ParticipantAgent,
		ParticipantID:   "agent-1",
		Role:            models.RoleCoordinator,
	}); err != nil {
		t.Fatalf("add coordinator: %v", err)
	}

	agent := &models.Agent{ID: "agent-1", SystemPrompt: "  Answer briefly.  "}
	transcript, err := p.composeContext(ctx, "sess-1", agent)
	if err != nil {
		t.Fatalf("composeContext: %v", err)
	}

	if !strings.HasPrefix(transcript.System, "Answer briefly.") {
		t.Errorf("System = %q, want trimmed prompt first", transcript.System)
	}
	if !strings.Contains(transcript.System, "Participants in this conversation:") {
		t.Errorf("System = %q, want roster header", transcript.System)
	}
	if !strings.Contains(transcript.System, "- Jordan (user, owner)") {
		t.Errorf("System = %q, want aliased owner line", transcript.System)
	}
	if !strings.Contains(transcript.System, "- agent-1 (agent, coordinator)") {
		t.Errorf("System = %q, want id fallback for unaliased agent", transcript.System)
	}
}

func TestSystemPrompt(t *testing.T) {
	roster := []*models.Participant{
		{ParticipantType: models.ParticipantUser, ParticipantID: "user-1", Role: models.RoleOwner},
	}

	tests := []struct {
		name   string
		agent  *models.Agent
		roster []*models.Participant
		want   string
	}{
		{
			name:  "prompt only",
			agent: &models.Agent{SystemPrompt: "Be terse."},
			want:  "Be terse.",
		},
		{
			name:   "roster only",
			agent:  &models.Agent{},
			roster: roster,
			want:   "Participants in this conversation:\n- user-1 (user, owner)",
		},
		{
			name:   "prompt and roster",
			agent:  &models.Agent{SystemPrompt: "Be terse."},
			roster: roster,
			want:   "Be terse.\n\nParticipants in this conversation:\n- user-1 (user, owner)",
		},
		{
			name:  "empty",
			agent: &models.Agent{},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := systemPrompt(tt.agent, tt.roster); got != tt.want {
				t.Errorf("systemPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}
