package delegation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/tools"
	"github.com/herolabs/hero/internal/turn"
	"github.com/herolabs/hero/pkg/models"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []turn.Request
	outcome *turn.Outcome
	err     error
	onRun   func(ctx context.Context, req turn.Request) (*turn.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, req turn.Request) (*turn.Outcome, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.onRun != nil {
		return f.onRun(ctx, req)
	}
	return f.outcome, f.err
}

func (f *fakeRunner) requests() []turn.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.Request(nil), f.reqs...)
}

func newService(t *testing.T, runner Runner, cfg Config) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := participants.NewRegistry(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := context.Background()
	parent := &models.Session{ID: "sess-1", OwnerUserID: "user-1", Status: models.SessionActive}
	if err := st.CreateSession(ctx, parent); err != nil {
		t.Fatalf("create parent session: %v", err)
	}
	if err := registry.Add(ctx, &models.Participant{
		SessionID:       "sess-1",
		ParticipantType: models.ParticipantAgent,
		ParticipantID:   "agent-1",
		Role:            models.RoleCoordinator,
	}); err != nil {
		t.Fatalf("add caller: %v", err)
	}
	if err := registry.Add(ctx, &models.Participant{
		SessionID:       "sess-1",
		ParticipantType: models.ParticipantAgent,
		ParticipantID:   "agent-2",
		Role:            models.RoleMember,
	}); err != nil {
		t.Fatalf("add target: %v", err)
	}

	return New(cfg, st, registry, runner, logger), st
}

func TestDelegate(t *testing.T) {
	runner := &fakeRunner{outcome: &turn.Outcome{
		Status: models.ResultCompleted,
		Turns:  1,
		Text:   "Paris.",
	}}
	svc, st := newService(t, runner, Config{})
	ctx := context.Background()

	reply, err := svc.Delegate(ctx, tools.DelegateRequest{
		SessionID: "sess-1",
		UserID:    "user-1",
		CallerID:  "agent-1",
		AgentID:   "agent-2",
		Task:      "What is the capital of France?",
	})
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if reply != "Paris." {
		t.Errorf("reply = %q, want %q", reply, "Paris.")
	}

	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(reqs))
	}
	got := reqs[0]
	if got.UserID != "user-1" {
		t.Errorf("child turn UserID = %q, want parent owner", got.UserID)
	}
	if got.Content != "What is the capital of France?" {
		t.Errorf("child turn Content = %q, want the task", got.Content)
	}
	if got.DelegationDepth != 1 {
		t.Errorf("DelegationDepth = %d, want 1", got.DelegationDepth)
	}

	child, err := st.GetSession(ctx, got.SessionID)
	if err != nil {
		t.Fatalf("load child session: %v", err)
	}
	if child.Status != models.SessionAgent {
		t.Errorf("child Status = %s, want %s", child.Status, models.SessionAgent)
	}
	if child.ParentSessionID != "sess-1" {
		t.Errorf("child ParentSessionID = %q, want sess-1", child.ParentSessionID)
	}
	if child.OwnerUserID != "user-1" {
		t.Errorf("child OwnerUserID = %q, want user-1", child.OwnerUserID)
	}
	if child.AgentID != "agent-2" {
		t.Errorf("child AgentID = %q, want agent-2", child.AgentID)
	}

	members, err := st.ListParticipants(ctx, child.ID)
	if err != nil {
		t.Fatalf("list child participants: %v", err)
	}
	roles := make(map[string]models.ParticipantRole, len(members))
	for _, m := range members {
		roles[m.ParticipantID] = m.Role
	}
	if roles["agent-2"] != models.RoleCoordinator {
		t.Errorf("agent-2 role = %s, want coordinator", roles["agent-2"])
	}
	if roles["agent-1"] != models.RoleMember {
		t.Errorf("agent-1 role = %s, want member", roles["agent-1"])
	}
}

func TestDelegateToSelf(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newService(t, runner, Config{})

	_, err := svc.Delegate(context.Background(), tools.DelegateRequest{
		SessionID: "sess-1",
		CallerID:  "agent-1",
		AgentID:   "agent-1",
		Task:      "loop",
	})
	if err == nil || !strings.Contains(err.Error(), "cannot delegate to itself") {
		t.Fatalf("Delegate() error = %v, want self-delegation error", err)
	}
	if len(runner.requests()) != 0 {
		t.Error("runner called for a rejected delegation")
	}
}

func TestDelegateNonParticipant(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newService(t, runner, Config{})

	_, err := svc.Delegate(context.Background(), tools.DelegateRequest{
		SessionID: "sess-1",
		CallerID:  "agent-1",
		AgentID:   "agent-9",
		Task:      "hello",
	})
	if err == nil || !strings.Contains(err.Error(), "not a participant") {
		t.Fatalf("Delegate() error = %v, want participant error", err)
	}
	if len(runner.requests()) != 0 {
		t.Error("runner called for a rejected delegation")
	}
}

func TestDelegateDepthLimit(t *testing.T) {
	runner := &fakeRunner{outcome: &turn.Outcome{Status: models.ResultCompleted, Turns: 1, Text: "ok"}}
	svc, _ := newService(t, runner, Config{})

	tests := []struct {
		depth   int
		wantErr bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{5, true},
	}
	for _, tt := range tests {
		_, err := svc.Delegate(context.Background(), tools.DelegateRequest{
			SessionID: "sess-1",
			CallerID:  "agent-1",
			AgentID:   "agent-2",
			Task:      "go",
			Depth:     tt.depth,
		})
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "depth") {
				t.Errorf("depth %d: error = %v, want depth error", tt.depth, err)
			}
		} else if err != nil {
			t.Errorf("depth %d: unexpected error %v", tt.depth, err)
		}
	}
}

func TestDelegateTimeout(t *testing.T) {
	runner := &fakeRunner{onRun: func(ctx context.Context, _ turn.Request) (*turn.Outcome, error) {
		<-ctx.Done()
		return &turn.Outcome{Status: models.ResultAborted}, nil
	}}
	svc, _ := newService(t, runner, Config{Timeout: 30 * time.Millisecond})

	_, err := svc.Delegate(context.Background(), tools.DelegateRequest{
		SessionID: "sess-1",
		CallerID:  "agent-1",
		AgentID:   "agent-2",
		Task:      "never answered",
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Delegate() error = %v, want ErrTimeout", err)
	}
}

func TestDelegateCallerCancel(t *testing.T) {
	runner := &fakeRunner{onRun: func(ctx context.Context, _ turn.Request) (*turn.Outcome, error) {
		<-ctx.Done()
		return &turn.Outcome{Status: models.ResultAborted}, nil
	}}
	svc, _ := newService(t, runner, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Delegate(ctx, tools.DelegateRequest{
		SessionID: "sess-1",
		CallerID:  "agent-1",
		AgentID:   "agent-2",
		Task:      "abandoned",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Delegate() error = %v, want context.Canceled", err)
	}
}

func TestDelegateNoReply(t *testing.T) {
	runner := &fakeRunner{outcome: &turn.Outcome{Status: models.ResultCompleted, Turns: 0}}
	svc, _ := newService(t, runner, Config{})

	_, err := svc.Delegate(context.Background(), tools.DelegateRequest{
		SessionID: "sess-1",
		CallerID:  "agent-1",
		AgentID:   "agent-2",
		Task:      "silence",
	})
	if err == nil || !strings.Contains(err.Error(), "did not reply") {
		t.Fatalf("Delegate() error = %v, want no-reply error", err)
	}
}
