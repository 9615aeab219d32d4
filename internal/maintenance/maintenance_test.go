package maintenance

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/herolabs/hero/internal/config"
	"github.com/herolabs/hero/internal/permissions"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingPruner struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPruner) PruneExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 0
}

func (p *countingPruner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func enabledConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Enabled:            true,
		PromptSweep:        "0 0 1 1 *",
		TokenSweep:         "0 0 1 1 *",
		MagicLinkRetention: 24 * time.Hour,
	}
}

func TestSweeperLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	broker := permissions.NewBroker(st, testLogger())
	defer broker.Close()

	s := New(enabledConfig(), st, broker, testLogger())
	ctx := context.Background()

	if s.Running() {
		t.Fatal("Running() = true before Start")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	if err := s.Start(ctx); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSweeperDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	broker := permissions.NewBroker(st, testLogger())
	defer broker.Close()

	cfg := enabledConfig()
	cfg.Enabled = false
	s := New(cfg, st, broker, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true for disabled sweeper")
	}
}

func TestSweeperInvalidSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	broker := permissions.NewBroker(st, testLogger())
	defer broker.Close()

	cfg := enabledConfig()
	cfg.PromptSweep = "not a schedule"
	s := New(cfg, st, broker, testLogger())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start with invalid schedule did not fail")
	}
	if s.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestSweepPromptsResolvesExpired(t *testing.T) {
	st := store.NewMemoryStore()
	broker := permissions.NewBroker(st, testLogger())
	defer broker.Close()

	session := &models.Session{OwnerUserID: "user-1", Name: "sweep"}
	if err := st.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	answered := make(chan models.PromptAnswer, 1)
	go func() {
		answer, _ := broker.Request(context.Background(), permissions.PromptRequest{
			SessionID:   session.ID,
			OwnerUserID: "user-1",
			Subject:     models.Subject{Type: models.SubjectAgent, ID: "agent-1"},
			Resource:    models.Resource{Type: models.ResourceCommand, Name: "grep"},
			Timeout:     time.Hour,
		})
		answered <- answer
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(broker.List(session.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prompt never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s := New(enabledConfig(), st, broker, testLogger())

	// A sweep before the deadline leaves the prompt alone.
	count, err := s.sweepPrompts(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("sweepPrompts: %v", err)
	}
	if count != 0 {
		t.Errorf("early sweep removed %d prompts, want 0", count)
	}

	count, err = s.sweepPrompts(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweepPrompts: %v", err)
	}
	if count != 1 {
		t.Errorf("sweep removed %d prompts, want 1", count)
	}

	select {
	case answer := <-answered:
		if answer != models.AnswerDeny {
			t.Errorf("pruned prompt resolved to %q, want %q", answer, models.AnswerDeny)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pruned prompt never resolved its waiter")
	}
}

func TestSweepTokensKeepsRecent(t *testing.T) {
	st := store.NewMemoryStore()
	broker := permissions.NewBroker(st, testLogger())
	defer broker.Close()
	ctx := context.Background()

	stale := &models.MagicLink{Email: "old@example.com", ExpiresAt: time.Now().Add(-48 * time.Hour)}
	fresh := &models.MagicLink{Email: "new@example.com", ExpiresAt: time.Now().Add(-time.Hour)}
	for _, link := range []*models.MagicLink{stale, fresh} {
		if err := st.CreateMagicLink(ctx, link); err != nil {
			t.Fatalf("CreateMagicLink: %v", err)
		}
	}

	staleKey := &models.APIKey{UserID: "user-1", Name: "old", Hash: "hash-old", ExpiresAt: time.Now().Add(-48 * time.Hour)}
	foreverKey := &models.APIKey{UserID: "user-1", Name: "forever", Hash: "hash-forever"}
	for _, key := range []*models.APIKey{staleKey, foreverKey} {
		if err := st.CreateAPIKey(ctx, key); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	s := New(enabledConfig(), st, broker, testLogger())
	count, err := s.sweepTokens(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweepTokens: %v", err)
	}
	if count != 2 {
		t.Errorf("sweep purged %d tokens, want 2", count)
	}

	// The stale link is gone, the recently expired one survives the
	// retention window.
	if _, err := st.ConsumeMagicLink(ctx, stale.ID, time.Now()); err == nil {
		t.Error("stale link still present after sweep")
	}
	if _, err := st.ConsumeMagicLink(ctx, fresh.ID, time.Now()); err != nil {
		t.Errorf("fresh link purged too early: %v", err)
	}

	// The expired key is gone, the one without an expiry is untouched.
	if _, err := st.GetAPIKeyByHash(ctx, staleKey.Hash); err == nil {
		t.Error("stale api key still present after sweep")
	}
	if _, err := st.GetAPIKeyByHash(ctx, foreverKey.Hash); err != nil {
		t.Errorf("key without expiry purged: %v", err)
	}
}

func TestSweeperRunsOnStart(t *testing.T) {
	st := store.NewMemoryStore()
	pruner := &countingPruner{}
	ctx := context.Background()

	// Schedules fire next January; only the immediate run can call the
	// pruner.
	s := New(enabledConfig(), st, pruner, testLogger())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for pruner.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
