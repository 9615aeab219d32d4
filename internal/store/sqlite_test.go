package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/herolabs/hero/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{OwnerUserID: "user-1", Name: "planning"}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("CreateSession should assign an id")
	}
	if session.Status != models.SessionActive {
		t.Errorf("Status = %q, want %q", session.Status, models.SessionActive)
	}

	if err := s.AddSessionTokens(ctx, session.ID, 120, 45); err != nil {
		t.Fatalf("AddSessionTokens failed: %v", err)
	}
	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.InputTokens != 120 || got.OutputTokens != 45 {
		t.Errorf("tokens = %d/%d, want 120/45", got.InputTokens, got.OutputTokens)
	}

	got.Status = models.SessionArchived
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	active, err := s.ListSessions(ctx, "user-1", SessionListOptions{Status: models.SessionActive})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListSessions(active) returned %d sessions, want 0", len(active))
	}

	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.GetSession(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_CreateSessionDuplicate(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	seedSession(t, s, "s1", "user-1")
	err := s.CreateSession(ctx, &models.Session{ID: "s1", OwnerUserID: "user-1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateSession error = %v, want ErrConflict", err)
	}
}

func TestSQLiteStore_FrameRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	first := frameFixture("s1", "f1")
	first.TargetIDs = []string{"user-2", "agent-1"}
	if err := s.AppendFrame(ctx, first); err != nil {
		t.Fatalf("append f1 failed: %v", err)
	}
	second := frameFixture("s1", "f2")
	second.ParentID = "f1"
	if err := s.AppendFrame(ctx, second); err != nil {
		t.Fatalf("append f2 failed: %v", err)
	}

	frames, err := s.ListFrames(ctx, "s1", FrameListOptions{})
	if err != nil {
		t.Fatalf("ListFrames failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("ListFrames returned %d frames, want 2", len(frames))
	}
	if frames[0].ID != "f1" || frames[1].ID != "f2" {
		t.Errorf("order = [%s %s], want [f1 f2]", frames[0].ID, frames[1].ID)
	}
	if len(frames[0].TargetIDs) != 2 || frames[0].TargetIDs[0] != "user-2" {
		t.Errorf("TargetIDs = %v, want [user-2 agent-1]", frames[0].TargetIDs)
	}
	if frames[1].ParentID != "f1" {
		t.Errorf("ParentID = %q, want f1", frames[1].ParentID)
	}
	if string(frames[0].Payload) != `{"role":"user","content":"hello"}` {
		t.Errorf("Payload = %s", frames[0].Payload)
	}
}

func TestSQLiteStore_AppendFrameConstraints(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	if err := s.AppendFrame(ctx, frameFixture("s1", "f1")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := s.AppendFrame(ctx, frameFixture("s1", "f1")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate append error = %v, want ErrConflict", err)
	}
	if err := s.AppendFrame(ctx, frameFixture("ghost", "f2")); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to unknown session error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_AppendFrameMonotonicTimestamps(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	first := frameFixture("s1", "f1")
	first.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.AppendFrame(ctx, first); err != nil {
		t.Fatalf("append f1 failed: %v", err)
	}

	second := frameFixture("s1", "f2")
	second.Timestamp = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	if err := s.AppendFrame(ctx, second); err != nil {
		t.Fatalf("append f2 failed: %v", err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Errorf("timestamp %v sorts before log head %v", second.Timestamp, first.Timestamp)
	}
}

func TestSQLiteStore_ListFramesOptions(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	types := []models.FrameType{
		models.FrameMessage, models.FrameRequest, models.FrameResult,
		models.FrameMessage, models.FrameMessage,
	}
	for i, ft := range types {
		frame := frameFixture("s1", fmt.Sprintf("f%d", i))
		frame.Type = ft
		if err := s.AppendFrame(ctx, frame); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	t.Run("anchor type and limit combined", func(t *testing.T) {
		frames, err := s.ListFrames(ctx, "s1", FrameListOptions{
			SinceID: "f0",
			Types:   []models.FrameType{models.FrameMessage},
			Limit:   2,
		})
		if err != nil {
			t.Fatalf("ListFrames failed: %v", err)
		}
		if len(frames) != 2 || frames[0].ID != "f3" || frames[1].ID != "f4" {
			t.Errorf("frames = %v, want [f3 f4]", frameIDs(frames))
		}
	})

	t.Run("unknown anchor yields empty page", func(t *testing.T) {
		frames, err := s.ListFrames(ctx, "s1", FrameListOptions{SinceID: "missing"})
		if err != nil {
			t.Fatalf("ListFrames failed: %v", err)
		}
		if len(frames) != 0 {
			t.Errorf("frames = %v, want none", frameIDs(frames))
		}
	})
}

func TestSQLiteStore_ListFramesMissingSession(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.ListFrames(ctx, "ghost", FrameListOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListFrames(ghost) error = %v, want ErrNotFound", err)
	}

	seedSession(t, s, "s1", "user-1")
	frames, err := s.ListFrames(ctx, "s1", FrameListOptions{})
	if err != nil {
		t.Fatalf("ListFrames on empty log failed: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("empty log returned %d frames", len(frames))
	}
}

func TestSQLiteStore_DeleteSessionCascades(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	if err := s.AppendFrame(ctx, frameFixture("s1", "f1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AddParticipant(ctx, &models.Participant{
		SessionID:       "s1",
		ParticipantType: models.ParticipantUser,
		ParticipantID:   "user-1",
		Role:            models.RoleOwner,
	}); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	sessionRule := &models.PermissionRule{
		OwnerUserID:  "user-1",
		SessionID:    "s1",
		SubjectType:  models.SubjectAny,
		ResourceType: models.ResourceCommand,
		ResourceName: "grep",
		Action:       models.ActionAllow,
		Scope:        models.ScopeSession,
	}
	if err := s.CreateRule(ctx, sessionRule); err != nil {
		t.Fatalf("CreateRule(session) failed: %v", err)
	}
	permanentRule := &models.PermissionRule{
		OwnerUserID:  "user-1",
		SubjectType:  models.SubjectAny,
		ResourceType: models.ResourceCommand,
		ResourceName: "ls",
		Action:       models.ActionAllow,
		Scope:        models.ScopePermanent,
	}
	if err := s.CreateRule(ctx, permanentRule); err != nil {
		t.Fatalf("CreateRule(permanent) failed: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	rules, err := s.ListRulesByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListRulesByOwner failed: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != permanentRule.ID {
		t.Errorf("rules after cascade = %v, want only the permanent rule", ruleIDs(rules))
	}

	// Re-creating the same session id proves the old rows are gone rather
	// than orphaned.
	seedSession(t, s, "s1", "user-1")
	frames, err := s.ListFrames(ctx, "s1", FrameListOptions{})
	if err != nil {
		t.Fatalf("ListFrames failed: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("recreated session has %d frames, want 0", len(frames))
	}
	participants, err := s.ListParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 0 {
		t.Errorf("recreated session has %d participants, want 0", len(participants))
	}
}

func TestSQLiteStore_SearchFrames(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "mine", "user-1")
	seedSession(t, s, "theirs", "user-2")

	mine := frameFixture("mine", "f1")
	mine.Payload = json.RawMessage(`{"content":"deploy the canary"}`)
	if err := s.AppendFrame(ctx, mine); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	other := frameFixture("theirs", "f2")
	other.Payload = json.RawMessage(`{"content":"deploy the canary"}`)
	if err := s.AppendFrame(ctx, other); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := s.SearchFrames(ctx, "user-1", "canary", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFrames failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("SearchFrames returned %d frames, want 1 (owner scoped)", len(got))
	}
	if got[0].ID != "f1" {
		t.Errorf("match ID = %q, want f1", got[0].ID)
	}
	if got[0].SessionName != "session mine" {
		t.Errorf("SessionName = %q, want %q", got[0].SessionName, "session mine")
	}

	none, err := s.SearchFrames(ctx, "user-1", "no such text", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFrames failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("SearchFrames returned %d frames, want 0", len(none))
	}
}

func TestSQLiteStore_ListRulesCandidates(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "user-1")

	permanent := &models.PermissionRule{
		OwnerUserID:  "user-1",
		SubjectType:  models.SubjectAgent,
		SubjectID:    "agent-1",
		ResourceType: models.ResourceCommand,
		ResourceName: "grep",
		Action:       models.ActionAllow,
		Scope:        models.ScopePermanent,
	}
	session := &models.PermissionRule{
		OwnerUserID:  "user-1",
		SessionID:    "s1",
		SubjectType:  models.SubjectAny,
		ResourceType: models.ResourceCommand,
		Action:       models.ActionDeny,
		Scope:        models.ScopeSession,
	}
	otherOwner := &models.PermissionRule{
		OwnerUserID:  "user-2",
		SubjectType:  models.SubjectAgent,
		SubjectID:    "agent-1",
		ResourceType: models.ResourceCommand,
		ResourceName: "grep",
		Action:       models.ActionAllow,
		Scope:        models.ScopePermanent,
	}
	otherResource := &models.PermissionRule{
		OwnerUserID:  "user-1",
		SubjectType:  models.SubjectAgent,
		SubjectID:    "agent-1",
		ResourceType: models.ResourceCommand,
		ResourceName: "rm",
		Action:       models.ActionAllow,
		Scope:        models.ScopePermanent,
	}
	for _, rule := range []*models.PermissionRule{permanent, session, otherOwner, otherResource} {
		if err := s.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}
	}

	got, err := s.ListRules(ctx, RuleQuery{
		OwnerUserID:  "user-1",
		SessionID:    "s1",
		SubjectType:  models.SubjectAgent,
		SubjectID:    "agent-1",
		ResourceType: models.ResourceCommand,
		ResourceName: "grep",
	})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	found := map[string]bool{}
	for _, rule := range got {
		found[rule.ID] = true
	}
	if len(got) != 2 || !found[permanent.ID] || !found[session.ID] {
		t.Errorf("ListRules returned %v, want the permanent and session rules", ruleIDs(got))
	}
}

func TestSQLiteStore_APIKeyLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	key := &models.APIKey{
		ID:     "key-1",
		UserID: "user-1",
		Name:   "ci",
		Prefix: "hero_ab",
		Hash:   "hash-1",
		Scopes: []string{"admin", "chat"},
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash failed: %v", err)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "admin" {
		t.Errorf("Scopes = %v, want [admin chat]", got.Scopes)
	}
	if !got.LastUsedAt.IsZero() {
		t.Errorf("LastUsedAt = %v, want zero", got.LastUsedAt)
	}

	usedAt := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := s.TouchAPIKey(ctx, "key-1", usedAt); err != nil {
		t.Fatalf("TouchAPIKey failed: %v", err)
	}
	got, err = s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash failed: %v", err)
	}
	if !got.LastUsedAt.Equal(usedAt) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, usedAt)
	}

	if err := s.DeleteAPIKey(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("DeleteAPIKey failed: %v", err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAPIKeyByHash after delete error = %v, want ErrNotFound", err)
	}

	expired := &models.APIKey{ID: "key-2", UserID: "user-1", Name: "old", Hash: "hash-2", ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	forever := &models.APIKey{ID: "key-3", UserID: "user-1", Name: "forever", Hash: "hash-3"}
	for _, k := range []*models.APIKey{expired, forever} {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey failed: %v", err)
		}
	}
	purged, err := s.PurgeExpiredAPIKeys(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeExpiredAPIKeys failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d keys, want 1", purged)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "hash-3"); err != nil {
		t.Errorf("key without expiry purged: %v", err)
	}
}

func TestSQLiteStore_MagicLinks(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	link := &models.MagicLink{ID: "m1", Email: "kim@example.com", ExpiresAt: now.Add(15 * time.Minute)}
	if err := s.CreateMagicLink(ctx, link); err != nil {
		t.Fatalf("CreateMagicLink failed: %v", err)
	}

	consumed, err := s.ConsumeMagicLink(ctx, "m1", now)
	if err != nil {
		t.Fatalf("ConsumeMagicLink failed: %v", err)
	}
	if consumed.Email != "kim@example.com" {
		t.Errorf("Email = %q, want kim@example.com", consumed.Email)
	}
	if _, err := s.ConsumeMagicLink(ctx, "m1", now); !errors.Is(err, ErrConflict) {
		t.Errorf("second consume error = %v, want ErrConflict", err)
	}
	if _, err := s.ConsumeMagicLink(ctx, "ghost", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown link error = %v, want ErrNotFound", err)
	}

	stale := &models.MagicLink{ID: "m2", Email: "kim@example.com", ExpiresAt: now.Add(-48 * time.Hour)}
	if err := s.CreateMagicLink(ctx, stale); err != nil {
		t.Fatalf("CreateMagicLink failed: %v", err)
	}
	purged, err := s.PurgeExpiredMagicLinks(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredMagicLinks failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d links, want 1", purged)
	}
}

func frameIDs(frames []*models.Frame) []string {
	ids := make([]string, 0, len(frames))
	for _, frame := range frames {
		ids = append(ids, frame.ID)
	}
	return ids
}

func ruleIDs(rules []*models.PermissionRule) []string {
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	return ids
}
