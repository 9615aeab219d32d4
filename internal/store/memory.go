package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herolabs/hero/pkg/models"
)

// MemoryStore keeps everything in process memory. It is safe for concurrent
// use and is the backend of choice for tests and throwaway local runs.
type MemoryStore struct {
	mu sync.RWMutex

	sessions     map[string]*models.Session
	frames       map[string][]*models.Frame // session id -> insertion order
	frameIDs     map[string]string          // frame id -> session id
	lastFrameTS  map[string]time.Time       // session id -> newest timestamp
	participants map[string][]*models.Participant
	rules        map[string]*models.PermissionRule
	agents       map[string]*models.Agent
	users        map[string]*models.User
	usersByEmail map[string]string
	apiKeys      map[string]*models.APIKey
	keysByHash   map[string]string
	magicLinks   map[string]*models.MagicLink
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*models.Session),
		frames:       make(map[string][]*models.Frame),
		frameIDs:     make(map[string]string),
		lastFrameTS:  make(map[string]time.Time),
		participants: make(map[string][]*models.Participant),
		rules:        make(map[string]*models.PermissionRule),
		agents:       make(map[string]*models.Agent),
		users:        make(map[string]*models.User),
		usersByEmail: make(map[string]string),
		apiKeys:      make(map[string]*models.APIKey),
		keysByHash:   make(map[string]string),
		magicLinks:   make(map[string]*models.MagicLink),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- sessions ---

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.sessions[clone.ID]; exists {
		return fmt.Errorf("create session %s: %w", clone.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.SessionActive
	}
	s.sessions[clone.ID] = clone

	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	session.Status = clone.Status
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = clone

	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(s.sessions, id)
	for _, frame := range s.frames[id] {
		delete(s.frameIDs, frame.ID)
	}
	delete(s.frames, id)
	delete(s.lastFrameTS, id)
	delete(s.participants, id)
	for ruleID, rule := range s.rules {
		if rule.SessionID == id && rule.Scope != models.ScopePermanent {
			delete(s.rules, ruleID)
		}
	}
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, ownerUserID string, opts SessionListOptions) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.OwnerUserID != ownerUserID {
			continue
		}
		if opts.Status != "" && session.Status != opts.Status {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *MemoryStore) AddSessionTokens(ctx context.Context, id string, input, output int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	session.InputTokens += input
	session.OutputTokens += output
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// --- frames ---

func (s *MemoryStore) AppendFrame(ctx context.Context, frame *models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[frame.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", frame.SessionID, ErrNotFound)
	}
	clone := cloneFrame(frame)
	if clone.ID == "" {
		clone.ID = models.NewFrameID()
	}
	if _, exists := s.frameIDs[clone.ID]; exists {
		return fmt.Errorf("frame %s: %w", clone.ID, ErrConflict)
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	// The log is ordered by timestamp; never let a new frame sort before
	// one already appended to the same session.
	if last := s.lastFrameTS[clone.SessionID]; clone.Timestamp.Before(last) {
		clone.Timestamp = last
	}
	s.lastFrameTS[clone.SessionID] = clone.Timestamp
	s.frames[clone.SessionID] = append(s.frames[clone.SessionID], clone)
	s.frameIDs[clone.ID] = clone.SessionID

	frame.ID = clone.ID
	frame.Timestamp = clone.Timestamp
	return nil
}

func (s *MemoryStore) ListFrames(ctx context.Context, sessionID string, opts FrameListOptions) ([]*models.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	log := s.frames[sessionID]

	start := 0
	if opts.SinceID != "" {
		// Unknown anchors yield an empty page rather than replaying the
		// whole log at the client.
		start = len(log)
		for i, frame := range log {
			if frame.ID == opts.SinceID {
				start = i + 1
				break
			}
		}
	}

	var out []*models.Frame
	for _, frame := range log[start:] {
		if !matchesTypes(frame.Type, opts.Types) {
			continue
		}
		out = append(out, cloneFrame(frame))
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *MemoryStore) SearchFrames(ctx context.Context, userID, query string, opts SearchOptions) ([]*models.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Frame
	for sessionID, log := range s.frames {
		session, ok := s.sessions[sessionID]
		if !ok || session.OwnerUserID != userID {
			continue
		}
		if opts.SessionID != "" && sessionID != opts.SessionID {
			continue
		}
		for _, frame := range log {
			if !matchesTypes(frame.Type, opts.Types) {
				continue
			}
			if query != "" && !strings.Contains(string(frame.Payload), query) {
				continue
			}
			match := cloneFrame(frame)
			match.SessionName = session.Name
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// --- participants ---

func (s *MemoryStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[p.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
	}
	for _, existing := range s.participants[p.SessionID] {
		if existing.ParticipantType == p.ParticipantType && existing.ParticipantID == p.ParticipantID {
			return fmt.Errorf("participant %s/%s: %w", p.ParticipantType, p.ParticipantID, ErrConflict)
		}
	}
	clone := cloneParticipant(p)
	if clone.JoinedAt.IsZero() {
		clone.JoinedAt = time.Now().UTC()
	}
	s.participants[p.SessionID] = append(s.participants[p.SessionID], clone)

	p.JoinedAt = clone.JoinedAt
	return nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.participants[sessionID]
	for i, existing := range list {
		if existing.ParticipantType == ptype && existing.ParticipantID == participantID {
			s.participants[sessionID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("participant %s/%s: %w", ptype, participantID, ErrNotFound)
}

func (s *MemoryStore) UpdateParticipantRole(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string, role models.ParticipantRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.participants[sessionID] {
		if existing.ParticipantType == ptype && existing.ParticipantID == participantID {
			existing.Role = role
			return nil
		}
	}
	return fmt.Errorf("participant %s/%s: %w", ptype, participantID, ErrNotFound)
}

func (s *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.participants[sessionID]
	out := make([]*models.Participant, 0, len(list))
	for _, p := range list {
		out = append(out, cloneParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// --- permission rules ---

func (s *MemoryStore) CreateRule(ctx context.Context, rule *models.PermissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneRule(rule)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.rules[clone.ID]; exists {
		return fmt.Errorf("rule %s: %w", clone.ID, ErrConflict)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.rules[clone.ID] = clone

	rule.ID = clone.ID
	rule.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context, q RuleQuery) ([]*models.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PermissionRule
	for _, rule := range s.rules {
		if ruleMatchesQuery(rule, q) {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListRulesByOwner(ctx context.Context, ownerUserID string) ([]*models.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PermissionRule
	for _, rule := range s.rules {
		if rule.OwnerUserID == ownerUserID {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func ruleMatchesQuery(rule *models.PermissionRule, q RuleQuery) bool {
	if rule.SubjectType != models.SubjectAny && rule.SubjectType != q.SubjectType {
		return false
	}
	if rule.SubjectID != "" && rule.SubjectID != q.SubjectID {
		return false
	}
	if rule.ResourceType != models.ResourceAny && rule.ResourceType != q.ResourceType {
		return false
	}
	if rule.ResourceName != "" && rule.ResourceName != q.ResourceName {
		return false
	}
	switch rule.Scope {
	case models.ScopePermanent:
		return rule.OwnerUserID == q.OwnerUserID
	case models.ScopeSession:
		return rule.SessionID == q.SessionID
	case models.ScopeOnce:
		if rule.OwnerUserID != "" && rule.OwnerUserID != q.OwnerUserID {
			return false
		}
		if rule.SessionID != "" && rule.SessionID != q.SessionID {
			return false
		}
		return true
	default:
		return false
	}
}

// --- agents ---

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneAgent(agent)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.agents[clone.ID]; exists {
		return fmt.Errorf("agent %s: %w", clone.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	s.agents[clone.ID] = clone

	agent.ID = clone.ID
	agent.CreatedAt = clone.CreatedAt
	agent.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrNotFound)
	}
	clone := cloneAgent(agent)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = clone

	agent.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, ownerUserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok || agent.OwnerUserID != ownerUserID {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, ownerUserID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Agent
	for _, agent := range s.agents {
		if agent.OwnerUserID == ownerUserID {
			out = append(out, cloneAgent(agent))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- users and credentials ---

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneUser(user)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.users[clone.ID]; exists {
		return fmt.Errorf("user %s: %w", clone.ID, ErrConflict)
	}
	if _, exists := s.usersByEmail[clone.Email]; exists {
		return fmt.Errorf("user email %s: %w", clone.Email, ErrConflict)
	}
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	s.users[clone.ID] = clone
	s.usersByEmail[clone.Email] = clone.ID

	user.ID = clone.ID
	user.CreatedAt = clone.CreatedAt
	user.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("user email %s: %w", email, ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	if existing.Email != user.Email {
		if _, taken := s.usersByEmail[user.Email]; taken {
			return fmt.Errorf("user email %s: %w", user.Email, ErrConflict)
		}
		delete(s.usersByEmail, existing.Email)
		s.usersByEmail[user.Email] = user.ID
	}
	clone := cloneUser(user)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now().UTC()
	s.users[user.ID] = clone

	user.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneAPIKey(key)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.apiKeys[clone.ID]; exists {
		return fmt.Errorf("api key %s: %w", clone.ID, ErrConflict)
	}
	if _, exists := s.keysByHash[clone.Hash]; exists {
		return fmt.Errorf("api key hash: %w", ErrConflict)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.apiKeys[clone.ID] = clone
	s.keysByHash[clone.Hash] = clone.ID

	key.ID = clone.ID
	key.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return cloneAPIKey(s.apiKeys[id]), nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.APIKey
	for _, key := range s.apiKeys {
		if key.UserID == userID {
			out = append(out, cloneAPIKey(key))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok || key.UserID != userID {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	delete(s.apiKeys, id)
	delete(s.keysByHash, key.Hash)
	return nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	key.LastUsedAt = usedAt
	return nil
}

func (s *MemoryStore) PurgeExpiredAPIKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, key := range s.apiKeys {
		if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(cutoff) {
			delete(s.apiKeys, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CreateMagicLink(ctx context.Context, link *models.MagicLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneMagicLink(link)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.magicLinks[clone.ID]; exists {
		return fmt.Errorf("magic link %s: %w", clone.ID, ErrConflict)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.magicLinks[clone.ID] = clone

	link.ID = clone.ID
	link.CreatedAt = clone.CreatedAt
	return nil
}

func (s *MemoryStore) ConsumeMagicLink(ctx context.Context, id string, usedAt time.Time) (*models.MagicLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.magicLinks[id]
	if !ok {
		return nil, fmt.Errorf("magic link %s: %w", id, ErrNotFound)
	}
	if link.Used() {
		return nil, fmt.Errorf("magic link %s already used: %w", id, ErrConflict)
	}
	link.UsedAt = usedAt
	return cloneMagicLink(link), nil
}

func (s *MemoryStore) PurgeExpiredMagicLinks(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, link := range s.magicLinks {
		if link.ExpiresAt.Before(cutoff) {
			delete(s.magicLinks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- helpers ---

func matchesTypes(t models.FrameType, types []models.FrameType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	return &clone
}

func cloneFrame(f *models.Frame) *models.Frame {
	clone := *f
	if f.Payload != nil {
		clone.Payload = append([]byte(nil), f.Payload...)
	}
	return &clone
}

func cloneParticipant(p *models.Participant) *models.Participant {
	clone := *p
	return &clone
}

func cloneRule(r *models.PermissionRule) *models.PermissionRule {
	clone := *r
	if r.Conditions != nil {
		clone.Conditions = append([]byte(nil), r.Conditions...)
	}
	return &clone
}

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	return &clone
}

func cloneUser(u *models.User) *models.User {
	clone := *u
	return &clone
}

func cloneAPIKey(k *models.APIKey) *models.APIKey {
	clone := *k
	if k.Scopes != nil {
		clone.Scopes = append([]string(nil), k.Scopes...)
	}
	return &clone
}

func cloneMagicLink(l *models.MagicLink) *models.MagicLink {
	clone := *l
	return &clone
}
