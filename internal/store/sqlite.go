package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/herolabs/hero/pkg/models"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path to the database file. Empty means an in-memory database.
	Path string
}

// SQLiteStore is a single-node backend on a local SQLite file. Timestamps are
// stored as integer nanoseconds so range queries and ordering compare
// numerically regardless of driver text formats.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at cfg.Path and ensures the
// schema exists.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a second connection would only add lock
	// contention on the single file.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT,
			password_hash TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT,
			model TEXT,
			provider TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			agent_id TEXT,
			name TEXT,
			status TEXT NOT NULL,
			parent_session_id TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_user_id, updated_at);

		CREATE TABLE IF NOT EXISTS frames (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			parent_id TEXT,
			target_ids TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			author_type TEXT NOT NULL,
			author_id TEXT,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id, ts, seq);

		CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			role TEXT NOT NULL,
			alias TEXT,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, type, participant_id)
		);

		CREATE TABLE IF NOT EXISTS permission_rules (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT,
			session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			subject_type TEXT NOT NULL,
			subject_id TEXT,
			resource_type TEXT NOT NULL,
			resource_name TEXT,
			action TEXT NOT NULL,
			scope TEXT NOT NULL,
			conditions TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_owner ON permission_rules(owner_user_id);
		CREATE INDEX IF NOT EXISTS idx_rules_session ON permission_rules(session_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			prefix TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			scopes TEXT,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER,
			expires_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

		CREATE TABLE IF NOT EXISTS magic_links (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			used_at INTEGER,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// The modernc driver surfaces constraint failures as formatted messages, not
// typed errors, so classification matches on the constraint name.
func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: toNanos(t), Valid: !t.IsZero()}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = models.NewFrameID()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	if session.Status == "" {
		session.Status = models.SessionActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.OwnerUserID,
		session.AgentID,
		session.Name,
		session.Status,
		nullString(session.ParentSessionID),
		session.InputTokens,
		session.OutputTokens,
		toNanos(session.CreatedAt),
		toNanos(session.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("create session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, id)

	session, err := scanSQLiteSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func scanSQLiteSession(scan func(dest ...interface{}) error) (*models.Session, error) {
	session := &models.Session{}
	var parent sql.NullString
	var createdAt, updatedAt int64

	if err := scan(
		&session.ID,
		&session.OwnerUserID,
		&session.AgentID,
		&session.Name,
		&session.Status,
		&parent,
		&session.InputTokens,
		&session.OutputTokens,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	session.ParentSessionID = parent.String
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updatedAt)
	return session, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, name = ?, status = ?, updated_at = ? WHERE id = ?
	`, session.AgentID, session.Name, session.Status, toNanos(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerUserID string, opts SessionListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at
		FROM sessions
		WHERE owner_user_id = ?
	`
	args := []interface{}{ownerUserID}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	query += " ORDER BY updated_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSQLiteSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) AddSessionTokens(ctx context.Context, id string, input, output int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ? WHERE id = ?
	`, input, output, toNanos(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to add session tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check token update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- frames ---

func (s *SQLiteStore) AppendFrame(ctx context.Context, frame *models.Frame) error {
	if frame.ID == "" {
		frame.ID = models.NewFrameID()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}

	targetsJSON, err := json.Marshal(frame.TargetIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal target ids: %w", err)
	}

	var ts int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO frames (id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload)
		SELECT ?, ?, ?, ?,
		       max(?, coalesce((SELECT max(ts) FROM frames WHERE session_id = ?), 0)),
		       ?, ?, ?, ?
		RETURNING ts
	`,
		frame.ID,
		frame.SessionID,
		nullString(frame.ParentID),
		string(targetsJSON),
		toNanos(frame.Timestamp),
		frame.SessionID,
		frame.Type,
		frame.AuthorType,
		nullString(frame.AuthorID),
		string(frame.Payload),
	).Scan(&ts)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("frame %s: %w", frame.ID, ErrConflict)
		}
		if isSQLiteForeignKey(err) {
			return fmt.Errorf("session %s: %w", frame.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to append frame: %w", err)
	}
	frame.Timestamp = fromNanos(ts)
	return nil
}

func (s *SQLiteStore) ListFrames(ctx context.Context, sessionID string, opts FrameListOptions) ([]*models.Frame, error) {
	query := `
		SELECT id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload
		FROM frames
		WHERE session_id = ?
	`
	args := []interface{}{sessionID}

	if opts.SinceID != "" {
		query += " AND seq > (SELECT seq FROM frames WHERE id = ?)"
		args = append(args, opts.SinceID)
	}
	if len(opts.Types) > 0 {
		query += " AND type IN (" + placeholders(len(opts.Types)) + ")"
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY ts, seq"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	frames, err := scanSQLiteFrames(rows, false)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = ?)`, sessionID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
	}
	return frames, nil
}

func (s *SQLiteStore) SearchFrames(ctx context.Context, userID, query string, opts SearchOptions) ([]*models.Frame, error) {
	q := `
		SELECT f.id, f.session_id, f.parent_id, f.target_ids, f.ts, f.type, f.author_type, f.author_id, f.payload, s.name
		FROM frames f
		JOIN sessions s ON s.id = f.session_id
		WHERE s.owner_user_id = ?
		  AND (? = '' OR instr(f.payload, ?) > 0)
	`
	args := []interface{}{userID, query, query}

	if opts.SessionID != "" {
		q += " AND f.session_id = ?"
		args = append(args, opts.SessionID)
	}
	if len(opts.Types) > 0 {
		q += " AND f.type IN (" + placeholders(len(opts.Types)) + ")"
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	q += " ORDER BY f.ts DESC, f.seq DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search frames: %w", err)
	}
	defer rows.Close()

	return scanSQLiteFrames(rows, true)
}

func scanSQLiteFrames(rows *sql.Rows, withSessionName bool) ([]*models.Frame, error) {
	var frames []*models.Frame
	for rows.Next() {
		frame := &models.Frame{}
		var parentID, authorID, targetsJSON, payload sql.NullString
		var ts int64

		dest := []interface{}{
			&frame.ID,
			&frame.SessionID,
			&parentID,
			&targetsJSON,
			&ts,
			&frame.Type,
			&frame.AuthorType,
			&authorID,
			&payload,
		}
		if withSessionName {
			dest = append(dest, &frame.SessionName)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frame.ParentID = parentID.String
		frame.AuthorID = authorID.String
		frame.Timestamp = fromNanos(ts)
		if targetsJSON.String != "" && targetsJSON.String != "null" {
			if err := json.Unmarshal([]byte(targetsJSON.String), &frame.TargetIDs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal target ids: %w", err)
			}
		}
		if payload.String != "" {
			frame.Payload = json.RawMessage(payload.String)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}
	return frames, nil
}

// --- participants ---

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, type, participant_id, role, alias, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.SessionID, p.ParticipantType, p.ParticipantID, p.Role, nullString(p.Alias), toNanos(p.JoinedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("participant %s/%s: %w", p.ParticipantType, p.ParticipantID, ErrConflict)
		}
		if isSQLiteForeignKey(err) {
			return fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveParticipant(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM participants WHERE session_id = ? AND type = ? AND participant_id = ?
	`, sessionID, ptype, participantID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check remove result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("participant %s/%s: %w", ptype, participantID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateParticipantRole(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string, role models.ParticipantRole) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET role = ? WHERE session_id = ? AND type = ? AND participant_id = ?
	`, role, sessionID, ptype, participantID)
	if err != nil {
		return fmt.Errorf("failed to update participant role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check role update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("participant %s/%s: %w", ptype, participantID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, type, participant_id, role, alias, joined_at
		FROM participants
		WHERE session_id = ?
		ORDER BY joined_at, participant_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		p := &models.Participant{}
		var alias sql.NullString
		var joinedAt int64
		if err := rows.Scan(&p.SessionID, &p.ParticipantType, &p.ParticipantID, &p.Role, &alias, &joinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Alias = alias.String
		p.JoinedAt = fromNanos(joinedAt)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return participants, nil
}

// --- permission rules ---

func (s *SQLiteStore) CreateRule(ctx context.Context, rule *models.PermissionRule) error {
	if rule.ID == "" {
		rule.ID = models.NewFrameID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var conditions sql.NullString
	if len(rule.Conditions) > 0 {
		conditions = sql.NullString{String: string(rule.Conditions), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_rules (id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID,
		nullString(rule.OwnerUserID),
		nullString(rule.SessionID),
		rule.SubjectType,
		nullString(rule.SubjectID),
		rule.ResourceType,
		nullString(rule.ResourceName),
		rule.Action,
		rule.Scope,
		conditions,
		rule.Priority,
		toNanos(rule.CreatedAt),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrConflict)
		}
		if isSQLiteForeignKey(err) {
			return fmt.Errorf("session %s: %w", rule.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM permission_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListRules(ctx context.Context, q RuleQuery) ([]*models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at
		FROM permission_rules
		WHERE subject_type IN ('*', ?)
		  AND (subject_id IS NULL OR subject_id = ?)
		  AND resource_type IN ('*', ?)
		  AND (resource_name IS NULL OR resource_name = ?)
		  AND (
		       (scope = 'permanent' AND owner_user_id = ?)
		    OR (scope = 'session' AND session_id = ?)
		    OR (scope = 'once'
		        AND (owner_user_id IS NULL OR owner_user_id = ?)
		        AND (session_id IS NULL OR session_id = ?))
		  )
		ORDER BY created_at DESC, id DESC
	`, q.SubjectType, q.SubjectID, q.ResourceType, q.ResourceName,
		q.OwnerUserID, q.SessionID, q.OwnerUserID, q.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	return scanSQLiteRules(rows)
}

func (s *SQLiteStore) ListRulesByOwner(ctx context.Context, ownerUserID string) ([]*models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at
		FROM permission_rules
		WHERE owner_user_id = ?
		ORDER BY created_at DESC, id DESC
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanSQLiteRules(rows)
}

func scanSQLiteRules(rows *sql.Rows) ([]*models.PermissionRule, error) {
	var rules []*models.PermissionRule
	for rows.Next() {
		rule := &models.PermissionRule{}
		var owner, session, subjectID, resourceName, conditions sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&rule.ID,
			&owner,
			&session,
			&rule.SubjectType,
			&subjectID,
			&rule.ResourceType,
			&resourceName,
			&rule.Action,
			&rule.Scope,
			&conditions,
			&rule.Priority,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.OwnerUserID = owner.String
		rule.SessionID = session.String
		rule.SubjectID = subjectID.String
		rule.ResourceName = resourceName.String
		rule.CreatedAt = fromNanos(createdAt)
		if conditions.String != "" && conditions.String != "null" {
			rule.Conditions = json.RawMessage(conditions.String)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// --- agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = models.NewFrameID()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = agent.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_user_id, name, system_prompt, model, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.OwnerUserID, agent.Name, nullString(agent.SystemPrompt), nullString(agent.Model), nullString(agent.Provider), toNanos(agent.CreatedAt), toNanos(agent.UpdatedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("agent %s: %w", agent.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, system_prompt, model, provider, created_at, updated_at
		FROM agents
		WHERE id = ?
	`, id)

	agent, err := scanSQLiteAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, system_prompt = ?, model = ?, provider = ?, updated_at = ? WHERE id = ?
	`, agent.Name, nullString(agent.SystemPrompt), nullString(agent.Model), nullString(agent.Provider), toNanos(agent.UpdatedAt), agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check agent update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, ownerUserID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND owner_user_id = ?`, id, ownerUserID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, ownerUserID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, system_prompt, model, provider, created_at, updated_at
		FROM agents
		WHERE owner_user_id = ?
		ORDER BY created_at, id
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

func scanSQLiteAgent(scan func(dest ...interface{}) error) (*models.Agent, error) {
	agent := &models.Agent{}
	var systemPrompt, model, provider sql.NullString
	var createdAt, updatedAt int64

	if err := scan(&agent.ID, &agent.OwnerUserID, &agent.Name, &systemPrompt, &model, &provider, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	agent.SystemPrompt = systemPrompt.String
	agent.Model = model.String
	agent.Provider = provider.String
	agent.CreatedAt = fromNanos(createdAt)
	agent.UpdatedAt = fromNanos(updatedAt)
	return agent, nil
}

// --- users and credentials ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = models.NewFrameID()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, nullString(user.DisplayName), nullString(user.PasswordHash), toNanos(user.CreatedAt), toNanos(user.UpdatedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("user %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `WHERE email = ?`, email)
}

func (s *SQLiteStore) getUser(ctx context.Context, where, arg string) (*models.User, error) {
	user := &models.User{}
	var displayName, passwordHash sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at, updated_at
		FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Email, &displayName, &passwordHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.DisplayName = displayName.String
	user.PasswordHash = passwordHash.String
	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return user, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, display_name = ?, password_hash = ?, updated_at = ? WHERE id = ?
	`, user.Email, nullString(user.DisplayName), nullString(user.PasswordHash), toNanos(user.UpdatedAt), user.ID)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("user email %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check user update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = models.NewFrameID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, prefix, hash, scopes, created_at, last_used_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, key.ID, key.UserID, key.Name, key.Prefix, key.Hash, string(scopesJSON), toNanos(key.CreatedAt), nullNanos(key.LastUsedAt), nullNanos(key.ExpiresAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("api key %s: %w", key.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, prefix, hash, scopes, created_at, last_used_at, expires_at
		FROM api_keys
		WHERE hash = ?
	`, hash)

	key, err := scanSQLiteAPIKey(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, prefix, hash, scopes, created_at, last_used_at, expires_at
		FROM api_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanSQLiteAPIKey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api keys: %w", err)
	}
	return keys, nil
}

func scanSQLiteAPIKey(scan func(dest ...interface{}) error) (*models.APIKey, error) {
	key := &models.APIKey{}
	var scopesJSON sql.NullString
	var createdAt int64
	var lastUsed, expires sql.NullInt64

	if err := scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.Hash, &scopesJSON, &createdAt, &lastUsed, &expires); err != nil {
		return nil, err
	}
	if scopesJSON.String != "" && scopesJSON.String != "null" {
		if err := json.Unmarshal([]byte(scopesJSON.String), &key.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	key.CreatedAt = fromNanos(createdAt)
	key.LastUsedAt = fromNanos(lastUsed.Int64)
	key.ExpiresAt = fromNanos(expires.Int64)
	return key, nil
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, toNanos(usedAt), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check touch result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpiredAPIKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge api keys: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged keys: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) CreateMagicLink(ctx context.Context, link *models.MagicLink) error {
	if link.ID == "" {
		link.ID = models.NewFrameID()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (id, email, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, link.ID, link.Email, toNanos(link.ExpiresAt), nullNanos(link.UsedAt), toNanos(link.CreatedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("magic link %s: %w", link.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create magic link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeMagicLink(ctx context.Context, id string, usedAt time.Time) (*models.MagicLink, error) {
	link := &models.MagicLink{}
	var expiresAt, createdAt int64
	var used sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_links
		SET used_at = ?
		WHERE id = ? AND used_at IS NULL
		RETURNING id, email, expires_at, used_at, created_at
	`, toNanos(usedAt), id).Scan(&link.ID, &link.Email, &expiresAt, &used, &createdAt)
	if err == sql.ErrNoRows {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM magic_links WHERE id = ?)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check magic link: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("magic link %s already used: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("magic link %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume magic link: %w", err)
	}
	link.ExpiresAt = fromNanos(expiresAt)
	link.UsedAt = fromNanos(used.Int64)
	link.CreatedAt = fromNanos(createdAt)
	return link, nil
}

func (s *SQLiteStore) PurgeExpiredMagicLinks(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_links WHERE expires_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge magic links: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged links: %w", err)
	}
	return removed, nil
}
