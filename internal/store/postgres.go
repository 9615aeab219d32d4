package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/herolabs/hero/pkg/models"
)

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single server
// process.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// PostgresStore is the production backend. Hot-path frame statements are
// prepared once at startup; everything else runs as direct queries.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtAppendFrame   *sql.Stmt
	stmtAddTokens     *sql.Stmt
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing database handle. A nil config applies
// DefaultPostgresConfig.
func NewPostgresStore(db *sql.DB, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDSN opens a connection to the given DSN and verifies it
// with a ping before preparing statements.
func NewPostgresStoreFromDSN(ctx context.Context, dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store, err := NewPostgresStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	// New frames never sort before ones already appended to the session,
	// so the log stays readable in timestamp order.
	s.stmtAppendFrame, err = s.db.Prepare(`
		INSERT INTO frames (id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload)
		SELECT $1, $2, $3, $4,
		       GREATEST($5::timestamptz, COALESCE((SELECT MAX(ts) FROM frames WHERE session_id = $2), $5::timestamptz)),
		       $6, $7, $8, $9
		RETURNING ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append frame: %w", err)
	}

	s.stmtAddTokens, err = s.db.Prepare(`
		UPDATE sessions
		SET input_tokens = input_tokens + $2, output_tokens = output_tokens + $3, updated_at = $4
		WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare add tokens: %w", err)
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtCreateSession, s.stmtGetSession, s.stmtAppendFrame, s.stmtAddTokens} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
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

	_, err := s.stmtCreateSession.ExecContext(ctx,
		session.ID,
		session.OwnerUserID,
		session.AgentID,
		session.Name,
		session.Status,
		nullString(session.ParentSessionID),
		session.InputTokens,
		session.OutputTokens,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var parent sql.NullString

	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(
		&session.ID,
		&session.OwnerUserID,
		&session.AgentID,
		&session.Name,
		&session.Status,
		&parent,
		&session.InputTokens,
		&session.OutputTokens,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.ParentSessionID = parent.String
	return session, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET agent_id = $2, name = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, session.ID, session.AgentID, session.Name, session.Status, session.UpdatedAt)
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

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	// Frames, participants and session-bound rules cascade via foreign keys.
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
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

func (s *PostgresStore) ListSessions(ctx context.Context, ownerUserID string, opts SessionListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, owner_user_id, agent_id, name, status, parent_session_id, input_tokens, output_tokens, created_at, updated_at
		FROM sessions
		WHERE owner_user_id = $1
	`
	args := []interface{}{ownerUserID}
	argPos := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, opts.Status)
		argPos++
	}

	query += " ORDER BY updated_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var parent sql.NullString
		if err := rows.Scan(
			&session.ID,
			&session.OwnerUserID,
			&session.AgentID,
			&session.Name,
			&session.Status,
			&parent,
			&session.InputTokens,
			&session.OutputTokens,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.ParentSessionID = parent.String
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) AddSessionTokens(ctx context.Context, id string, input, output int64) error {
	result, err := s.stmtAddTokens.ExecContext(ctx, id, input, output, time.Now().UTC())
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

func (s *PostgresStore) AppendFrame(ctx context.Context, frame *models.Frame) error {
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

	err = s.stmtAppendFrame.QueryRowContext(ctx,
		frame.ID,
		frame.SessionID,
		nullString(frame.ParentID),
		targetsJSON,
		frame.Timestamp,
		frame.Type,
		frame.AuthorType,
		nullString(frame.AuthorID),
		[]byte(frame.Payload),
	).Scan(&frame.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("frame %s: %w", frame.ID, ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("session %s: %w", frame.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to append frame: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFrames(ctx context.Context, sessionID string, opts FrameListOptions) ([]*models.Frame, error) {
	query := `
		SELECT id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload
		FROM frames
		WHERE session_id = $1
	`
	args := []interface{}{sessionID}
	argPos := 2

	if opts.SinceID != "" {
		// An unknown anchor compares against NULL and matches nothing.
		query += fmt.Sprintf(" AND seq > (SELECT seq FROM frames WHERE id = $%d)", argPos)
		args = append(args, opts.SinceID)
		argPos++
	}
	if len(opts.Types) > 0 {
		query += fmt.Sprintf(" AND type = ANY($%d)", argPos)
		args = append(args, pq.Array(frameTypeStrings(opts.Types)))
		argPos++
	}

	query += " ORDER BY ts, seq"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	frames, err := scanFrames(rows, false)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		// Distinguish an empty log from a missing session.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
	}
	return frames, nil
}

func (s *PostgresStore) SearchFrames(ctx context.Context, userID, query string, opts SearchOptions) ([]*models.Frame, error) {
	q := `
		SELECT f.id, f.session_id, f.parent_id, f.target_ids, f.ts, f.type, f.author_type, f.author_id, f.payload, s.name
		FROM frames f
		JOIN sessions s ON s.id = f.session_id
		WHERE s.owner_user_id = $1
		  AND ($2 = '' OR position($2 in f.payload::text) > 0)
	`
	args := []interface{}{userID, query}
	argPos := 3

	if opts.SessionID != "" {
		q += fmt.Sprintf(" AND f.session_id = $%d", argPos)
		args = append(args, opts.SessionID)
		argPos++
	}
	if len(opts.Types) > 0 {
		q += fmt.Sprintf(" AND f.type = ANY($%d)", argPos)
		args = append(args, pq.Array(frameTypeStrings(opts.Types)))
		argPos++
	}

	q += " ORDER BY f.ts DESC, f.seq DESC"

	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search frames: %w", err)
	}
	defer rows.Close()

	return scanFrames(rows, true)
}

func scanFrames(rows *sql.Rows, withSessionName bool) ([]*models.Frame, error) {
	var frames []*models.Frame
	for rows.Next() {
		frame := &models.Frame{}
		var parentID, authorID sql.NullString
		var targetsJSON, payload []byte

		dest := []interface{}{
			&frame.ID,
			&frame.SessionID,
			&parentID,
			&targetsJSON,
			&frame.Timestamp,
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
		if len(targetsJSON) > 0 && string(targetsJSON) != "null" {
			if err := json.Unmarshal(targetsJSON, &frame.TargetIDs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal target ids: %w", err)
			}
		}
		if len(payload) > 0 {
			frame.Payload = json.RawMessage(payload)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}
	return frames, nil
}

// --- participants ---

func (s *PostgresStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, type, participant_id, role, alias, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.SessionID, p.ParticipantType, p.ParticipantID, p.Role, nullString(p.Alias), p.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("participant %s/%s: %w", p.ParticipantType, p.ParticipantID, ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
		}
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM participants WHERE session_id = $1 AND type = $2 AND participant_id = $3
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

func (s *PostgresStore) UpdateParticipantRole(ctx context.Context, sessionID string, ptype models.ParticipantType, participantID string, role models.ParticipantRole) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET role = $4 WHERE session_id = $1 AND type = $2 AND participant_id = $3
	`, sessionID, ptype, participantID, role)
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

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, type, participant_id, role, alias, joined_at
		FROM participants
		WHERE session_id = $1
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
		if err := rows.Scan(&p.SessionID, &p.ParticipantType, &p.ParticipantID, &p.Role, &alias, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Alias = alias.String
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return participants, nil
}

// --- permission rules ---

func (s *PostgresStore) CreateRule(ctx context.Context, rule *models.PermissionRule) error {
	if rule.ID == "" {
		rule.ID = models.NewFrameID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var conditions interface{}
	if len(rule.Conditions) > 0 {
		conditions = []byte(rule.Conditions)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_rules (id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
		rule.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM permission_rules WHERE id = $1`, id)
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

func (s *PostgresStore) ListRules(ctx context.Context, q RuleQuery) ([]*models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at
		FROM permission_rules
		WHERE subject_type IN ('*', $3)
		  AND (subject_id IS NULL OR subject_id = $4)
		  AND resource_type IN ('*', $5)
		  AND (resource_name IS NULL OR resource_name = $6)
		  AND (
		       (scope = 'permanent' AND owner_user_id = $1)
		    OR (scope = 'session' AND session_id = $2)
		    OR (scope = 'once'
		        AND (owner_user_id IS NULL OR owner_user_id = $1)
		        AND (session_id IS NULL OR session_id = $2))
		  )
		ORDER BY created_at DESC, id DESC
	`, q.OwnerUserID, q.SessionID, q.SubjectType, q.SubjectID, q.ResourceType, q.ResourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func (s *PostgresStore) ListRulesByOwner(ctx context.Context, ownerUserID string) ([]*models.PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at
		FROM permission_rules
		WHERE owner_user_id = $1
		ORDER BY created_at DESC, id DESC
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*models.PermissionRule, error) {
	var rules []*models.PermissionRule
	for rows.Next() {
		rule := &models.PermissionRule{}
		var owner, session, subjectID, resourceName sql.NullString
		var conditions []byte

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
			&rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.OwnerUserID = owner.String
		rule.SessionID = session.String
		rule.SubjectID = subjectID.String
		rule.ResourceName = resourceName.String
		if len(conditions) > 0 && string(conditions) != "null" {
			rule.Conditions = json.RawMessage(conditions)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// --- agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, agent.ID, agent.OwnerUserID, agent.Name, nullString(agent.SystemPrompt), nullString(agent.Model), nullString(agent.Provider), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %s: %w", agent.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var systemPrompt, model, provider sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, system_prompt, model, provider, created_at, updated_at
		FROM agents
		WHERE id = $1
	`, id).Scan(&agent.ID, &agent.OwnerUserID, &agent.Name, &systemPrompt, &model, &provider, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	agent.SystemPrompt = systemPrompt.String
	agent.Model = model.String
	agent.Provider = provider.String
	return agent, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $2, system_prompt = $3, model = $4, provider = $5, updated_at = $6
		WHERE id = $1
	`, agent.ID, agent.Name, nullString(agent.SystemPrompt), nullString(agent.Model), nullString(agent.Provider), agent.UpdatedAt)
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

func (s *PostgresStore) DeleteAgent(ctx context.Context, ownerUserID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID)
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

func (s *PostgresStore) ListAgents(ctx context.Context, ownerUserID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, system_prompt, model, provider, created_at, updated_at
		FROM agents
		WHERE owner_user_id = $1
		ORDER BY created_at, id
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var systemPrompt, model, provider sql.NullString

		if err := rows.Scan(&agent.ID, &agent.OwnerUserID, &agent.Name, &systemPrompt, &model, &provider, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent.SystemPrompt = systemPrompt.String
		agent.Model = model.String
		agent.Provider = provider.String
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// --- users and credentials ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, nullString(user.DisplayName), nullString(user.PasswordHash), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `WHERE email = $1`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, where, arg string) (*models.User, error) {
	user := &models.User{}
	var displayName, passwordHash sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at, updated_at
		FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Email, &displayName, &passwordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.DisplayName = displayName.String
	user.PasswordHash = passwordHash.String
	return user, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, display_name = $3, password_hash = $4, updated_at = $5
		WHERE id = $1
	`, user.ID, user.Email, nullString(user.DisplayName), nullString(user.PasswordHash), user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
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

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.UserID, key.Name, key.Prefix, key.Hash, scopesJSON, key.CreatedAt, nullTime(key.LastUsedAt), nullTime(key.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key %s: %w", key.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, prefix, hash, scopes, created_at, last_used_at, expires_at
		FROM api_keys
		WHERE hash = $1
	`, hash)

	key, err := scanAPIKey(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, prefix, hash, scopes, created_at, last_used_at, expires_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
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

func scanAPIKey(scan func(dest ...interface{}) error) (*models.APIKey, error) {
	key := &models.APIKey{}
	var scopesJSON []byte
	var lastUsed, expires sql.NullTime

	if err := scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.Hash, &scopesJSON, &key.CreatedAt, &lastUsed, &expires); err != nil {
		return nil, err
	}
	if len(scopesJSON) > 0 && string(scopesJSON) != "null" {
		if err := json.Unmarshal(scopesJSON, &key.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	key.LastUsedAt = lastUsed.Time
	key.ExpiresAt = expires.Time
	return key, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
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

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt)
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

func (s *PostgresStore) PurgeExpiredAPIKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge api keys: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged keys: %w", err)
	}
	return removed, nil
}

func (s *PostgresStore) CreateMagicLink(ctx context.Context, link *models.MagicLink) error {
	if link.ID == "" {
		link.ID = models.NewFrameID()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (id, email, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, link.ID, link.Email, link.ExpiresAt, nullTime(link.UsedAt), link.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("magic link %s: %w", link.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create magic link: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeMagicLink(ctx context.Context, id string, usedAt time.Time) (*models.MagicLink, error) {
	link := &models.MagicLink{}
	var used sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_links
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
		RETURNING id, email, expires_at, used_at, created_at
	`, id, usedAt).Scan(&link.ID, &link.Email, &link.ExpiresAt, &used, &link.CreatedAt)
	if err == sql.ErrNoRows {
		// Either unknown or already consumed; look again to tell them apart.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM magic_links WHERE id = $1)`, id).Scan(&exists); err != nil {
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
	link.UsedAt = used.Time
	return link, nil
}

func (s *PostgresStore) PurgeExpiredMagicLinks(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_links WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge magic links: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged links: %w", err)
	}
	return removed, nil
}

// --- helpers ---

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func frameTypeStrings(types []models.FrameType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
