// Package sqldb implements ports.StorageProvider over database/sql with sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/storage/dialect"
)

// Store is the SQL implementation of the storage ports. Agent configs are
// stored as JSON documents next to the columns queries filter on; the
// deployment_state column is authoritative over the document copy.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // Driver name: sqlite
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		// SQLite allows a single writer; serialize on one connection.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			config_id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			deployment_state TEXT NOT NULL,
			document TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (family_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS pointers (
			family_id TEXT PRIMARY KEY,
			active_config_id TEXT NOT NULL,
			current_version INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			last_updated TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id TEXT PRIMARY KEY,
			agent_family_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			last_active TIMESTAMP NOT NULL,
			audit_verdict TEXT,
			audit_reason TEXT,
			audit_priority TEXT,
			audit_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metrics TEXT,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_chat ON chat_turns(chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			component TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			state TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_chat ON workflow_events(chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			agent_config_id TEXT NOT NULL,
			score INTEGER NOT NULL,
			comment TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_stats (
			config_id TEXT PRIMARY KEY,
			likes INTEGER NOT NULL DEFAULT 0,
			dislikes INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset deletes every row of every table in one transaction.
func (s *Store) Reset(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for _, table := range []string{"chat_turns", "chats", "workflow_events", "feedback", "agent_stats", "pointers", "agents"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
		if err != nil {
			return 0, fmt.Errorf("failed to clear %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// --- agents ---

type agentRow struct {
	ConfigID        string    `db:"config_id"`
	DeploymentState string    `db:"deployment_state"`
	Document        string    `db:"document"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r agentRow) decode() (*domain.AgentConfig, error) {
	var cfg domain.AgentConfig
	if err := json.Unmarshal([]byte(r.Document), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent %s: %w", r.ConfigID, err)
	}
	cfg.DeploymentState = domain.DeploymentState(r.DeploymentState)
	return &cfg, nil
}

func (s *Store) GetAgent(ctx context.Context, configID string) (*domain.AgentConfig, error) {
	var row agentRow
	query := s.dialect.Rebind(`SELECT config_id, deployment_state, document, created_at
		FROM agents WHERE config_id = ?`)
	err := s.db.GetContext(ctx, &row, query, configID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", configID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return row.decode()
}

func (s *Store) CreateAgent(ctx context.Context, cfg *domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = s.now()
	}

	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO agents
		(config_id, family_id, version, deployment_state, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		cfg.ConfigID, cfg.AgentFamilyID, cfg.Version, string(cfg.DeploymentState),
		string(doc), cfg.CreatedAt, s.now())
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("agent %s: %w", cfg.ConfigID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *Store) SetDeploymentState(ctx context.Context, configID string, state domain.DeploymentState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown deployment state %q", state)
	}
	query := s.dialect.Rebind(`UPDATE agents SET deployment_state = ?, updated_at = ? WHERE config_id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(state), s.now(), configID)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	return requireRow(res, "agent "+configID)
}

func (s *Store) ListAgentVersions(ctx context.Context, familyID string) ([]*domain.AgentConfig, error) {
	var rows []agentRow
	query := s.dialect.Rebind(`SELECT config_id, deployment_state, document, created_at
		FROM agents WHERE family_id = ? ORDER BY version ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, familyID); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	out := make([]*domain.AgentConfig, 0, len(rows))
	for _, row := range rows {
		cfg, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Store) MaxVersion(ctx context.Context, familyID string) (int, error) {
	var max int
	query := s.dialect.Rebind(`SELECT COALESCE(MAX(version), 0) FROM agents WHERE family_id = ?`)
	if err := s.db.GetContext(ctx, &max, query, familyID); err != nil {
		return 0, fmt.Errorf("failed to query max version: %w", err)
	}
	return max, nil
}

// --- pointers ---

type pointerRow struct {
	FamilyID       string    `db:"family_id"`
	ActiveConfigID string    `db:"active_config_id"`
	CurrentVersion int       `db:"current_version"`
	Reason         string    `db:"reason"`
	LastUpdated    time.Time `db:"last_updated"`
}

func (s *Store) GetPointer(ctx context.Context, familyID string) (*domain.VersionPointer, error) {
	var row pointerRow
	query := s.dialect.Rebind(`SELECT family_id, active_config_id, current_version, reason, last_updated
		FROM pointers WHERE family_id = ?`)
	err := s.db.GetContext(ctx, &row, query, familyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pointer %s: %w", familyID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pointer: %w", err)
	}
	return &domain.VersionPointer{
		FamilyID:       row.FamilyID,
		ActiveConfigID: row.ActiveConfigID,
		CurrentVersion: row.CurrentVersion,
		Reason:         row.Reason,
		LastUpdated:    row.LastUpdated,
	}, nil
}

func (s *Store) SetPointer(ctx context.Context, ptr *domain.VersionPointer) error {
	if ptr.LastUpdated.IsZero() {
		ptr.LastUpdated = s.now()
	}
	query := s.dialect.Rebind(`INSERT INTO pointers
		(family_id, active_config_id, current_version, reason, last_updated)
		VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("family_id", []string{"active_config_id", "current_version", "reason", "last_updated"}))
	_, err := s.db.ExecContext(ctx, query,
		ptr.FamilyID, ptr.ActiveConfigID, ptr.CurrentVersion, ptr.Reason, ptr.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to set pointer: %w", err)
	}
	return nil
}

func (s *Store) PromotePointer(ctx context.Context, next *domain.VersionPointer, expectedVersion int) error {
	if next.LastUpdated.IsZero() {
		next.LastUpdated = s.now()
	}

	query := `UPDATE pointers SET active_config_id = ?, current_version = ?, reason = ?, last_updated = ?
		WHERE family_id = ?`
	args := []any{next.ActiveConfigID, next.CurrentVersion, next.Reason, next.LastUpdated, next.FamilyID}
	if expectedVersion > 0 {
		query += ` AND current_version = ?`
		args = append(args, expectedVersion)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to promote pointer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if expectedVersion > 0 {
			return fmt.Errorf("pointer %s moved from version %d: %w", next.FamilyID, expectedVersion, domain.ErrConflict)
		}
		return fmt.Errorf("pointer %s: %w", next.FamilyID, domain.ErrNotFound)
	}
	return nil
}

// --- chats ---

type chatRow struct {
	ChatID        string         `db:"chat_id"`
	AgentFamilyID string         `db:"agent_family_id"`
	Version       int            `db:"version"`
	LastActive    time.Time      `db:"last_active"`
	AuditVerdict  sql.NullString `db:"audit_verdict"`
	AuditReason   sql.NullString `db:"audit_reason"`
	AuditPriority sql.NullString `db:"audit_priority"`
	AuditAt       sql.NullTime   `db:"audit_at"`
}

type turnRow struct {
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Metrics   sql.NullString `db:"metrics"`
	CreatedAt time.Time      `db:"created_at"`
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.ChatSession, error) {
	var row chatRow
	query := s.dialect.Rebind(`SELECT chat_id, agent_family_id, version, last_active,
		audit_verdict, audit_reason, audit_priority, audit_at
		FROM chats WHERE chat_id = ?`)
	err := s.db.GetContext(ctx, &row, query, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	session := &domain.ChatSession{
		ChatID: row.ChatID,
		Metadata: domain.ChatMetadata{
			AgentFamilyID: row.AgentFamilyID,
			Version:       row.Version,
			LastActive:    row.LastActive,
		},
	}
	if row.AuditVerdict.Valid {
		session.AuditResult = &domain.AuditResult{
			Verdict:   domain.Verdict(row.AuditVerdict.String),
			Reason:    row.AuditReason.String,
			Priority:  domain.Priority(row.AuditPriority.String),
			Timestamp: row.AuditAt.Time,
		}
	}

	var turns []turnRow
	turnQuery := s.dialect.Rebind(`SELECT role, content, metrics, created_at
		FROM chat_turns WHERE chat_id = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &turns, turnQuery, chatID); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}

	session.History = make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		turn := domain.Turn{
			Role:      domain.Role(t.Role),
			Content:   t.Content,
			Timestamp: t.CreatedAt,
		}
		if t.Metrics.Valid && t.Metrics.String != "" {
			var m domain.GenerationMetrics
			if err := json.Unmarshal([]byte(t.Metrics.String), &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal turn metrics: %w", err)
			}
			turn.Metrics = &m
		}
		session.History = append(session.History, turn)
	}

	return session, nil
}

func (s *Store) AppendTurns(ctx context.Context, chatID string, meta domain.ChatMetadata, turns ...domain.Turn) error {
	now := s.now()
	if meta.LastActive.IsZero() {
		meta.LastActive = now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := s.dialect.Rebind(`INSERT INTO chats (chat_id, agent_family_id, version, last_active, created_at)
		VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("chat_id", []string{"agent_family_id", "version", "last_active"}))
	if _, err := tx.ExecContext(ctx, upsert, chatID, meta.AgentFamilyID, meta.Version, meta.LastActive, now); err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	insert := s.dialect.Rebind(`INSERT INTO chat_turns (chat_id, role, content, metrics, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	for _, turn := range turns {
		var metrics sql.NullString
		if turn.Metrics != nil {
			b, err := json.Marshal(turn.Metrics)
			if err != nil {
				return fmt.Errorf("failed to marshal turn metrics: %w", err)
			}
			metrics = sql.NullString{String: string(b), Valid: true}
		}
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx, insert, chatID, string(turn.Role), turn.Content, metrics, ts); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) SetAuditResult(ctx context.Context, chatID string, result *domain.AuditResult) error {
	if result.Timestamp.IsZero() {
		result.Timestamp = s.now()
	}
	query := s.dialect.Rebind(`UPDATE chats SET audit_verdict = ?, audit_reason = ?, audit_priority = ?, audit_at = ?
		WHERE chat_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(result.Verdict), result.Reason, string(result.Priority), result.Timestamp, chatID)
	if err != nil {
		return fmt.Errorf("failed to set audit result: %w", err)
	}
	return requireRow(res, "chat "+chatID)
}

// --- workflow events ---

type eventRow struct {
	ID        string         `db:"id"`
	ChatID    string         `db:"chat_id"`
	Component string         `db:"component"`
	Level     string         `db:"level"`
	Message   string         `db:"message"`
	State     sql.NullString `db:"state"`
	Depth     int            `db:"depth"`
	Metadata  sql.NullString `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

func (s *Store) AppendWorkflowEvent(ctx context.Context, event *domain.WorkflowEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO workflow_events
		(id, chat_id, component, level, message, state, depth, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.ChatID, string(event.Component), string(event.Level), event.Message,
		string(event.State), event.Depth, metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow event: %w", err)
	}
	return nil
}

func (s *Store) ListWorkflowEvents(ctx context.Context, chatID string) ([]*domain.WorkflowEvent, error) {
	var rows []eventRow
	query := s.dialect.Rebind(`SELECT id, chat_id, component, level, message, state, depth, metadata, created_at
		FROM workflow_events WHERE chat_id = ? ORDER BY created_at ASC, rowid ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, chatID); err != nil {
		return nil, fmt.Errorf("failed to list workflow events: %w", err)
	}

	out := make([]*domain.WorkflowEvent, 0, len(rows))
	for _, r := range rows {
		ev := &domain.WorkflowEvent{
			ID:        r.ID,
			ChatID:    r.ChatID,
			Component: domain.Component(r.Component),
			Level:     domain.EventLevel(r.Level),
			Message:   r.Message,
			State:     domain.WorkflowState(r.State.String),
			Depth:     r.Depth,
			CreatedAt: r.CreatedAt,
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			if err := json.Unmarshal([]byte(r.Metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// --- feedback ---

func (s *Store) RecordFeedback(ctx context.Context, fb *domain.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.dialect.Rebind(`INSERT INTO feedback (id, chat_id, agent_config_id, score, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		fb.ID, fb.ChatID, fb.AgentVersionID, fb.Score, fb.Comment, fb.CreatedAt); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("feedback %s: %w", fb.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	var likes, dislikes int
	switch {
	case fb.Positive():
		likes = 1
	case fb.Negative():
		dislikes = 1
	}
	if likes+dislikes > 0 {
		upsert := s.dialect.Rebind(`INSERT INTO agent_stats (config_id, likes, dislikes, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(config_id) DO UPDATE SET
				likes = agent_stats.likes + excluded.likes,
				dislikes = agent_stats.dislikes + excluded.dislikes,
				updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, upsert, fb.AgentVersionID, likes, dislikes, fb.CreatedAt); err != nil {
			return fmt.Errorf("failed to update agent stats: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetAgentStats(ctx context.Context, configID string) (*domain.AgentStats, error) {
	stats := &domain.AgentStats{ConfigID: configID}
	query := s.dialect.Rebind(`SELECT likes, dislikes FROM agent_stats WHERE config_id = ?`)
	err := s.db.QueryRowxContext(ctx, query, configID).Scan(&stats.Likes, &stats.Dislikes)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent stats: %w", err)
	}
	return stats, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
