package agentstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a lookup by id yields no row.
var ErrNotFound = errors.New("not found")

// Store owns one agent's private tables.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates the store and its schema idempotently.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database handles.
func (s *Store) Close() error {
	if err := s.ro.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		conversation_summary TEXT,
		accomplishments TEXT NOT NULL DEFAULT '[]',
		pending_work TEXT NOT NULL DEFAULT '[]',
		recent_context TEXT,
		files_edited TEXT NOT NULL DEFAULT '[]',
		checkpoint_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS direct_messages (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'note',
		message TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_dm_timestamp ON direct_messages(timestamp DESC);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);

	CREATE TABLE IF NOT EXISTS work_traces (
		session_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		summary TEXT
	);

	CREATE TABLE IF NOT EXISTS work_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		tool TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		contribution_type TEXT NOT NULL DEFAULT '',
		knowledge_gained TEXT NOT NULL DEFAULT '',
		eliminated_paths TEXT NOT NULL DEFAULT '[]',
		depends_on TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_work_steps_session ON work_steps(session_id);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		triggered_at TIMESTAMP NOT NULL,
		triggers TEXT NOT NULL,
		highest_level INTEGER NOT NULL,
		resolved_at TIMESTAMP,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolver_agent TEXT NOT NULL DEFAULT '',
		helpful_hint TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_session ON escalations(session_id);
	CREATE INDEX IF NOT EXISTS idx_escalations_pending ON escalations(resolved_at) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS soul (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		soul_id TEXT NOT NULL,
		name TEXT NOT NULL,
		personality TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		total_xp INTEGER NOT NULL DEFAULT 0,
		level TEXT NOT NULL DEFAULT 'novice',
		current_streak INTEGER NOT NULL DEFAULT 0,
		longest_streak INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_successful INTEGER NOT NULL DEFAULT 0,
		peers_helped INTEGER NOT NULL DEFAULT 0,
		escalation_count INTEGER NOT NULL DEFAULT 0,
		self_resolved_count INTEGER NOT NULL DEFAULT 0,
		peer_assist_count INTEGER NOT NULL DEFAULT 0,
		human_escalation_count INTEGER NOT NULL DEFAULT 0,
		specializations TEXT NOT NULL DEFAULT '{}',
		achievements TEXT NOT NULL DEFAULT '[]',
		abilities TEXT NOT NULL DEFAULT '{}',
		trust_score REAL NOT NULL DEFAULT 0,
		transparency_score REAL NOT NULL DEFAULT 0,
		track_record_score REAL NOT NULL DEFAULT 0,
		last_trace_id TEXT NOT NULL DEFAULT '',
		last_trace_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'task',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		xp_reward INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		assigned_by TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		outcome TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);
	CREATE INDEX IF NOT EXISTS idx_goals_priority ON goals(priority DESC);

	CREATE TABLE IF NOT EXISTS heartbeat (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_heartbeat TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS heartbeat_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeat_log_timestamp ON heartbeat_log(timestamp);

	CREATE TABLE IF NOT EXISTS shadow (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		shadow_agent TEXT NOT NULL DEFAULT '',
		is_shadow INTEGER NOT NULL DEFAULT 0,
		shadow_of TEXT NOT NULL DEFAULT '',
		taken_over_by TEXT NOT NULL DEFAULT '',
		taken_over_at TIMESTAMP,
		registered_at TIMESTAMP
	);
	`)
	return err
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func parseList(raw string) []string {
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return []string{}
	}
	return v
}

// --- Checkpoint ---

// GetCheckpoint returns the singleton checkpoint, or ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var summary, recentContext sql.NullString
	var accomplishments, pendingWork, filesEdited string
	err := s.ro.QueryRowContext(ctx, `
		SELECT conversation_summary, accomplishments, pending_work, recent_context, files_edited, checkpoint_at
		FROM checkpoint WHERE id = 1
	`).Scan(&summary, &accomplishments, &pendingWork, &recentContext, &filesEdited, &cp.CheckpointAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp.ConversationSummary = summary.String
	cp.RecentContext = recentContext.String
	cp.Accomplishments = parseList(accomplishments)
	cp.PendingWork = parseList(pendingWork)
	cp.FilesEdited = parseList(filesEdited)
	return cp, nil
}

// SaveCheckpoint upserts the singleton row. Null incoming fields keep the
// prior values; list fields replace only when non-empty.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var summary, recentContext interface{}
	if cp.ConversationSummary != "" {
		summary = cp.ConversationSummary
	}
	if cp.RecentContext != "" {
		recentContext = cp.RecentContext
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint (id, conversation_summary, accomplishments, pending_work, recent_context, files_edited, checkpoint_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_summary = COALESCE(excluded.conversation_summary, checkpoint.conversation_summary),
			accomplishments = CASE WHEN excluded.accomplishments = '[]' THEN checkpoint.accomplishments ELSE excluded.accomplishments END,
			pending_work = CASE WHEN excluded.pending_work = '[]' THEN checkpoint.pending_work ELSE excluded.pending_work END,
			recent_context = COALESCE(excluded.recent_context, checkpoint.recent_context),
			files_edited = CASE WHEN excluded.files_edited = '[]' THEN checkpoint.files_edited ELSE excluded.files_edited END,
			checkpoint_at = excluded.checkpoint_at
	`, summary, jsonList(cp.Accomplishments), jsonList(cp.PendingWork), recentContext,
		jsonList(cp.FilesEdited), cp.CheckpointAt)
	return err
}

// --- Direct messages ---

// AppendDM inserts an inbox entry.
func (s *Store) AppendDM(ctx context.Context, m *DirectMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_messages (id, from_agent, type, message, timestamp, read)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.From, m.Type, m.Message, m.Timestamp, m.Read)
	return err
}

// ListDMs returns inbox entries newest first, optionally unread only.
func (s *Store) ListDMs(ctx context.Context, unreadOnly bool, limit int) ([]*DirectMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, from_agent, type, message, timestamp, read FROM direct_messages`
	if unreadOnly {
		query += ` WHERE read = 0`
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.ro.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := []*DirectMessage{}
	for rows.Next() {
		m := &DirectMessage{}
		if err := rows.Scan(&m.ID, &m.From, &m.Type, &m.Message, &m.Timestamp, &m.Read); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkDMsRead flips the read flag on the given ids and returns how many rows
// changed.
func (s *Store) MarkDMsRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE direct_messages SET read = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Memories ---

// AppendMemory inserts a memory entry.
func (s *Store) AppendMemory(ctx context.Context, m *Memory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, category, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.Category, m.Content, jsonList(m.Tags), m.CreatedAt)
	return err
}

// SearchMemories filters by category equality and a substring query matched
// against content and the JSON-encoded tags, newest first, capped at limit.
func (s *Store) SearchMemories(ctx context.Context, category, query string, limit int) ([]*Memory, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	sqlQuery := `SELECT id, category, content, tags, created_at FROM memories WHERE 1=1`
	args := []interface{}{}
	if category != "" {
		sqlQuery += ` AND category = ?`
		args = append(args, category)
	}
	if query != "" {
		sqlQuery += ` AND (content LIKE ? OR tags LIKE ?)`
		pattern := "%" + query + "%"
		args = append(args, pattern, pattern)
	}
	sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	memories := []*Memory{}
	for rows.Next() {
		m := &Memory{}
		var tags string
		if err := rows.Scan(&m.ID, &m.Category, &m.Content, &tags, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Tags = parseList(tags)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// --- Heartbeat / shadow ---

// RecordHeartbeat upserts the liveness row and appends to the ring-buffered
// log, retaining the newest keep entries.
func (s *Store) RecordHeartbeat(ctx context.Context, at time.Time, note string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat (id, last_heartbeat) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat
	`, at)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_log (timestamp, note) VALUES (?, ?)`, at, note); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM heartbeat_log WHERE seq NOT IN
			(SELECT seq FROM heartbeat_log ORDER BY seq DESC LIMIT ?)
	`, keep)
	return err
}

// LastHeartbeat returns the latest liveness timestamp, or ErrNotFound.
func (s *Store) LastHeartbeat(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.ro.QueryRowContext(ctx, `SELECT last_heartbeat FROM heartbeat WHERE id = 1`).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	return t, err
}

// HeartbeatLogCount returns the retained log length.
func (s *Store) HeartbeatLogCount(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM heartbeat_log`).Scan(&n)
	return n, err
}

// GetShadow returns the singleton shadow row; absent rows come back zeroed.
func (s *Store) GetShadow(ctx context.Context) (*ShadowState, error) {
	st := &ShadowState{}
	var takenOverAt, registeredAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, `
		SELECT shadow_agent, is_shadow, shadow_of, taken_over_by, taken_over_at, registered_at
		FROM shadow WHERE id = 1
	`).Scan(&st.ShadowAgent, &st.IsShadow, &st.ShadowOf, &st.TakenOverBy, &takenOverAt, &registeredAt)
	if err == sql.ErrNoRows {
		return &ShadowState{}, nil
	}
	if err != nil {
		return nil, err
	}
	if takenOverAt.Valid {
		st.TakenOverAt = &takenOverAt.Time
	}
	if registeredAt.Valid {
		st.RegisteredAt = &registeredAt.Time
	}
	return st, nil
}

// PutShadow upserts the singleton shadow row.
func (s *Store) PutShadow(ctx context.Context, st *ShadowState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow (id, shadow_agent, is_shadow, shadow_of, taken_over_by, taken_over_at, registered_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shadow_agent = excluded.shadow_agent,
			is_shadow = excluded.is_shadow,
			shadow_of = excluded.shadow_of,
			taken_over_by = excluded.taken_over_by,
			taken_over_at = excluded.taken_over_at,
			registered_at = excluded.registered_at
	`, st.ShadowAgent, st.IsShadow, st.ShadowOf, st.TakenOverBy, st.TakenOverAt, st.RegisteredAt)
	return err
}
