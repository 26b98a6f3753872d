package coordinator

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

// Store owns the coordinator's registry tables.
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
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		current_task TEXT,
		working_on TEXT,
		last_seen TIMESTAMP NOT NULL,
		last_chat_check TIMESTAMP NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		offers TEXT NOT NULL DEFAULT '[]',
		needs TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		author TEXT NOT NULL,
		author_type TEXT NOT NULL DEFAULT 'agent',
		message TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		reactions TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		assignee TEXT,
		created_by TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		tags TEXT NOT NULL DEFAULT '[]',
		files TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);

	CREATE TABLE IF NOT EXISTS zones (
		zone_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		owner TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_zones_owner ON zones(owner);
	CREATE INDEX IF NOT EXISTS idx_zones_path ON zones(path);

	CREATE TABLE IF NOT EXISTS claims (
		what TEXT PRIMARY KEY,
		claimed_by TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		since TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claims_by ON claims(claimed_by);

	CREATE TABLE IF NOT EXISTS handoffs (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT,
		title TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		next_steps TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT,
		created_at TIMESTAMP NOT NULL,
		claimed_at TIMESTAMP,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_status ON handoffs(status);
	CREATE INDEX IF NOT EXISTS idx_handoffs_to_agent ON handoffs(to_agent);
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

// --- Agents ---

// UpsertAgent writes an agent row, preserving prior non-null fields when the
// incoming value is null (COALESCE semantics). The mention cursor is left
// untouched on update.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, current_task, working_on, last_seen, last_chat_check, capabilities, offers, needs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = CASE WHEN excluded.status = '' THEN agents.status ELSE excluded.status END,
			current_task = COALESCE(excluded.current_task, agents.current_task),
			working_on = COALESCE(excluded.working_on, agents.working_on),
			last_seen = excluded.last_seen,
			capabilities = CASE WHEN excluded.capabilities = '[]' THEN agents.capabilities ELSE excluded.capabilities END,
			offers = CASE WHEN excluded.offers = '[]' THEN agents.offers ELSE excluded.offers END,
			needs = CASE WHEN excluded.needs = '[]' THEN agents.needs ELSE excluded.needs END
	`, a.AgentID, a.Status, a.CurrentTask, a.WorkingOn, a.LastSeen, a.LastChatCheck,
		jsonList(a.Capabilities), jsonList(a.Offers), jsonList(a.Needs))
	return err
}

func scanAgent(row interface {
	Scan(dest ...interface{}) error
}) (*Agent, error) {
	a := &Agent{}
	var caps, offers, needs string
	err := row.Scan(&a.AgentID, &a.Status, &a.CurrentTask, &a.WorkingOn,
		&a.LastSeen, &a.LastChatCheck, &caps, &offers, &needs)
	if err != nil {
		return nil, err
	}
	a.Capabilities = parseList(caps)
	a.Offers = parseList(offers)
	a.Needs = parseList(needs)
	return a, nil
}

const agentColumns = `agent_id, status, current_task, working_on, last_seen, last_chat_check, capabilities, offers, needs`

// GetAgent returns one agent row, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a, err := scanAgent(s.ro.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns agents ordered by last_seen descending, optionally
// filtering out offline ones.
func (s *Store) ListAgents(ctx context.Context, includeOffline bool) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeOffline {
		query += ` WHERE status != 'offline'`
	}
	query += ` ORDER BY last_seen DESC`

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	agents := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetChatCheck advances the agent's mention-read cursor, creating the agent
// row implicitly on first contact.
func (s *Store) SetChatCheck(ctx context.Context, agentID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, status, last_seen, last_chat_check)
		VALUES (?, 'active', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_chat_check = excluded.last_chat_check
	`, agentID, t, t)
	return err
}

// --- Group chat ---

// AppendMessage inserts a chat message.
func (s *Store) AppendMessage(ctx context.Context, m *GroupMessage) error {
	reactions, _ := json.Marshal(m.Reactions)
	if m.Reactions == nil {
		reactions = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, author, author_type, message, timestamp, reactions)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Author, m.AuthorType, m.Message, m.Timestamp, string(reactions))
	return err
}

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*GroupMessage, error) {
	m := &GroupMessage{}
	var reactions string
	if err := row.Scan(&m.ID, &m.Author, &m.AuthorType, &m.Message, &m.Timestamp, &reactions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil || m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
	return m, nil
}

// ListMessages returns up to limit recent messages after since, in
// chronological order.
func (s *Store) ListMessages(ctx context.Context, limit int, since time.Time) ([]*GroupMessage, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, author, author_type, message, timestamp, reactions
		FROM messages WHERE timestamp > ?
		ORDER BY timestamp DESC LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := []*GroupMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the index scan; callers want chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage returns one message, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*GroupMessage, error) {
	m, err := scanMessage(s.ro.QueryRowContext(ctx, `
		SELECT id, author, author_type, message, timestamp, reactions
		FROM messages WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateReactions replaces a message's reaction list.
func (s *Store) UpdateReactions(ctx context.Context, id string, reactions []Reaction) error {
	b, _ := json.Marshal(reactions)
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET reactions = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tasks ---

// UpsertTask writes a task row.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, assignee, created_by, priority, tags, files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			assignee = excluded.assignee,
			priority = excluded.priority,
			tags = excluded.tags,
			files = excluded.files,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Description, t.Status, t.Assignee, t.CreatedBy, t.Priority,
		jsonList(t.Tags), jsonList(t.Files), t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*Task, error) {
	t := &Task{}
	var tags, files string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Assignee,
		&t.CreatedBy, &t.Priority, &tags, &files, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Tags = parseList(tags)
	t.Files = parseList(files)
	return t, nil
}

const taskColumns = `id, title, description, status, assignee, created_by, priority, tags, files, created_at, updated_at`

// GetTask returns one task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.ro.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks filtered by status and/or assignee, highest priority
// first, oldest first within a priority.
func (s *Store) ListTasks(ctx context.Context, status, assignee string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, assignee)
	}
	query += ` ORDER BY CASE priority
		WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Zones ---

// UpsertZone writes a zone row.
func (s *Store) UpsertZone(ctx context.Context, z *Zone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (zone_id, path, owner, description, claimed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			path = excluded.path,
			owner = excluded.owner,
			description = excluded.description,
			claimed_at = excluded.claimed_at
	`, z.ZoneID, z.Path, z.Owner, z.Description, z.ClaimedAt)
	return err
}

// ListZones returns zones, optionally filtered by owner.
func (s *Store) ListZones(ctx context.Context, owner string) ([]*Zone, error) {
	query := `SELECT zone_id, path, owner, description, claimed_at FROM zones`
	args := []interface{}{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY claimed_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	zones := []*Zone{}
	for rows.Next() {
		z := &Zone{}
		if err := rows.Scan(&z.ZoneID, &z.Path, &z.Owner, &z.Description, &z.ClaimedAt); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// DeleteZone removes a zone owned by owner. Returns ErrNotFound when no such
// zone exists for that owner.
func (s *Store) DeleteZone(ctx context.Context, zoneID, owner string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE zone_id = ? AND owner = ?`, zoneID, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Claims ---

// GetClaim returns the claim for a key, or ErrNotFound.
func (s *Store) GetClaim(ctx context.Context, what string) (*Claim, error) {
	c := &Claim{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT what, claimed_by, description, since FROM claims WHERE what = ?
	`, what).Scan(&c.What, &c.By, &c.Description, &c.Since)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PutClaim upserts a claim.
func (s *Store) PutClaim(ctx context.Context, c *Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (what, claimed_by, description, since)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(what) DO UPDATE SET
			claimed_by = excluded.claimed_by,
			description = excluded.description,
			since = excluded.since
	`, c.What, c.By, c.Description, c.Since)
	return err
}

// DeleteClaim removes a claim.
func (s *Store) DeleteClaim(ctx context.Context, what string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE what = ?`, what)
	return err
}

// ListClaims returns all claims, newest first.
func (s *Store) ListClaims(ctx context.Context) ([]*Claim, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT what, claimed_by, description, since FROM claims ORDER BY since DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	claims := []*Claim{}
	for rows.Next() {
		c := &Claim{}
		if err := rows.Scan(&c.What, &c.By, &c.Description, &c.Since); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// --- Handoffs ---

// InsertHandoff inserts a new handoff in pending state.
func (s *Store) InsertHandoff(ctx context.Context, h *Handoff) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, from_agent, to_agent, title, context, code, file_path, next_steps, priority, status, claimed_by, created_at, claimed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.FromAgent, h.ToAgent, h.Title, h.Context, h.Code, h.FilePath,
		jsonList(h.NextSteps), h.Priority, h.Status, h.ClaimedBy, h.CreatedAt, h.ClaimedAt, h.CompletedAt)
	return err
}

// UpdateHandoff rewrites a handoff's transition fields.
func (s *Store) UpdateHandoff(ctx context.Context, h *Handoff) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoffs SET status = ?, claimed_by = ?, claimed_at = ?, completed_at = ?
		WHERE id = ?
	`, h.Status, h.ClaimedBy, h.ClaimedAt, h.CompletedAt, h.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHandoff(row interface {
	Scan(dest ...interface{}) error
}) (*Handoff, error) {
	h := &Handoff{}
	var nextSteps string
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&h.ID, &h.FromAgent, &h.ToAgent, &h.Title, &h.Context, &h.Code,
		&h.FilePath, &nextSteps, &h.Priority, &h.Status, &h.ClaimedBy,
		&h.CreatedAt, &claimedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	h.NextSteps = parseList(nextSteps)
	if claimedAt.Valid {
		h.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		h.CompletedAt = &completedAt.Time
	}
	return h, nil
}

const handoffColumns = `id, from_agent, to_agent, title, context, code, file_path, next_steps, priority, status, claimed_by, created_at, claimed_at, completed_at`

// GetHandoff returns one handoff, or ErrNotFound.
func (s *Store) GetHandoff(ctx context.Context, id string) (*Handoff, error) {
	h, err := scanHandoff(s.ro.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

// HandoffFilter narrows a handoff listing. ToAgent matches targeted handoffs
// addressed to that agent plus open ones.
type HandoffFilter struct {
	ToAgent   string
	FromAgent string
	Status    string
}

// ListHandoffs returns handoffs matching the filter, oldest first.
func (s *Store) ListHandoffs(ctx context.Context, f HandoffFilter) ([]*Handoff, error) {
	query := `SELECT ` + handoffColumns + ` FROM handoffs WHERE 1=1`
	args := []interface{}{}
	if f.ToAgent != "" {
		query += ` AND (to_agent = ? OR to_agent IS NULL)`
		args = append(args, f.ToAgent)
	}
	if f.FromAgent != "" {
		query += ` AND from_agent = ?`
		args = append(args, f.FromAgent)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	handoffs := []*Handoff{}
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}
