package agentstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// GetSoul returns the singleton soul row, or ErrNotFound. Derived fields are
// filled by the service.
func (s *Store) GetSoul(ctx context.Context) (*Soul, error) {
	soul := &Soul{}
	var specializations, achievements, abilities string
	var lastTraceAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, `
		SELECT soul_id, name, personality, created_at, total_xp, level,
			current_streak, longest_streak, tasks_completed, tasks_successful,
			peers_helped, escalation_count, self_resolved_count, peer_assist_count,
			human_escalation_count, specializations, achievements, abilities,
			trust_score, transparency_score, track_record_score, last_trace_id, last_trace_at
		FROM soul WHERE id = 1
	`).Scan(&soul.SoulID, &soul.Name, &soul.Personality, &soul.CreatedAt,
		&soul.TotalXP, &soul.Level, &soul.CurrentStreak, &soul.LongestStreak,
		&soul.TasksCompleted, &soul.TasksSuccessful, &soul.PeersHelped,
		&soul.EscalationCount, &soul.SelfResolvedCount, &soul.PeerAssistCount,
		&soul.HumanEscalationCount, &specializations, &achievements, &abilities,
		&soul.TrustScore, &soul.TransparencyScore, &soul.TrackRecordScore,
		&soul.LastTraceID, &lastTraceAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastTraceAt.Valid {
		soul.LastTraceAt = &lastTraceAt.Time
	}
	if err := json.Unmarshal([]byte(specializations), &soul.Specializations); err != nil || soul.Specializations == nil {
		soul.Specializations = map[string]int64{}
	}
	soul.Achievements = parseList(achievements)
	if err := json.Unmarshal([]byte(abilities), &soul.Abilities); err != nil || soul.Abilities == nil {
		soul.Abilities = map[string]bool{}
	}
	return soul, nil
}

// PutSoul upserts the singleton soul row.
func (s *Store) PutSoul(ctx context.Context, soul *Soul) error {
	specializations, _ := json.Marshal(soul.Specializations)
	abilities, _ := json.Marshal(soul.Abilities)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soul (id, soul_id, name, personality, created_at, total_xp, level,
			current_streak, longest_streak, tasks_completed, tasks_successful,
			peers_helped, escalation_count, self_resolved_count, peer_assist_count,
			human_escalation_count, specializations, achievements, abilities,
			trust_score, transparency_score, track_record_score, last_trace_id, last_trace_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			personality = excluded.personality,
			total_xp = excluded.total_xp,
			level = excluded.level,
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			tasks_completed = excluded.tasks_completed,
			tasks_successful = excluded.tasks_successful,
			peers_helped = excluded.peers_helped,
			escalation_count = excluded.escalation_count,
			self_resolved_count = excluded.self_resolved_count,
			peer_assist_count = excluded.peer_assist_count,
			human_escalation_count = excluded.human_escalation_count,
			specializations = excluded.specializations,
			achievements = excluded.achievements,
			abilities = excluded.abilities,
			trust_score = excluded.trust_score,
			transparency_score = excluded.transparency_score,
			track_record_score = excluded.track_record_score,
			last_trace_id = excluded.last_trace_id,
			last_trace_at = excluded.last_trace_at
	`, soul.SoulID, soul.Name, soul.Personality, soul.CreatedAt, soul.TotalXP, soul.Level,
		soul.CurrentStreak, soul.LongestStreak, soul.TasksCompleted, soul.TasksSuccessful,
		soul.PeersHelped, soul.EscalationCount, soul.SelfResolvedCount, soul.PeerAssistCount,
		soul.HumanEscalationCount, string(specializations), jsonList(soul.Achievements),
		string(abilities), soul.TrustScore, soul.TransparencyScore, soul.TrackRecordScore,
		soul.LastTraceID, soul.LastTraceAt)
	return err
}

// --- Credentials ---

// PutCredential upserts a secret, preserving created_at on update.
func (s *Store) PutCredential(ctx context.Context, key, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now, now)
	return err
}

// GetCredential returns one secret, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, key string) (*Credential, error) {
	c := &Credential{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT key, value, created_at, updated_at FROM credentials WHERE key = ?
	`, key).Scan(&c.Key, &c.Value, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.MaskedPreview = MaskValue(c.Value)
	return c, nil
}

// ListCredentials returns all secrets ordered by key.
func (s *Store) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT key, value, created_at, updated_at FROM credentials ORDER BY key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	creds := []*Credential{}
	for rows.Next() {
		c := &Credential{}
		if err := rows.Scan(&c.Key, &c.Value, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.MaskedPreview = MaskValue(c.Value)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a secret.
func (s *Store) DeleteCredential(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Goals ---

// InsertGoal inserts a goal.
func (s *Store) InsertGoal(ctx context.Context, g *Goal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, title, description, type, priority, status, xp_reward, source, assigned_by, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.Title, g.Description, g.Type, g.Priority, g.Status, g.XPReward,
		g.Source, g.AssignedBy, g.Context, g.CreatedAt)
	return err
}

// UpdateGoal rewrites a goal's transition fields.
func (s *Store) UpdateGoal(ctx context.Context, g *Goal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET status = ?, started_at = ?, completed_at = ?, outcome = ?
		WHERE id = ?
	`, g.Status, g.StartedAt, g.CompletedAt, g.Outcome, g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanGoal(row interface {
	Scan(dest ...interface{}) error
}) (*Goal, error) {
	g := &Goal{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&g.ID, &g.Title, &g.Description, &g.Type, &g.Priority, &g.Status,
		&g.XPReward, &g.Source, &g.AssignedBy, &g.Context, &g.CreatedAt, &startedAt,
		&completedAt, &g.Outcome)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		g.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		g.CompletedAt = &completedAt.Time
	}
	return g, nil
}

const goalColumns = `id, title, description, type, priority, status, xp_reward, source, assigned_by, context, created_at, started_at, completed_at, outcome`

// GetGoal returns one goal, or ErrNotFound.
func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	g, err := scanGoal(s.ro.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return g, err
}

// ListGoals returns goals in priority-queue order: highest priority first,
// oldest first within a priority. Status filters when non-empty.
func (s *Store) ListGoals(ctx context.Context, status string) ([]*Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	goals := []*Goal{}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// DeleteGoal removes a goal.
func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
