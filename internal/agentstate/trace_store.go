package agentstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// StartTrace inserts a new open trace.
func (s *Store) StartTrace(ctx context.Context, t *WorkTrace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_traces (session_id, task, started_at) VALUES (?, ?, ?)
	`, t.SessionID, t.Task, t.StartedAt)
	return err
}

// GetTrace returns one trace with its derived summary, or ErrNotFound.
func (s *Store) GetTrace(ctx context.Context, sessionID string) (*WorkTrace, error) {
	t := &WorkTrace{}
	var completedAt sql.NullTime
	var summary sql.NullString
	err := s.ro.QueryRowContext(ctx, `
		SELECT session_id, task, started_at, completed_at, summary
		FROM work_traces WHERE session_id = ?
	`, sessionID).Scan(&t.SessionID, &t.Task, &t.StartedAt, &completedAt, &summary)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if summary.Valid && summary.String != "" {
		t.Summary = &WorkSummary{}
		if err := json.Unmarshal([]byte(summary.String), t.Summary); err != nil {
			t.Summary = nil
		}
	}
	return t, nil
}

// CompleteTrace closes a trace and stores its summary.
func (s *Store) CompleteTrace(ctx context.Context, sessionID string, at time.Time, summary *WorkSummary) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_traces SET completed_at = ?, summary = ? WHERE session_id = ?
	`, at, string(b), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenTraces returns traces without a completed_at, newest first.
func (s *Store) OpenTraces(ctx context.Context) ([]*WorkTrace, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT session_id, task, started_at FROM work_traces
		WHERE completed_at IS NULL ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	traces := []*WorkTrace{}
	for rows.Next() {
		t := &WorkTrace{}
		if err := rows.Scan(&t.SessionID, &t.Task, &t.StartedAt); err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// TracesStartedAfter counts traces started at or after t.
func (s *Store) TracesStartedAfter(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_traces WHERE started_at >= ?`, t).Scan(&n)
	return n, err
}

// AppendStep inserts a work step.
func (s *Store) AppendStep(ctx context.Context, step *WorkStep) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_steps (id, session_id, timestamp, tool, intent, outcome, duration_ms, contribution_type, knowledge_gained, eliminated_paths, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.SessionID, step.Timestamp, step.Tool, step.Intent, step.Outcome,
		step.DurationMs, step.ContributionType, step.KnowledgeGained,
		jsonList(step.EliminatedPaths), jsonList(step.DependsOn))
	return err
}

// ListSteps returns a session's steps in logged order.
func (s *Store) ListSteps(ctx context.Context, sessionID string) ([]*WorkStep, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, session_id, timestamp, tool, intent, outcome, duration_ms, contribution_type, knowledge_gained, eliminated_paths, depends_on
		FROM work_steps WHERE session_id = ? ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	steps := []*WorkStep{}
	for rows.Next() {
		st := &WorkStep{}
		var eliminated, depends string
		if err := rows.Scan(&st.ID, &st.SessionID, &st.Timestamp, &st.Tool, &st.Intent,
			&st.Outcome, &st.DurationMs, &st.ContributionType, &st.KnowledgeGained,
			&eliminated, &depends); err != nil {
			return nil, err
		}
		st.EliminatedPaths = parseList(eliminated)
		st.DependsOn = parseList(depends)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// StepsAfter returns steps across all sessions logged at or after t.
func (s *Store) StepsAfter(ctx context.Context, t time.Time) ([]*WorkStep, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, session_id, timestamp, tool, intent, outcome, duration_ms, contribution_type, knowledge_gained, eliminated_paths, depends_on
		FROM work_steps WHERE timestamp >= ? ORDER BY timestamp ASC
	`, t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	steps := []*WorkStep{}
	for rows.Next() {
		st := &WorkStep{}
		var eliminated, depends string
		if err := rows.Scan(&st.ID, &st.SessionID, &st.Timestamp, &st.Tool, &st.Intent,
			&st.Outcome, &st.DurationMs, &st.ContributionType, &st.KnowledgeGained,
			&eliminated, &depends); err != nil {
			return nil, err
		}
		st.EliminatedPaths = parseList(eliminated)
		st.DependsOn = parseList(depends)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// InsertEscalation records fired triggers for a session.
func (s *Store) InsertEscalation(ctx context.Context, e *Escalation) error {
	triggers, err := json.Marshal(e.Triggers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, session_id, triggered_at, triggers, highest_level)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.TriggeredAt, string(triggers), e.HighestLevel)
	return err
}

func scanEscalation(row interface {
	Scan(dest ...interface{}) error
}) (*Escalation, error) {
	e := &Escalation{}
	var triggers string
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.SessionID, &e.TriggeredAt, &triggers, &e.HighestLevel,
		&resolvedAt, &e.ResolvedBy, &e.ResolverAgent, &e.HelpfulHint)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(triggers), &e.Triggers); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

const escalationColumns = `id, session_id, triggered_at, triggers, highest_level, resolved_at, resolved_by, resolver_agent, helpful_hint`

// GetEscalation returns one escalation, or ErrNotFound.
func (s *Store) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	e, err := scanEscalation(s.ro.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ResolveEscalation fills the resolution fields. Resolution is write-once.
func (s *Store) ResolveEscalation(ctx context.Context, id string, at time.Time, by, resolver, hint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET resolved_at = ?, resolved_by = ?, resolver_agent = ?, helpful_hint = ?
		WHERE id = ? AND resolved_at IS NULL
	`, at, by, resolver, hint, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEscalations returns a session's escalations (all sessions when
// sessionID is empty), optionally pending only, oldest first.
func (s *Store) ListEscalations(ctx context.Context, sessionID string, pendingOnly bool) ([]*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE 1=1`
	args := []interface{}{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if pendingOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY triggered_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	escalations := []*Escalation{}
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}
