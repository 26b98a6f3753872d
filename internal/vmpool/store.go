package vmpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a VM or assignment lookup yields no row.
var ErrNotFound = errors.New("not found")

// Store owns the pool's VM, assignment, and health tables.
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
	CREATE TABLE IF NOT EXISTS vms (
		vm_id TEXT PRIMARY KEY,
		instance_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'provisioning',
		public_ip TEXT DEFAULT '',
		private_ip TEXT DEFAULT '',
		region TEXT DEFAULT '',
		vm_size TEXT NOT NULL DEFAULT 'small',
		created_at TIMESTAMP NOT NULL,
		ready_at TIMESTAMP,
		last_health_check TIMESTAMP,
		health_status TEXT NOT NULL DEFAULT 'unknown',
		error_message TEXT DEFAULT '',
		agent_count INTEGER NOT NULL DEFAULT 0,
		max_agents INTEGER NOT NULL DEFAULT 2,
		metadata TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS assignments (
		assignment_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		vm_id TEXT NOT NULL,
		assigned_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		completed_at TIMESTAMP,
		task TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS health_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vm_id TEXT NOT NULL,
		status TEXT NOT NULL,
		details TEXT DEFAULT '',
		checked_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pool_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pending_scale_up INTEGER NOT NULL DEFAULT 0,
		last_sweep_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_vms_status ON vms(status);
	CREATE INDEX IF NOT EXISTS idx_assignments_agent ON assignments(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_assignments_vm ON assignments(vm_id, status);
	CREATE INDEX IF NOT EXISTS idx_health_checks_vm ON health_checks(vm_id, checked_at DESC);
	`)
	return err
}

const vmColumns = `vm_id, instance_id, status, public_ip, private_ip, region, vm_size,
	created_at, ready_at, last_health_check, health_status, error_message,
	agent_count, max_agents, metadata`

func scanVM(row interface{ Scan(dest ...interface{}) error }) (*VM, error) {
	vm := &VM{}
	var readyAt, lastCheck sql.NullTime
	err := row.Scan(&vm.VMID, &vm.InstanceID, &vm.Status, &vm.PublicIP, &vm.PrivateIP,
		&vm.Region, &vm.VMSize, &vm.CreatedAt, &readyAt, &lastCheck, &vm.HealthStatus,
		&vm.ErrorMessage, &vm.AgentCount, &vm.MaxAgents, &vm.Metadata)
	if err != nil {
		return nil, err
	}
	if readyAt.Valid {
		vm.ReadyAt = &readyAt.Time
	}
	if lastCheck.Valid {
		vm.LastHealthCheck = &lastCheck.Time
	}
	return vm, nil
}

// InsertVM registers a new VM row.
func (s *Store) InsertVM(ctx context.Context, vm *VM) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vms (vm_id, instance_id, status, public_ip, private_ip, region, vm_size,
			created_at, health_status, agent_count, max_agents, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, vm.VMID, vm.InstanceID, vm.Status, vm.PublicIP, vm.PrivateIP, vm.Region, vm.VMSize,
		vm.CreatedAt, vm.HealthStatus, vm.AgentCount, vm.MaxAgents, vm.Metadata)
	return err
}

// GetVM returns one VM, or ErrNotFound.
func (s *Store) GetVM(ctx context.Context, vmID string) (*VM, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE vm_id = ?`, vmID)
	vm, err := scanVM(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return vm, err
}

// ListVMs returns the fleet, optionally filtered by status, newest first.
func (s *Store) ListVMs(ctx context.Context, status string) ([]*VM, error) {
	query := `SELECT ` + vmColumns + ` FROM vms`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vms := []*VM{}
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// UpdateVM rewrites every mutable VM field.
func (s *Store) UpdateVM(ctx context.Context, vm *VM) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vms SET instance_id = ?, status = ?, public_ip = ?, private_ip = ?,
			region = ?, vm_size = ?, ready_at = ?, last_health_check = ?,
			health_status = ?, error_message = ?, agent_count = ?, max_agents = ?, metadata = ?
		WHERE vm_id = ?
	`, vm.InstanceID, vm.Status, vm.PublicIP, vm.PrivateIP, vm.Region, vm.VMSize,
		vm.ReadyAt, vm.LastHealthCheck, vm.HealthStatus, vm.ErrorMessage,
		vm.AgentCount, vm.MaxAgents, vm.Metadata, vm.VMID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BestFitVM picks the least-loaded healthy ready VM with spare capacity,
// breaking ties toward the newest VM.
func (s *Store) BestFitVM(ctx context.Context) (*VM, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE status = ? AND health_status = ? AND agent_count < max_agents
		ORDER BY agent_count ASC, created_at DESC
		LIMIT 1
	`, StatusReady, HealthHealthy)
	vm, err := scanVM(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return vm, err
}

const assignmentColumns = `assignment_id, agent_id, vm_id, assigned_at, status, completed_at, task`

func scanAssignment(row interface{ Scan(dest ...interface{}) error }) (*Assignment, error) {
	a := &Assignment{}
	var completedAt sql.NullTime
	err := row.Scan(&a.AssignmentID, &a.AgentID, &a.VMID, &a.AssignedAt, &a.Status, &completedAt, &a.Task)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

// InsertAssignment records a new active assignment.
func (s *Store) InsertAssignment(ctx context.Context, a *Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (assignment_id, agent_id, vm_id, assigned_at, status, task)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.AssignmentID, a.AgentID, a.VMID, a.AssignedAt, a.Status, a.Task)
	return err
}

// ActiveAssignment returns the agent's active assignment, or ErrNotFound.
func (s *Store) ActiveAssignment(ctx context.Context, agentID string) (*Assignment, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE agent_id = ? AND status = ?
	`, agentID, AssignmentActive)
	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// CloseAssignment moves one assignment to a terminal status.
func (s *Store) CloseAssignment(ctx context.Context, assignmentID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assignments SET status = ?, completed_at = ? WHERE assignment_id = ?
	`, status, at, assignmentID)
	return err
}

// FailActiveAssignments force-fails every active assignment on a VM and
// returns how many were closed.
func (s *Store) FailActiveAssignments(ctx context.Context, vmID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assignments SET status = ?, completed_at = ?
		WHERE vm_id = ? AND status = ?
	`, AssignmentFailed, at, vmID, AssignmentActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActiveAssignmentCount counts the live assignments on one VM.
func (s *Store) ActiveAssignmentCount(ctx context.Context, vmID string) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assignments WHERE vm_id = ? AND status = ?
	`, vmID, AssignmentActive).Scan(&n)
	return n, err
}

// ListAssignments filters by agent and status, newest first.
func (s *Store) ListAssignments(ctx context.Context, agentID, status string) ([]*Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE 1=1`
	args := []interface{}{}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY assigned_at DESC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// InsertHealthCheck appends one health report.
func (s *Store) InsertHealthCheck(ctx context.Context, hc *HealthCheck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (vm_id, status, details, checked_at)
		VALUES (?, ?, ?, ?)
	`, hc.VMID, hc.Status, hc.Details, hc.CheckedAt)
	return err
}

// ListHealthChecks returns recent reports for one VM, newest first.
func (s *Store) ListHealthChecks(ctx context.Context, vmID string, limit int) ([]*HealthCheck, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, vm_id, status, details, checked_at FROM health_checks
		WHERE vm_id = ? ORDER BY checked_at DESC LIMIT ?
	`, vmID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checks := []*HealthCheck{}
	for rows.Next() {
		hc := &HealthCheck{}
		if err := rows.Scan(&hc.ID, &hc.VMID, &hc.Status, &hc.Details, &hc.CheckedAt); err != nil {
			return nil, err
		}
		checks = append(checks, hc)
	}
	return checks, rows.Err()
}

// FreeReadySlots sums the spare capacity across healthy ready VMs.
func (s *Store) FreeReadySlots(ctx context.Context) (int, error) {
	var n sql.NullInt64
	err := s.ro.QueryRowContext(ctx, `
		SELECT SUM(max_agents - agent_count) FROM vms
		WHERE status = ? AND health_status = ?
	`, StatusReady, HealthHealthy).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// ActiveVMCount counts VMs that are not in a terminal state.
func (s *Store) ActiveVMCount(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vms WHERE status NOT IN (?, ?)
	`, StatusTerminated, StatusError).Scan(&n)
	return n, err
}

// GetPoolState returns the sweep bookkeeping row, zeroed when absent.
func (s *Store) GetPoolState(ctx context.Context) (*PoolState, error) {
	st := &PoolState{}
	var pending int
	var lastSweep sql.NullTime
	err := s.ro.QueryRowContext(ctx, `
		SELECT pending_scale_up, last_sweep_at FROM pool_state WHERE id = 1
	`).Scan(&pending, &lastSweep)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.PendingScaleUp = pending != 0
	if lastSweep.Valid {
		st.LastSweepAt = &lastSweep.Time
	}
	return st, nil
}

// PutPoolState upserts the sweep bookkeeping row.
func (s *Store) PutPoolState(ctx context.Context, st *PoolState) error {
	pending := 0
	if st.PendingScaleUp {
		pending = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_state (id, pending_scale_up, last_sweep_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pending_scale_up = excluded.pending_scale_up,
			last_sweep_at = excluded.last_sweep_at
	`, pending, st.LastSweepAt)
	return err
}

// StaleBootVMs returns provisioning/booting VMs created before the cutoff.
func (s *Store) StaleBootVMs(ctx context.Context, cutoff time.Time) ([]*VM, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE status IN (?, ?) AND created_at < ?
	`, StatusProvisioning, StatusBooting, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vms := []*VM{}
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// SilentVMs returns ready/busy VMs whose last health report (or readiness,
// when never reported) predates the cutoff.
func (s *Store) SilentVMs(ctx context.Context, cutoff time.Time) ([]*VM, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE status IN (?, ?) AND COALESCE(last_health_check, ready_at, created_at) < ?
	`, StatusReady, StatusBusy, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vms := []*VM{}
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// Purge drops health checks and non-active assignments older than the cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM health_checks WHERE checked_at < ?
	`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM assignments WHERE status != ? AND COALESCE(completed_at, assigned_at) < ?
	`, AssignmentActive, cutoff)
	return err
}
