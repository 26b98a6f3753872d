package vmpool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
)

type fakeAlarm struct {
	setAt     []time.Time
	cancelled int
}

func (f *fakeAlarm) SetAlarm(t time.Time) { f.setAt = append(f.setAt, t) }
func (f *fakeAlarm) CancelAlarm()         { f.cancelled++ }

func createTestService(t *testing.T) (*Service, *fakeAlarm) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "vmpool.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(writerConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create vmpool store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	alarm := &fakeAlarm{}
	return NewService(store, nil, alarm, Settings{}, logger.Default()), alarm
}

func provisionReady(t *testing.T, svc *Service, size string) *VM {
	t.Helper()
	ctx := context.Background()
	vm, err := svc.Provision(ctx, &ProvisionRequest{VMSize: size, Region: "us-east"})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	vm, err = svc.Ready(ctx, vm.VMID, &ReadyRequest{PublicIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ready failed: %v", err)
	}
	return vm
}

func TestSpawnFlow_FillsSmallVMThenRefuses(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	vm, err := svc.Provision(ctx, &ProvisionRequest{VMSize: SizeSmall})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if vm.Status != StatusProvisioning || vm.MaxAgents != 2 {
		t.Fatalf("unexpected fresh VM: %+v", vm)
	}

	// Spawning against a provisioning-only fleet has no capacity.
	if _, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a0"}); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	vm, err = svc.Ready(ctx, vm.VMID, &ReadyRequest{})
	if err != nil {
		t.Fatalf("ready failed: %v", err)
	}
	if vm.Status != StatusReady || vm.HealthStatus != HealthHealthy || vm.ReadyAt == nil {
		t.Fatalf("unexpected ready VM: %+v", vm)
	}

	r1, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("spawn a1 failed: %v", err)
	}
	if r1.VM.AgentCount != 1 || r1.VM.Status != StatusReady {
		t.Fatalf("unexpected VM after first spawn: %+v", r1.VM)
	}

	r2, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a2"})
	if err != nil {
		t.Fatalf("spawn a2 failed: %v", err)
	}
	if r2.VM.AgentCount != 2 || r2.VM.Status != StatusBusy {
		t.Fatalf("VM should be busy at capacity: %+v", r2.VM)
	}

	// Full fleet: third agent is refused.
	if _, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a3"}); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestSpawn_ExistingAssignmentShortCircuits(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	provisionReady(t, svc, SizeSmall)

	first, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1", Task: "review PR"})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	again, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("repeat spawn failed: %v", err)
	}
	if !again.Existing || again.Assignment.AssignmentID != first.Assignment.AssignmentID {
		t.Fatalf("expected the existing assignment back: %+v", again)
	}
	if again.VM.AgentCount != 1 {
		t.Fatalf("repeat spawn must not consume capacity: %+v", again.VM)
	}
}

func TestSpawn_PreferredAndBestFit(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	older := provisionReady(t, svc, SizeMedium)
	newer := provisionReady(t, svc, SizeSmall)

	// The preferred VM wins when it has room.
	r, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1", PreferredVMID: older.VMID})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if r.VM.VMID != older.VMID {
		t.Fatalf("expected the preferred VM, got %s", r.VM.VMID)
	}

	// Best-fit ranks by least load, newest on ties: both now at different
	// loads, the empty newer VM wins.
	r, err = svc.Spawn(ctx, &SpawnRequest{AgentID: "a2"})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if r.VM.VMID != newer.VMID {
		t.Fatalf("expected best-fit to pick the empty VM, got %s", r.VM.VMID)
	}

	// An unknown preferred VM falls back to best-fit instead of failing.
	r, err = svc.Spawn(ctx, &SpawnRequest{AgentID: "a3", PreferredVMID: "no-such-vm"})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if r.VM.VMID == "" {
		t.Fatal("expected a fallback assignment")
	}
}

func TestRelease_FreesSlotAndUnbusies(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	vm := provisionReady(t, svc, SizeSmall)
	if _, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1"}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if _, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a2"}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	a, err := svc.Release(ctx, &ReleaseRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if a.Status != AssignmentCompleted || a.CompletedAt == nil {
		t.Fatalf("unexpected released assignment: %+v", a)
	}

	got, err := svc.GetVM(ctx, vm.VMID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.AgentCount != 1 || got.Status != StatusReady {
		t.Fatalf("VM should be ready with one agent: %+v", got)
	}

	// Releasing an agent with no active assignment is a 404.
	if _, err := svc.Release(ctx, &ReleaseRequest{AgentID: "a1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminate_ConflictsUnlessForced(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	vm := provisionReady(t, svc, SizeSmall)
	if _, err := svc.Spawn(ctx, &SpawnRequest{AgentID: "a1"}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	_, err := svc.Terminate(ctx, vm.VMID, &TerminateRequest{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	got, err := svc.Terminate(ctx, vm.VMID, &TerminateRequest{Force: true})
	if err != nil {
		t.Fatalf("force terminate failed: %v", err)
	}
	if got.Status != StatusTerminated || got.AgentCount != 0 {
		t.Fatalf("agentCount must match remaining active assignments: %+v", got)
	}

	failed, err := svc.ListAssignments(ctx, "a1", AssignmentFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the assignment force-failed, got %+v", failed)
	}
}

func TestScale_Recommendations(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	// Empty fleet: free slots below target.
	rec, err := svc.Scale(ctx)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if rec.Action != ScaleProvision {
		t.Fatalf("expected provision advice, got %+v", rec)
	}

	provisionReady(t, svc, SizeMedium)
	rec, err = svc.Scale(ctx)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if rec.Action != ScaleNone {
		t.Fatalf("expected none with headroom, got %+v", rec)
	}

	// A second idle VM is surplus.
	idle := provisionReady(t, svc, SizeSmall)
	rec, err = svc.Scale(ctx)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if rec.Action != ScaleTerminate || len(rec.VMIDs) == 0 {
		t.Fatalf("expected terminate advice with vmIds, got %+v", rec)
	}
	if rec.VMIDs[0] != idle.VMID {
		t.Fatalf("expected the idle VM named, got %+v", rec.VMIDs)
	}

	// At the fleet cap with no free slots the advice is blocked.
	capped, _ := createTestService(t)
	capped.settings.MaxVMs = 1
	vm := provisionReady(t, capped, SizeSmall)
	if _, err := capped.Spawn(ctx, &SpawnRequest{AgentID: "a1"}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if _, err := capped.Spawn(ctx, &SpawnRequest{AgentID: "a2"}); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	rec, err = capped.Scale(ctx)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if rec.Action != ScaleBlocked {
		t.Fatalf("expected blocked at the cap, got %+v", rec)
	}
	_ = vm
}

func TestHandleAlarm_SweepTransitions(t *testing.T) {
	svc, alarm := createTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return base }

	stuck, err := svc.Provision(ctx, &ProvisionRequest{VMSize: SizeSmall})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	healthy := provisionReady(t, svc, SizeMedium)

	// Past the boot timeout the provisioning VM errors out and the silent
	// ready VM goes unresponsive.
	svc.now = func() time.Time { return base.Add(DefaultBootTimeout + time.Minute) }
	if err := svc.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm failed: %v", err)
	}

	got, err := svc.GetVM(ctx, stuck.VMID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusError || got.ErrorMessage == "" {
		t.Fatalf("expected boot timeout error, got %+v", got)
	}

	got, err = svc.GetVM(ctx, healthy.VMID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.HealthStatus != HealthUnresponsive {
		t.Fatalf("expected unresponsive after silence, got %+v", got)
	}

	// No healthy capacity left: the sweep raises the scale-up flag.
	st, err := svc.PoolState(ctx)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if !st.PendingScaleUp || st.LastSweepAt == nil {
		t.Fatalf("expected pending scale-up, got %+v", st)
	}

	// Every sweep re-arms the next one.
	if len(alarm.setAt) == 0 {
		t.Fatal("expected the sweep to re-arm the alarm")
	}
	next := alarm.setAt[len(alarm.setAt)-1]
	if !next.Equal(svc.now().Add(svc.settings.HealthCheckInterval)) {
		t.Fatalf("unexpected next sweep time: %v", next)
	}

	// A fresh health report clears unresponsiveness on the next report.
	vm, err := svc.ReportHealth(ctx, healthy.VMID, &HealthRequest{Status: HealthHealthy})
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if vm.HealthStatus != HealthHealthy || vm.LastHealthCheck == nil {
		t.Fatalf("unexpected VM after report: %+v", vm)
	}
}

func TestReady_RejectsWrongState(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	vm := provisionReady(t, svc, SizeSmall)
	_, err := svc.Ready(ctx, vm.VMID, &ReadyRequest{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on ready->ready, got %v", err)
	}
	if _, err := svc.Ready(ctx, "missing", &ReadyRequest{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
