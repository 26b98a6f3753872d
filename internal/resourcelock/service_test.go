package resourcelock

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
	dbPath := filepath.Join(t.TempDir(), "lock.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(writerConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create lock store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})

	alarm := &fakeAlarm{}
	svc := NewService(store, "src/server", alarm, 0, logger.Default())
	return svc, alarm
}

func TestLock_Contention(t *testing.T) {
	svc, alarm := createTestService(t)
	ctx := context.Background()

	res, err := svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 60000})
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if !res.Success || res.Lock.LockedBy != "a1" {
		t.Fatalf("expected a1 to hold the lock, got %+v", res)
	}
	if len(alarm.setAt) != 1 {
		t.Errorf("expected one alarm scheduled, got %d", len(alarm.setAt))
	}

	// Second agent is rejected with holder context
	res2, err := svc.Lock(ctx, &LockRequest{AgentID: "a2"})
	if err != nil {
		t.Fatalf("contended lock errored: %v", err)
	}
	if res2.Success {
		t.Fatal("expected contended lock to fail")
	}
	if res2.LockedBy != "a1" {
		t.Errorf("expected lockedBy a1, got %s", res2.LockedBy)
	}
	if res2.RemainingMs <= 0 || res2.RemainingMs > 60000 {
		t.Errorf("expected remainingMs in (0, 60000], got %d", res2.RemainingMs)
	}

	// Owner unlock, then a2 can lock
	unlock, err := svc.Unlock(ctx, &UnlockRequest{AgentID: "a1"})
	if err != nil || !unlock.Success {
		t.Fatalf("owner unlock failed: %v %+v", err, unlock)
	}
	if unlock.Released != ReleaseManual {
		t.Errorf("expected manual release, got %s", unlock.Released)
	}
	if alarm.cancelled != 1 {
		t.Errorf("expected alarm cancel on release, got %d", alarm.cancelled)
	}

	res3, err := svc.Lock(ctx, &LockRequest{AgentID: "a2"})
	if err != nil || !res3.Success {
		t.Fatalf("a2 lock after release failed: %v %+v", err, res3)
	}
}

func TestLock_RelockRefreshesTTL(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	first, err := svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 1000})
	if err != nil || !first.Success {
		t.Fatalf("lock failed: %v", err)
	}
	second, err := svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 60000})
	if err != nil || !second.Success {
		t.Fatalf("re-lock failed: %v", err)
	}
	if !second.Lock.ExpiresAt.After(first.Lock.ExpiresAt) {
		t.Error("expected re-lock to extend TTL")
	}
	if !second.Lock.LockedAt.Equal(first.Lock.LockedAt) {
		t.Error("expected re-lock to preserve the original acquisition time")
	}

	// Re-lock is not a new acquisition in history
	history, err := svc.History(ctx)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected one history entry, got %d", len(history))
	}
}

func TestLock_ExpiredSweptOnLock(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	if _, err := svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 60000}); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Advance past expiry
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	res, err := svc.Lock(ctx, &LockRequest{AgentID: "a2"})
	if err != nil || !res.Success {
		t.Fatalf("expected lock over expired holder to succeed: %v %+v", err, res)
	}

	history, _ := svc.History(ctx)
	if len(history) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history))
	}
	// Newest first: a2 open, then a1 expired
	if history[1].ReleaseReason != ReleaseExpired {
		t.Errorf("expected expired release reason, got %q", history[1].ReleaseReason)
	}
}

func TestUnlock_OwnershipAndForce(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	_, _ = svc.Lock(ctx, &LockRequest{AgentID: "a1"})

	res, err := svc.Unlock(ctx, &UnlockRequest{AgentID: "a2"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if res.LockedBy != "a1" {
		t.Errorf("expected holder context a1, got %s", res.LockedBy)
	}

	forced, err := svc.Unlock(ctx, &UnlockRequest{AgentID: "a2", Force: true})
	if err != nil || !forced.Success {
		t.Fatalf("forced unlock failed: %v", err)
	}
	if forced.Released != ReleaseStolen {
		t.Errorf("expected stolen release, got %s", forced.Released)
	}

	state, _ := svc.Check(ctx)
	if state.Locked {
		t.Error("expected unlocked state after force unlock")
	}
}

func TestCheck_LazySweep(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	_, _ = svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 500})

	state, err := svc.Check(ctx)
	if err != nil || !state.Locked {
		t.Fatalf("expected live lock: %v %+v", err, state)
	}

	svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	state, err = svc.Check(ctx)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if state.Locked {
		t.Error("expected lazy sweep to clear expired lock")
	}
}

func TestHandleAlarm_ReleasesExpired(t *testing.T) {
	svc, alarm := createTestService(t)
	ctx := context.Background()

	_, _ = svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 1000})
	svc.now = func() time.Time { return time.Now().Add(time.Minute) }

	if err := svc.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm handler failed: %v", err)
	}

	svc.now = time.Now
	state, _ := svc.Check(ctx)
	if state.Locked {
		t.Error("expected alarm to release expired lock")
	}
	history, _ := svc.History(ctx)
	if len(history) != 1 || history[0].ReleaseReason != ReleaseExpired {
		t.Errorf("expected one expired history entry, got %+v", history)
	}
	_ = alarm
}

func TestHandleAlarm_SpuriousFireRearms(t *testing.T) {
	svc, alarm := createTestService(t)
	ctx := context.Background()

	res, _ := svc.Lock(ctx, &LockRequest{AgentID: "a1", TTLMs: 60000})
	before := len(alarm.setAt)

	if err := svc.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm handler failed: %v", err)
	}

	state, _ := svc.Check(ctx)
	if !state.Locked {
		t.Fatal("expected live lock to survive spurious alarm")
	}
	if len(alarm.setAt) != before+1 {
		t.Error("expected spurious alarm fire to re-arm")
	}
	if !alarm.setAt[len(alarm.setAt)-1].Equal(res.Lock.ExpiresAt) {
		t.Error("expected re-arm at the lock's expiry")
	}
}
