package agentstate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func completedTrace(t *testing.T, svc *Service, efficient bool) string {
	t.Helper()
	ctx := context.Background()
	trace, err := svc.StartTrace(ctx, &TraceRequest{Task: "some task"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	outcome := OutcomeNothing
	if efficient {
		outcome = OutcomeFound
	}
	if _, err := svc.LogStep(ctx, trace.SessionID, &StepRequest{Tool: "edit", Outcome: outcome, DurationMs: 1000}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if _, err := svc.CompleteTrace(ctx, trace.SessionID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	return trace.SessionID
}

func TestEnsureSoul_LazyCreate(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	soul, err := svc.EnsureSoul(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !soul.IsNew {
		t.Fatal("first ensure should mark the soul new")
	}
	if soul.Name != "phoenix" || soul.Level != LevelNovice || soul.SoulID == "" {
		t.Fatalf("unexpected fresh soul: %+v", soul)
	}
	for _, domain := range specializationDomains {
		if _, ok := soul.Specializations[domain]; !ok {
			t.Fatalf("missing zeroed domain %q", domain)
		}
	}

	again, err := svc.EnsureSoul(ctx)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if again.IsNew {
		t.Fatal("second ensure should not be new")
	}
	if again.SoulID != soul.SoulID {
		t.Fatalf("soul id changed: %q vs %q", again.SoulID, soul.SoulID)
	}
}

func TestAddXP_LevelUpUnionsAbilities(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	soul, err := svc.EnsureSoul(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// XP alone does not level: the streak and task gates also apply.
	soul, err = svc.AddXP(ctx, &AddXPRequest{Amount: 600, Domain: "backend"})
	if err != nil {
		t.Fatalf("add xp failed: %v", err)
	}
	if soul.Level != LevelNovice {
		t.Fatalf("leveled without meeting streak/task gates: %q", soul.Level)
	}
	if soul.Specializations["backend"] != 600 {
		t.Fatalf("domain not credited: %v", soul.Specializations)
	}

	// Meet the capable and expert gates, then re-grant.
	soul.CurrentStreak = 5
	soul.TasksCompleted = 25
	if err := svc.store.PutSoul(ctx, soul); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	soul, err = svc.AddXP(ctx, &AddXPRequest{Amount: 1})
	if err != nil {
		t.Fatalf("add xp failed: %v", err)
	}
	if soul.Level != LevelExpert {
		t.Fatalf("expected expert, got %q", soul.Level)
	}
	for _, ability := range []string{"canCommit", "canSpawnSubagents", "canMentorPeers"} {
		if !soul.Abilities[ability] {
			t.Fatalf("missing ability %q after level-up: %v", ability, soul.Abilities)
		}
	}
	if soul.Abilities["canAccessProd"] {
		t.Fatal("master ability granted too early")
	}
}

func TestUpdateFromTrace_XPAndStreak(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	sessionID := completedTrace(t, svc, true)
	soul, err := svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: sessionID, Domain: "backend"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Base 10 + efficiency 15 + self-resolved 10 + clean run 5.
	if soul.TotalXP != 40 {
		t.Fatalf("expected 40 XP, got %d", soul.TotalXP)
	}
	if soul.CurrentStreak != 1 || soul.LongestStreak != 1 {
		t.Fatalf("unexpected streak: %+v", soul)
	}
	if soul.TasksCompleted != 1 || soul.TasksSuccessful != 1 {
		t.Fatalf("unexpected task counters: %+v", soul)
	}
	if soul.Specializations["backend"] != 20 {
		t.Fatalf("expected half XP in domain, got %v", soul.Specializations)
	}
	if soul.TrustScore != 1.0 {
		t.Fatalf("clean record should score 1.0, got %v", soul.TrustScore)
	}
	if soul.LastTraceID != sessionID {
		t.Fatalf("last trace not recorded: %q", soul.LastTraceID)
	}
}

func TestUpdateFromTrace_RejectsOpenTrace(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	trace, err := svc.StartTrace(ctx, &TraceRequest{Task: "still going"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: trace.SessionID}); err == nil {
		t.Fatal("expected an error for an uncompleted trace")
	}
}

func TestUpdateFromTrace_StreakExpiresAfterInactivity(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return base }

	first := completedTrace(t, svc, true)
	soul, err := svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: first})
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if soul.CurrentStreak != 1 {
		t.Fatalf("expected streak 1, got %d", soul.CurrentStreak)
	}

	// Exactly 48 h later the streak has expired; the new trace starts it
	// over at 1.
	svc.now = func() time.Time { return base.Add(streakExpiry) }
	second := completedTrace(t, svc, true)
	soul, err = svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: second})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if soul.CurrentStreak != 1 {
		t.Fatalf("expected streak reset to 1, got %d", soul.CurrentStreak)
	}

	// Just inside the window it extends instead.
	svc.now = func() time.Time { return base.Add(2*streakExpiry - time.Hour) }
	third := completedTrace(t, svc, true)
	soul, err = svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: third})
	if err != nil {
		t.Fatalf("third update failed: %v", err)
	}
	if soul.CurrentStreak != 2 {
		t.Fatalf("expected streak 2, got %d", soul.CurrentStreak)
	}
	if soul.LongestStreak != 2 {
		t.Fatalf("expected longest streak 2, got %d", soul.LongestStreak)
	}
}

func TestUpdateFromTrace_HumanEscalationResetsStreak(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	trace, err := svc.StartTrace(ctx, &TraceRequest{Task: "stuck work"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	logStep(t, svc, trace.SessionID, "curl", OutcomeError)
	resp := logStep(t, svc, trace.SessionID, "curl2", OutcomeError)
	if resp.Escalation == nil {
		t.Fatal("expected an escalation")
	}
	if _, err := svc.ResolveEscalation(ctx, resp.Escalation.ID, &ResolveRequest{ResolvedBy: ResolvedByHuman}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := svc.CompleteTrace(ctx, trace.SessionID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	soul, err := svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: trace.SessionID})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if soul.CurrentStreak != 0 {
		t.Fatalf("human escalation should zero the streak, got %d", soul.CurrentStreak)
	}
	if soul.TasksSuccessful != 0 {
		t.Fatalf("human-escalated trace should not count successful, got %d", soul.TasksSuccessful)
	}
	if soul.TrustScore >= 1.0 {
		t.Fatalf("trust should drop below 1.0, got %v", soul.TrustScore)
	}
}

func TestDeriveSoul_RustFromIdleTime(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return base }

	sessionID := completedTrace(t, svc, true)
	if _, err := svc.UpdateFromTrace(ctx, &UpdateFromTraceRequest{TraceID: sessionID}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	cases := []struct {
		idle time.Duration
		rust float64
	}{
		{24 * time.Hour, 0},
		{10 * 24 * time.Hour, 0.2},
		{40 * 24 * time.Hour, 0.4},
		{120 * 24 * time.Hour, 0.6},
	}
	for _, tc := range cases {
		svc.now = func() time.Time { return base.Add(tc.idle) }
		soul, err := svc.EnsureSoul(ctx)
		if err != nil {
			t.Fatalf("ensure failed: %v", err)
		}
		if soul.RustLevel != tc.rust {
			t.Errorf("idle %v: expected rust %v, got %v", tc.idle, tc.rust, soul.RustLevel)
		}
		want := 1 - 0.5*tc.rust
		if soul.EffectiveXPMultiplier != want {
			t.Errorf("idle %v: expected multiplier %v, got %v", tc.idle, want, soul.EffectiveXPMultiplier)
		}
	}
}

func TestGoals_LifecycleAndReward(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	g, err := svc.CreateGoal(ctx, &GoalRequest{Title: "Write the migration runbook", XPReward: 50, Priority: 2})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if g.Status != GoalPending {
		t.Fatalf("expected pending, got %q", g.Status)
	}

	g, err = svc.StartGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if g.Status != GoalInProgress || g.StartedAt == nil {
		t.Fatalf("unexpected started goal: %+v", g)
	}

	// Starting twice is an illegal transition.
	if _, err := svc.StartGoal(ctx, g.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}

	g, err = svc.CompleteGoal(ctx, g.ID, "runbook merged")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if g.Status != GoalCompleted || g.CompletedAt == nil || g.Outcome != "runbook merged" {
		t.Fatalf("unexpected completed goal: %+v", g)
	}

	soul, err := svc.EnsureSoul(ctx)
	if err != nil {
		t.Fatalf("soul read failed: %v", err)
	}
	if soul.TotalXP != 50 {
		t.Fatalf("expected the reward banked, got %d XP", soul.TotalXP)
	}

	// Completed goals cannot be abandoned.
	if _, err := svc.AbandonGoal(ctx, g.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestGoals_OrderingAndStatusFilter(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	low, err := svc.CreateGoal(ctx, &GoalRequest{Title: "tidy docs", Priority: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	high, err := svc.CreateGoal(ctx, &GoalRequest{Title: "fix prod bug", Priority: 9})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	goals, err := svc.ListGoals(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(goals) != 2 || goals[0].ID != high.ID {
		t.Fatalf("expected priority ordering, got %+v", goals)
	}

	if _, err := svc.StartGoal(ctx, high.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pending, err := svc.ListGoals(ctx, GoalPending)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != low.ID {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestLevelProgress_RemainingRequirements(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	soul, err := svc.EnsureSoul(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	soul.TotalXP = 60
	soul.CurrentStreak = 1
	soul.TasksCompleted = 5
	if err := svc.store.PutSoul(ctx, soul); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	d, err := svc.GetDashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	p := d.LevelProgress
	if p == nil || p.NextLevel != LevelCapable {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.XPNeeded != 40 || p.StreakNeeded != 2 || p.TasksNeeded != 0 {
		t.Fatalf("unexpected remaining requirements: %+v", p)
	}
}
