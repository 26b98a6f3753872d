package coordinator

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

func createTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coordinator.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(writerConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create coordinator store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return NewService(store, nil, nil, 0, logger.Default())
}

func strPtr(s string) *string { return &s }

func TestUpsertAgent_PreservesPriorFields(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertAgent(ctx, &AgentUpdate{
		AgentID:      "phoenix",
		Status:       StatusActive,
		WorkingOn:    strPtr("auth refactor"),
		Capabilities: []string{"go", "sql"},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if first.WorkingOn == nil || *first.WorkingOn != "auth refactor" {
		t.Fatalf("unexpected workingOn: %+v", first.WorkingOn)
	}

	// Null fields keep the prior values
	second, err := svc.UpsertAgent(ctx, &AgentUpdate{AgentID: "phoenix", Status: StatusIdle})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.Status != StatusIdle {
		t.Errorf("expected idle, got %s", second.Status)
	}
	if second.WorkingOn == nil || *second.WorkingOn != "auth refactor" {
		t.Errorf("expected workingOn preserved, got %+v", second.WorkingOn)
	}
	if len(second.Capabilities) != 2 {
		t.Errorf("expected capabilities preserved, got %v", second.Capabilities)
	}
}

func TestListAgents_ExcludesOffline(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.UpsertAgent(ctx, &AgentUpdate{AgentID: "phoenix"})
	_, _ = svc.UpsertAgent(ctx, &AgentUpdate{AgentID: "raven", Status: StatusOffline})

	agents, err := svc.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "phoenix" {
		t.Errorf("expected only phoenix, got %+v", agents)
	}
}

func TestClaim_Race(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	res, err := svc.Claim(ctx, &ClaimRequest{Action: "claim", What: "refactor-auth", By: "phoenix"})
	if err != nil || !res.Success {
		t.Fatalf("first claim failed: %v %+v", err, res)
	}

	res2, err := svc.Claim(ctx, &ClaimRequest{Action: "claim", What: "refactor-auth", By: "raven"})
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if res2.Success {
		t.Fatal("expected second claim to be rejected")
	}
	if res2.Claim.By != "phoenix" || res2.Claim.Stale {
		t.Errorf("expected non-stale holder phoenix, got %+v", res2.Claim)
	}

	// Re-claim by the holder refreshes
	res3, err := svc.Claim(ctx, &ClaimRequest{Action: "claim", What: "refactor-auth", By: "phoenix"})
	if err != nil || !res3.Success {
		t.Fatalf("holder re-claim failed: %v %+v", err, res3)
	}
}

func TestClaim_StaleTakeover(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.Claim(ctx, &ClaimRequest{What: "refactor-auth", By: "phoenix"})

	svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	claims, err := svc.ListClaims(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(claims) != 1 || !claims[0].Stale {
		t.Fatalf("expected one stale claim, got %+v", claims)
	}
	// Stale claims are filtered out by default
	active, _ := svc.ListClaims(ctx, false)
	if len(active) != 0 {
		t.Errorf("expected no active claims, got %+v", active)
	}

	res, err := svc.Claim(ctx, &ClaimRequest{What: "refactor-auth", By: "raven"})
	if err != nil || !res.Success {
		t.Fatalf("expected stale takeover to succeed: %v %+v", err, res)
	}
	if res.Claim.By != "raven" {
		t.Errorf("expected raven to hold the claim, got %s", res.Claim.By)
	}
}

func TestReleaseClaim_GuardedByOwner(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.Claim(ctx, &ClaimRequest{What: "refactor-auth", By: "phoenix"})

	if err := svc.ReleaseClaim(ctx, "refactor-auth", "raven"); !errors.Is(err, ErrNotClaimOwner) {
		t.Fatalf("expected ErrNotClaimOwner, got %v", err)
	}
	if err := svc.ReleaseClaim(ctx, "refactor-auth", "phoenix"); err != nil {
		t.Fatalf("owner release failed: %v", err)
	}
	// Released claim is takeable again
	res, err := svc.Claim(ctx, &ClaimRequest{What: "refactor-auth", By: "raven"})
	if err != nil || !res.Success {
		t.Fatalf("claim after release failed: %v %+v", err, res)
	}
	// Releasing an absent claim is a no-op
	if err := svc.ReleaseClaim(ctx, "never-claimed", "raven"); err != nil {
		t.Errorf("expected no-op release, got %v", err)
	}
}

func TestHandoff_Lifecycle(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	h, err := svc.CreateHandoff(ctx, &HandoffRequest{
		FromAgent: "sparrow",
		ToAgent:   strPtr("phoenix"),
		Title:     "Finish auth middleware",
		NextSteps: []string{"wire session store"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if h.Status != HandoffPending {
		t.Fatalf("expected pending, got %s", h.Status)
	}

	// Targeted handoff cannot be claimed by someone else
	_, err = svc.ClaimHandoff(ctx, h.ID, "raven")
	var transition *TransitionError
	if !errors.As(err, &transition) || transition.Reason != "Handoff is targeted to phoenix" {
		t.Fatalf("expected targeting rejection, got %v", err)
	}

	claimed, err := svc.ClaimHandoff(ctx, h.ID, "phoenix")
	if err != nil {
		t.Fatalf("claim by addressee failed: %v", err)
	}
	if claimed.Status != HandoffClaimed || *claimed.ClaimedBy != "phoenix" {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}

	// Only the claimer may complete
	_, err = svc.CompleteHandoff(ctx, h.ID, "raven")
	if !errors.As(err, &transition) || transition.Reason != "Handoff is claimed by phoenix" {
		t.Fatalf("expected claimer rejection, got %v", err)
	}

	done, err := svc.CompleteHandoff(ctx, h.ID, "phoenix")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != HandoffCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed state: %+v", done)
	}

	// Replaying complete is rejected without mutation
	_, err = svc.CompleteHandoff(ctx, h.ID, "phoenix")
	if !errors.As(err, &transition) || transition.Reason != "Handoff is completed" {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestHandoff_OpenClaimableByAnyone(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	h, _ := svc.CreateHandoff(ctx, &HandoffRequest{FromAgent: "sparrow", Title: "Open work"})
	claimed, err := svc.ClaimHandoff(ctx, h.ID, "raven")
	if err != nil || claimed.Status != HandoffClaimed {
		t.Fatalf("open handoff claim failed: %v", err)
	}
}

func TestMentions_DetectedOnceViaWork(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	if _, err := svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "hey @raven can you review?"}); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "unrelated chatter"})

	work, err := svc.Work(ctx, "raven")
	if err != nil {
		t.Fatalf("work failed: %v", err)
	}
	if work.Inbox == nil || len(work.Inbox.PendingMentions) != 1 {
		t.Fatalf("expected one pending mention, got %+v", work.Inbox)
	}
	if work.Inbox.PendingMentions[0].Message != "hey @raven can you review?" {
		t.Errorf("unexpected mention: %+v", work.Inbox.PendingMentions[0])
	}

	// Cursor advanced: an immediate second read finds nothing
	work2, err := svc.Work(ctx, "raven")
	if err != nil {
		t.Fatalf("second work failed: %v", err)
	}
	if len(work2.Inbox.PendingMentions) != 0 {
		t.Errorf("expected no mentions after cursor advance, got %+v", work2.Inbox.PendingMentions)
	}
}

func TestMentions_BroadcastAndBoundary(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "@everyone standup in 5"})
	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "ping @ravenclaw only"})
	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "raven", Message: "@raven self ping"})

	resp, err := svc.GetChat(ctx, &ChatQuery{AgentID: "raven"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	// @everyone matches; @ravenclaw must not word-boundary-match @raven; own
	// messages never count.
	if len(resp.PendingMentions) != 1 || resp.PendingMentions[0].Message != "@everyone standup in 5" {
		t.Fatalf("unexpected mentions: %+v", resp.PendingMentions)
	}
}

func TestChat_InboxOnly(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "@raven look at this"})

	resp, err := svc.GetChat(ctx, &ChatQuery{AgentID: "raven", InboxOnly: true})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Errorf("inbox-only should suppress messages, got %d", len(resp.Messages))
	}
	if len(resp.PendingMentions) != 1 {
		t.Errorf("expected one mention, got %d", len(resp.PendingMentions))
	}
}

func TestAddReaction(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	msg, _ := svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "shipped the parser"})

	updated, err := svc.AddReaction(ctx, msg.ID, &ReactionRequest{Emoji: "🎉", By: "raven"})
	if err != nil {
		t.Fatalf("reaction failed: %v", err)
	}
	if len(updated.Reactions) != 1 || updated.Reactions[0].Emoji != "🎉" || updated.Reactions[0].By != "raven" {
		t.Fatalf("unexpected reactions: %+v", updated.Reactions)
	}

	if _, err := svc.AddReaction(ctx, "nope", &ReactionRequest{Emoji: "x", By: "raven"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestZone_BoundarySafeMembership(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	if _, err := svc.ClaimZone(ctx, &ZoneRequest{Path: "src/api", Owner: "phoenix"}); err != nil {
		t.Fatalf("claim zone failed: %v", err)
	}

	cases := []struct {
		path string
		in   bool
	}{
		{"src/api", true},
		{"src/api/users.go", true},
		{"src/api-v2/foo.ts", false},
		{"src", false},
		{"src/apix", false},
	}
	for _, tc := range cases {
		zone, err := svc.CheckZone(ctx, tc.path)
		if err != nil {
			t.Fatalf("check %s failed: %v", tc.path, err)
		}
		if (zone != nil) != tc.in {
			t.Errorf("path %q: expected in-zone=%v, got zone=%+v", tc.path, tc.in, zone)
		}
	}
}

func TestTasks_PriorityOrdering(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.UpsertTask(ctx, &TaskRequest{Title: "low prio", CreatedBy: "phoenix", Priority: PriorityLow})
	_, _ = svc.UpsertTask(ctx, &TaskRequest{Title: "urgent fix", CreatedBy: "phoenix", Priority: PriorityUrgent})
	_, _ = svc.UpsertTask(ctx, &TaskRequest{Title: "medium work", CreatedBy: "phoenix"})

	tasks, err := svc.ListTasks(ctx, TaskTodo, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Title != "urgent fix" || tasks[2].Title != "low prio" {
		t.Errorf("unexpected ordering: %s, %s, %s", tasks[0].Title, tasks[1].Title, tasks[2].Title)
	}
}

func TestUpsertTask_UpdatePreservesCreation(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	task, _ := svc.UpsertTask(ctx, &TaskRequest{Title: "build parser", CreatedBy: "phoenix"})

	updated, err := svc.UpsertTask(ctx, &TaskRequest{ID: task.ID, Status: TaskInProgress, Assignee: strPtr("raven"), CreatedBy: "raven"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "build parser" {
		t.Errorf("expected title preserved, got %q", updated.Title)
	}
	if updated.Status != TaskInProgress || *updated.Assignee != "raven" {
		t.Errorf("unexpected update: %+v", updated)
	}
	if !updated.CreatedAt.Equal(task.CreatedAt) {
		t.Error("expected createdAt preserved")
	}
}

type fakePeers struct {
	soul       *PeerSoul
	checkpoint *PeerCheckpoint
	dashboard  *PeerDashboard
	err        error
}

func (f *fakePeers) Soul(ctx context.Context, agentID string) (*PeerSoul, error) {
	return f.soul, f.err
}
func (f *fakePeers) Checkpoint(ctx context.Context, agentID string) (*PeerCheckpoint, error) {
	return f.checkpoint, f.err
}
func (f *fakePeers) Dashboard(ctx context.Context, agentID string) (*PeerDashboard, error) {
	return f.dashboard, f.err
}

func TestOnboard_SuggestionPriority(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	// Nothing to do: suggest introducing yourself
	ob, err := svc.Onboard(ctx, "raven")
	if err != nil {
		t.Fatalf("onboard failed: %v", err)
	}
	if ob.SuggestedTask.Type != "introduce" {
		t.Errorf("expected introduce, got %s", ob.SuggestedTask.Type)
	}

	// An unassigned todo beats introducing yourself
	_, _ = svc.UpsertTask(ctx, &TaskRequest{Title: "fix flaky test", CreatedBy: "phoenix", Priority: PriorityHigh})
	ob, _ = svc.Onboard(ctx, "raven")
	if ob.SuggestedTask.Type != "task" || ob.SuggestedTask.Title != "fix flaky test" {
		t.Errorf("expected task suggestion, got %+v", ob.SuggestedTask)
	}

	// A pending handoff beats an open task
	h, _ := svc.CreateHandoff(ctx, &HandoffRequest{FromAgent: "phoenix", ToAgent: strPtr("raven"), Title: "take over auth"})
	ob, _ = svc.Onboard(ctx, "raven")
	if ob.SuggestedTask.Type != "handoff" || ob.SuggestedTask.HandoffID != h.ID {
		t.Errorf("expected handoff suggestion, got %+v", ob.SuggestedTask)
	}

	// Resumable checkpoint work beats everything
	svc.peers = &fakePeers{
		soul:       &PeerSoul{SoulID: "s1", Name: "raven", Level: "capable"},
		checkpoint: &PeerCheckpoint{PendingWork: []string{"finish retry logic"}},
		dashboard:  &PeerDashboard{FlowState: "available"},
	}
	ob, _ = svc.Onboard(ctx, "raven")
	if ob.SuggestedTask.Type != "resume" || ob.SuggestedTask.Detail != "finish retry logic" {
		t.Errorf("expected resume suggestion, got %+v", ob.SuggestedTask)
	}
	if ob.Soul == nil || ob.Checkpoint == nil || ob.Dashboard == nil {
		t.Errorf("expected full bundle, got %+v", ob)
	}
}

func TestOnboard_DegradesOnPeerFailure(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	svc.peers = &fakePeers{err: errors.New("peer unreachable")}
	ob, err := svc.Onboard(ctx, "raven")
	if err != nil {
		t.Fatalf("expected graceful degradation, got %v", err)
	}
	if ob.Soul != nil || ob.Checkpoint != nil || ob.Dashboard != nil {
		t.Errorf("expected null parts, got %+v", ob)
	}
	if ob.SuggestedTask == nil {
		t.Error("expected a suggestion despite peer failure")
	}
}

func TestResume_Aggregation(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "phoenix", Message: "✅ shipped the auth middleware\ndetails below"})
	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "raven", Message: "fixed the flaky websocket test"})
	_, _ = svc.PostChat(ctx, &ChatRequest{Author: "raven", Message: "still poking at the cache"})
	_, _ = svc.UpsertTask(ctx, &TaskRequest{Title: "migrate schema", CreatedBy: "phoenix", Status: TaskInProgress})
	_, _ = svc.CreateHandoff(ctx, &HandoffRequest{FromAgent: "phoenix", Title: "open handoff"})
	_, _ = svc.Claim(ctx, &ClaimRequest{What: "cache-rework", By: "raven"})

	resume, err := svc.Resume(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(resume.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", resume.Participants)
	}
	if len(resume.Accomplishments) != 2 {
		t.Fatalf("expected 2 accomplishments, got %v", resume.Accomplishments)
	}
	// First line only, trimmed
	if resume.Accomplishments[0] != "✅ shipped the auth middleware" && resume.Accomplishments[1] != "✅ shipped the auth middleware" {
		t.Errorf("expected first-line accomplishment, got %v", resume.Accomplishments)
	}
	if len(resume.PendingHandoffs) != 1 || len(resume.InProgressTasks) != 1 || len(resume.ActiveClaims) != 1 {
		t.Errorf("unexpected aggregation: %+v", resume)
	}
	if len(resume.QuickActions) == 0 || resume.Summary == "" {
		t.Errorf("expected quick actions and summary, got %+v", resume)
	}
}
