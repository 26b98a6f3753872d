package agentstate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
)

func createTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentstate.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(writerConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create agentstate store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return NewService(store, "phoenix", nil, 0, logger.Default())
}

func TestCheckpoint_MergesOmittedFields(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	if _, err := svc.GetCheckpoint(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	first, err := svc.SaveCheckpoint(ctx, &CheckpointRequest{
		ConversationSummary: "refactoring the auth flow",
		PendingWork:         []string{"wire the session store"},
		FilesEdited:         []string{"internal/auth/session.go"},
	})
	if err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if first.ConversationSummary != "refactoring the auth flow" {
		t.Fatalf("unexpected summary: %q", first.ConversationSummary)
	}

	// Omitted fields keep the saved values.
	second, err := svc.SaveCheckpoint(ctx, &CheckpointRequest{
		Accomplishments: []string{"session store wired"},
	})
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if second.ConversationSummary != "refactoring the auth flow" {
		t.Fatalf("summary was clobbered: %q", second.ConversationSummary)
	}
	if len(second.PendingWork) != 1 || second.PendingWork[0] != "wire the session store" {
		t.Fatalf("pendingWork was clobbered: %v", second.PendingWork)
	}
	if len(second.Accomplishments) != 1 {
		t.Fatalf("accomplishments not saved: %v", second.Accomplishments)
	}
}

func TestDMs_UnreadFilterAndMarkRead(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	m1, err := svc.SendDM(ctx, &DMRequest{From: "raven", Message: "handing off the API work"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if m1.Type != DMNote {
		t.Fatalf("expected default type note, got %q", m1.Type)
	}
	m2, err := svc.SendDM(ctx, &DMRequest{From: "sparrow", Type: DMStatus, Message: "deploy done"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	unread, err := svc.ListDMs(ctx, true, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}

	updated, err := svc.MarkRead(ctx, []string{m1.ID})
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 row updated, got %d", updated)
	}

	unread, err = svc.ListDMs(ctx, true, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != m2.ID {
		t.Fatalf("unexpected unread set: %+v", unread)
	}

	// Marking again is a no-op.
	updated, err = svc.MarkRead(ctx, []string{m1.ID})
	if err != nil {
		t.Fatalf("second mark read failed: %v", err)
	}
	if updated != 0 {
		t.Fatalf("expected 0 rows on repeat, got %d", updated)
	}
}

func TestMemory_SearchByCategoryAndText(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	entries := []MemoryRequest{
		{Category: MemDiscovery, Content: "the rate limiter lives in internal/throttle", Tags: []string{"throttle"}},
		{Category: MemBlocker, Content: "staging db credentials rotate nightly"},
		{Category: MemDiscovery, Content: "feature flags are cached for 60s"},
	}
	for i := range entries {
		if _, err := svc.SaveMemory(ctx, &entries[i]); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	found, err := svc.SearchMemories(ctx, MemDiscovery, "", 20)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 discovery entries, got %d", len(found))
	}

	found, err = svc.SearchMemories(ctx, "", "rate limiter", 20)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(found) != 1 || found[0].Category != MemDiscovery {
		t.Fatalf("unexpected text search result: %+v", found)
	}

	// Tag text is searchable too.
	found, err = svc.SearchMemories(ctx, "", "throttle", 20)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected tag match, got %d results", len(found))
	}
}

func TestCredentials_MaskingAndBundle(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	if _, err := svc.SetCredential(ctx, &CredentialRequest{Key: "github_token", Value: "ghp_1234567890abcdef"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := svc.SetCredential(ctx, &CredentialRequest{Key: "api_key", Value: "short"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	creds, err := svc.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	previews := map[string]string{}
	for _, c := range creds {
		previews[c.Key] = c.MaskedPreview
	}
	if previews["github_token"] != "ghp_...cdef" {
		t.Fatalf("unexpected long mask: %q", previews["github_token"])
	}
	if previews["api_key"] != "****" {
		t.Fatalf("unexpected short mask: %q", previews["api_key"])
	}

	// The bundle exposes raw values for session injection.
	bundle, err := svc.CredentialBundle(ctx)
	if err != nil {
		t.Fatalf("bundle failed: %v", err)
	}
	if bundle["github_token"] != "ghp_1234567890abcdef" || bundle["api_key"] != "short" {
		t.Fatalf("unexpected bundle: %v", bundle)
	}

	if err := svc.DeleteCredential(ctx, "api_key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.GetCredential(ctx, "api_key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestHeartbeat_HealthAndLogBound(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	// Never-seen agents are unhealthy with no timestamp.
	health, err := svc.Health(ctx)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.IsHealthy || health.LastHeartbeat != nil {
		t.Fatalf("expected unhealthy blank status, got %+v", health)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < heartbeatLogKeep+10; i++ {
		svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if _, err := svc.RecordHeartbeat(ctx, fmt.Sprintf("beat %d", i)); err != nil {
			t.Fatalf("heartbeat %d failed: %v", i, err)
		}
	}

	count, err := svc.store.HeartbeatLogCount(ctx)
	if err != nil {
		t.Fatalf("log count failed: %v", err)
	}
	if count != heartbeatLogKeep {
		t.Fatalf("expected log bounded at %d, got %d", heartbeatLogKeep, count)
	}

	svc.now = func() time.Time { return base.Add(time.Duration(heartbeatLogKeep+10) * time.Second) }
	health, err = svc.Health(ctx)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !health.IsHealthy {
		t.Fatalf("expected healthy agent, got %+v", health)
	}

	// Past the stall threshold the agent reads unhealthy.
	svc.now = func() time.Time { return base.Add(DefaultStallThreshold + time.Hour) }
	health, err = svc.Health(ctx)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if health.IsHealthy {
		t.Fatalf("expected stalled agent to be unhealthy")
	}
}

func TestShadow_Lifecycle(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	st, err := svc.Shadow(ctx, &ShadowRequest{Action: "register-shadow", AgentID: "raven"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if st.ShadowAgent != "raven" || st.RegisteredAt == nil {
		t.Fatalf("unexpected state after register: %+v", st)
	}

	st, err = svc.Shadow(ctx, &ShadowRequest{Action: "takeover", AgentID: "raven"})
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if st.TakenOverBy != "raven" || st.TakenOverAt == nil {
		t.Fatalf("unexpected state after takeover: %+v", st)
	}

	// The record survives re-reads.
	st, err = svc.GetShadow(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if st.ShadowAgent != "raven" || st.TakenOverBy != "raven" {
		t.Fatalf("state not persisted: %+v", st)
	}
}
