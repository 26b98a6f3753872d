package gittree

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
	"github.com/agentmesh/agentmesh/internal/github"
)

type fakeAlarm struct {
	setAt     []time.Time
	cancelled int
}

func (f *fakeAlarm) SetAlarm(t time.Time) { f.setAt = append(f.setAt, t) }
func (f *fakeAlarm) CancelAlarm()         { f.cancelled++ }

// fakeGitHub serves canned branch heads and trees and counts fetches.
type fakeGitHub struct {
	heads      map[string]string
	trees      map[string]*github.Tree
	comparison *github.Comparison
	headCalls  int
	treeCalls  int
	err        error
}

func (f *fakeGitHub) GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	f.headCalls++
	if f.err != nil {
		return "", f.err
	}
	head, ok := f.heads[branch]
	if !ok {
		return "", fmt.Errorf("unknown branch %s", branch)
	}
	return head, nil
}

func (f *fakeGitHub) GetTree(ctx context.Context, owner, repo, sha string, recursive bool) (*github.Tree, error) {
	f.treeCalls++
	if f.err != nil {
		return nil, f.err
	}
	tree, ok := f.trees[sha]
	if !ok {
		return nil, fmt.Errorf("unknown tree %s", sha)
	}
	return tree, nil
}

func (f *fakeGitHub) Compare(ctx context.Context, owner, repo, base, head string) (*github.Comparison, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.comparison, nil
}

func createTestService(t *testing.T, gh *fakeGitHub) (*Service, *fakeAlarm) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gittree.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(writerConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create gittree store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	alarm := &fakeAlarm{}
	svc, err := NewService(store, "acme/widgets", gh, alarm, nil, logger.Default())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, alarm
}

func mainTree() *fakeGitHub {
	return &fakeGitHub{
		heads: map[string]string{"main": "abc123", "feature": "def456"},
		trees: map[string]*github.Tree{
			"abc123": {
				SHA: "abc123",
				Entries: []github.TreeEntry{
					{Path: "README.md", Type: "blob", SHA: "f1", Size: 120},
					{Path: "src", Type: "tree", SHA: "d1"},
					{Path: "src/main.go", Type: "blob", SHA: "f2", Size: 3400},
					{Path: "src/util", Type: "tree", SHA: "d2"},
					{Path: "src/util/glob.go", Type: "blob", SHA: "f3", Size: 800},
					{Path: "docs/guide.md", Type: "blob", SHA: "f4", Size: 2100},
				},
			},
			"def456": {
				SHA: "def456",
				Entries: []github.TreeEntry{
					{Path: "README.md", Type: "blob", SHA: "f1", Size: 120},
				},
			},
		},
	}
}

func TestNewService_RejectsBadRepoName(t *testing.T) {
	for _, name := range []string{"acme", "acme/", "/widgets", "acme/widgets/extra"} {
		if _, _, err := splitRepo(name); err == nil {
			t.Errorf("expected error for repo name %q", name)
		}
	}
}

func TestListTree_CachesUntilExpiry(t *testing.T) {
	gh := mainTree()
	svc, _ := createTestService(t, gh)
	ctx := context.Background()

	resp, err := svc.ListTree(ctx, &ListTreeRequest{})
	if err != nil {
		t.Fatalf("first list failed: %v", err)
	}
	if resp.Cached {
		t.Error("first list should be a cache miss")
	}
	if resp.Branch != "main" || resp.CommitSHA != "abc123" {
		t.Errorf("unexpected snapshot: branch=%s sha=%s", resp.Branch, resp.CommitSHA)
	}
	if resp.Total != 6 {
		t.Errorf("expected 6 files, got %d", resp.Total)
	}
	if want := resp.FetchedAt.Add(MainBranchTTL); !resp.ExpiresAt.Equal(want) {
		t.Errorf("main branch should carry the short TTL, got expiry %v", resp.ExpiresAt)
	}

	again, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("second list failed: %v", err)
	}
	if !again.Cached {
		t.Error("second list should hit the cache")
	}
	if gh.headCalls != 1 || gh.treeCalls != 1 {
		t.Errorf("cache hit should not refetch: head=%d tree=%d", gh.headCalls, gh.treeCalls)
	}

	// Past the TTL the next read refetches.
	svc.now = func() time.Time { return time.Now().Add(MainBranchTTL + time.Minute) }
	stale, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("post-expiry list failed: %v", err)
	}
	if stale.Cached {
		t.Error("expired snapshot should refetch")
	}
	if gh.treeCalls != 2 {
		t.Errorf("expected second upstream tree fetch, got %d", gh.treeCalls)
	}
}

func TestListTree_RefreshBypassesCache(t *testing.T) {
	gh := mainTree()
	svc, _ := createTestService(t, gh)
	ctx := context.Background()

	if _, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	resp, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main", Refresh: true})
	if err != nil {
		t.Fatalf("refresh list failed: %v", err)
	}
	if resp.Cached {
		t.Error("refresh=true must bypass the cache")
	}
	if gh.treeCalls != 2 {
		t.Errorf("expected refetch on refresh, got %d tree calls", gh.treeCalls)
	}
}

func TestListTree_PathAndDepthFilters(t *testing.T) {
	svc, _ := createTestService(t, mainTree())
	ctx := context.Background()

	scoped, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main", Path: "src"})
	if err != nil {
		t.Fatalf("scoped list failed: %v", err)
	}
	if scoped.Total != 4 {
		t.Fatalf("path=src should keep src and its descendants, got %d", scoped.Total)
	}
	for _, f := range scoped.Files {
		if f.Path != "src" && f.Path[:4] != "src/" {
			t.Errorf("unexpected path %s in scoped listing", f.Path)
		}
	}

	shallow, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main", Path: "src", Depth: 1})
	if err != nil {
		t.Fatalf("depth list failed: %v", err)
	}
	// src itself, src/main.go, src/util; src/util/glob.go is two levels down.
	if shallow.Total != 3 {
		t.Errorf("depth=1 under src should keep 3 entries, got %d", shallow.Total)
	}
	for _, f := range shallow.Files {
		if f.Path == "src/util/glob.go" {
			t.Error("depth=1 should exclude src/util/glob.go")
		}
	}

	top, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main", Depth: 1})
	if err != nil {
		t.Fatalf("top-level list failed: %v", err)
	}
	if top.Total != 2 { // README.md, src (docs/guide.md has no docs dir entry at depth 1)
		t.Errorf("depth=1 at root should keep 2 entries, got %d", top.Total)
	}
}

func TestListTree_SnapshotUsesLongTTL(t *testing.T) {
	gh := mainTree()
	svc, _ := createTestService(t, gh)
	ctx := context.Background()

	resp, err := svc.ListTree(ctx, &ListTreeRequest{SHA: "abc123"})
	if err != nil {
		t.Fatalf("snapshot list failed: %v", err)
	}
	if want := resp.FetchedAt.Add(SnapshotTTL); !resp.ExpiresAt.Equal(want) {
		t.Errorf("sha snapshot should carry the 7d TTL, got expiry %v", resp.ExpiresAt)
	}
	if gh.headCalls != 0 {
		t.Error("sha snapshot should not resolve a branch head")
	}
}

func TestGetFile_RefreshesAndMisses(t *testing.T) {
	svc, _ := createTestService(t, mainTree())
	ctx := context.Background()

	file, err := svc.GetFile(ctx, &GetFileRequest{Branch: "main", Path: "src/main.go"})
	if err != nil {
		t.Fatalf("get file failed: %v", err)
	}
	if file.SHA != "f2" || file.Size != 3400 || file.Type != "blob" {
		t.Errorf("unexpected file: %+v", file)
	}

	if _, err := svc.GetFile(ctx, &GetFileRequest{Branch: "main", Path: "missing.go"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing path, got %v", err)
	}
}

func TestSearchFiles_GlobMatching(t *testing.T) {
	svc, _ := createTestService(t, mainTree())
	ctx := context.Background()

	resp, err := svc.SearchFiles(ctx, &SearchRequest{Branch: "main", Pattern: "**/*.go"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2 .go files, got %d: %+v", resp.Total, resp.Files)
	}
	for _, f := range resp.Files {
		if f.Type != "blob" {
			t.Errorf("search must only match blobs, got %s %s", f.Type, f.Path)
		}
	}

	md, err := svc.SearchFiles(ctx, &SearchRequest{Branch: "main", Pattern: "*.md"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if md.Total != 2 { // README.md and docs/guide.md: * maps to % and crosses separators
		t.Errorf("expected 2 markdown matches, got %d", md.Total)
	}

	one, err := svc.SearchFiles(ctx, &SearchRequest{Branch: "main", Pattern: "src/main.g?"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if one.Total != 1 || one.Files[0].Path != "src/main.go" {
		t.Errorf("expected single ? match, got %+v", one.Files)
	}
}

func TestGlobToLike_EscapesLiteralWildcards(t *testing.T) {
	if got := globToLike("a*b?c%d_e"); got != `a%b_c\%d\_e` {
		t.Errorf("unexpected LIKE pattern %q", got)
	}
}

func TestWebhook_TracksAndInvalidates(t *testing.T) {
	gh := mainTree()
	svc, _ := createTestService(t, gh)
	ctx := context.Background()

	if _, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"}); err != nil {
		t.Fatalf("priming list failed: %v", err)
	}

	resp, err := svc.Webhook(ctx, &WebhookRequest{
		Ref:   "refs/heads/main",
		After: "new789",
		Commits: []WebhookCommit{
			{
				ID:        "new789",
				Message:   "add glob search",
				Author:    WebhookAuthor{Name: "dev"},
				Timestamp: time.Now(),
				Added:     []string{"src/search.go"},
				Modified:  []string{"src/main.go"},
			},
		},
	})
	if err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	if resp.Tracked != 1 || !resp.Invalidated || resp.HeadSHA != "new789" {
		t.Errorf("unexpected webhook response: %+v", resp)
	}

	commits, err := svc.ListCommits(ctx, "main", 0)
	if err != nil {
		t.Fatalf("list commits failed: %v", err)
	}
	if len(commits) != 1 || commits[0].SHA != "new789" || commits[0].Author != "dev" {
		t.Errorf("unexpected commits: %+v", commits)
	}

	changes, err := svc.ListFileChanges(ctx, "new789")
	if err != nil {
		t.Fatalf("list changes failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 file changes, got %d", len(changes))
	}
	byPath := map[string]string{}
	for _, ch := range changes {
		byPath[ch.Path] = ch.ChangeType
	}
	if byPath["src/search.go"] != ChangeAdded || byPath["src/main.go"] != ChangeModified {
		t.Errorf("unexpected change types: %v", byPath)
	}

	branches, err := svc.ListBranches(ctx)
	if err != nil {
		t.Fatalf("list branches failed: %v", err)
	}
	if len(branches) != 1 || branches[0].HeadSHA != "new789" {
		t.Errorf("branch pointer not advanced: %+v", branches)
	}

	// The invalidated cache forces the next read back to upstream.
	before := gh.treeCalls
	next, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("post-webhook list failed: %v", err)
	}
	if next.Cached {
		t.Error("webhook invalidation should force a refetch")
	}
	if gh.treeCalls != before+1 {
		t.Errorf("expected one more upstream fetch, got %d", gh.treeCalls-before)
	}
}

func TestWebhook_RejectsMissingBranch(t *testing.T) {
	svc, _ := createTestService(t, mainTree())
	if _, err := svc.Webhook(context.Background(), &WebhookRequest{After: "x"}); !errors.Is(err, ErrNoBranch) {
		t.Errorf("expected ErrNoBranch, got %v", err)
	}
}

func TestHandleAlarm_PrunesExpiredAndRearms(t *testing.T) {
	gh := mainTree()
	svc, alarm := createTestService(t, gh)
	ctx := context.Background()

	if _, err := svc.ListTree(ctx, &ListTreeRequest{Branch: "main"}); err != nil {
		t.Fatalf("priming list failed: %v", err)
	}
	if _, err := svc.Webhook(ctx, &WebhookRequest{Branch: "main", After: "new789", Commits: []WebhookCommit{
		{ID: "new789", Message: "m", Author: WebhookAuthor{Name: "dev"}, Timestamp: time.Now()},
	}}); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	before := time.Now()
	if err := svc.HandleAlarm(ctx); err != nil {
		t.Fatalf("alarm failed: %v", err)
	}

	// The epoch-expired main snapshot is gone, so the cache misses.
	if _, err := svc.store.GetTree(ctx, BranchCacheKey("main")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected pruned tree, got %v", err)
	}
	files, err := svc.store.ListFiles(ctx, BranchCacheKey("main"))
	if err != nil {
		t.Fatalf("list files failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected pruned files, got %d", len(files))
	}

	// Recent commits survive.
	if n, err := svc.store.CountCommits(ctx); err != nil || n != 1 {
		t.Errorf("expected 1 surviving commit, got %d (err %v)", n, err)
	}

	if len(alarm.setAt) == 0 {
		t.Fatal("alarm should re-arm after the sweep")
	}
	next := alarm.setAt[len(alarm.setAt)-1]
	if next.Before(before.Add(pruneInterval-time.Minute)) || next.After(time.Now().Add(pruneInterval+time.Minute)) {
		t.Errorf("sweep should re-arm about an hour out, got %v", next)
	}
}

func TestPrune_TrimsCommitHistoryAndOrphanedChanges(t *testing.T) {
	svc, _ := createTestService(t, mainTree())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 20; i++ {
		sha := fmt.Sprintf("c%02d", i)
		c := &Commit{SHA: sha, Branch: "main", Message: "m", Author: "dev", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := svc.store.InsertCommit(ctx, c); err != nil {
			t.Fatalf("insert commit failed: %v", err)
		}
		if err := svc.store.InsertFileChanges(ctx, []FileChange{{CommitSHA: sha, Path: "a.go", ChangeType: ChangeModified}}); err != nil {
			t.Fatalf("insert changes failed: %v", err)
		}
	}

	if err := svc.store.Prune(ctx, time.Now(), 5); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	n, err := svc.store.CountCommits(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 newest commits kept, got %d", n)
	}
	commits, err := svc.store.ListCommits(ctx, "main", 100)
	if err != nil {
		t.Fatalf("list commits failed: %v", err)
	}
	if commits[0].SHA != "c19" || commits[len(commits)-1].SHA != "c15" {
		t.Errorf("prune should keep the newest commits: %+v", commits)
	}

	// Changes for pruned commits are orphans and go with them.
	if changes, _ := svc.store.ListFileChanges(ctx, "c00"); len(changes) != 0 {
		t.Errorf("expected orphaned changes pruned, got %d", len(changes))
	}
	if changes, _ := svc.store.ListFileChanges(ctx, "c19"); len(changes) != 1 {
		t.Errorf("expected surviving changes for kept commit, got %d", len(changes))
	}
}

func TestCompareBranches_ProxiesClient(t *testing.T) {
	gh := mainTree()
	gh.comparison = &github.Comparison{Status: "ahead", AheadBy: 2, TotalCommits: 2}
	svc, _ := createTestService(t, gh)

	cmp, err := svc.CompareBranches(context.Background(), "main", "feature")
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if cmp.Status != "ahead" || cmp.AheadBy != 2 {
		t.Errorf("unexpected comparison: %+v", cmp)
	}
	if _, err := svc.CompareBranches(context.Background(), "", "feature"); err == nil {
		t.Error("expected error for missing base")
	}
}
