package gittree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/github"
)

// How long tracked commit history is kept, and how often the prune alarm runs.
const (
	keepCommitHistory = 1000
	pruneInterval     = time.Hour
)

// ErrNoBranch is returned when a webhook payload names no branch.
var ErrNoBranch = errors.New("webhook payload has no branch")

// TreeFetcher is the slice of the GitHub client the service needs.
type TreeFetcher interface {
	GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error)
	GetTree(ctx context.Context, owner, repo, sha string, recursive bool) (*github.Tree, error)
	Compare(ctx context.Context, owner, repo, base, head string) (*github.Comparison, error)
}

var _ TreeFetcher = (*github.Client)(nil)

// Alarmer is the slice of the entity runtime the service needs for pruning.
type Alarmer interface {
	SetAlarm(t time.Time)
	CancelAlarm()
}

// Service implements the tree cache for one repository. All methods run
// under the owning instance's serialization.
type Service struct {
	store   *Store
	client  TreeFetcher
	alarm   Alarmer
	bus     bus.EventBus
	subject string
	owner   string
	repo    string
	logger  *logger.Logger

	now func() time.Time
}

// NewService creates the tree cache service for one repository. The entity
// name is "owner/repo"; the caller wires HandleAlarm as the owning
// instance's alarm callback.
func NewService(store *Store, name string, client TreeFetcher, alarm Alarmer, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	owner, repo, err := splitRepo(name)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		client:  client,
		alarm:   alarm,
		bus:     eventBus,
		subject: events.EntitySubject("gittree", name),
		owner:   owner,
		repo:    repo,
		logger:  log.WithFields(zap.String("component", "gittree"), zap.String("repo", name)),
		now:     time.Now,
	}, nil
}

func splitRepo(name string) (string, string, error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", fmt.Errorf("repository name must be owner/repo, got %q", name)
	}
	return parts[0], parts[1], nil
}

// Close releases the store's database handles.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "gittree", data)
	if err := s.bus.Publish(context.Background(), s.subject, ev); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// ListTreeRequest selects a snapshot and filters its files. SHA pins a
// frozen snapshot; otherwise Branch (default "main") selects the cached
// branch head. Depth < 1 means unlimited.
type ListTreeRequest struct {
	Branch  string
	SHA     string
	Path    string
	Depth   int
	Refresh bool
}

// ListTreeResponse is the filtered view of one snapshot.
type ListTreeResponse struct {
	Branch    string       `json:"branch,omitempty"`
	CommitSHA string       `json:"commitSha"`
	Truncated bool         `json:"truncated"`
	Cached    bool         `json:"cached"`
	FetchedAt time.Time    `json:"fetchedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Files     []CachedFile `json:"files"`
	Total     int          `json:"total"`
}

// ListTree serves the repository tree from cache when fresh, fetching from
// GitHub on a miss, an expired snapshot, or an explicit refresh.
func (s *Service) ListTree(ctx context.Context, req *ListTreeRequest) (*ListTreeResponse, error) {
	tree, cached, err := s.resolveTree(ctx, req.Branch, req.SHA, req.Refresh)
	if err != nil {
		return nil, err
	}

	files, err := s.store.ListFiles(ctx, tree.CacheKey)
	if err != nil {
		return nil, err
	}
	files = filterFiles(files, req.Path, req.Depth)

	return &ListTreeResponse{
		Branch:    tree.Branch,
		CommitSHA: tree.CommitSHA,
		Truncated: tree.Truncated,
		Cached:    cached,
		FetchedAt: tree.FetchedAt,
		ExpiresAt: tree.ExpiresAt,
		Files:     files,
		Total:     len(files),
	}, nil
}

// resolveTree returns the requested snapshot, refreshing from GitHub when
// the cache is missing, expired, or bypassed. The bool reports a cache hit.
func (s *Service) resolveTree(ctx context.Context, branch, sha string, refresh bool) (*CachedTree, bool, error) {
	now := s.now()

	key := ""
	if sha != "" {
		key = SnapshotCacheKey(sha)
	} else {
		if branch == "" {
			branch = "main"
		}
		key = BranchCacheKey(branch)
	}

	cached, err := s.store.GetTree(ctx, key)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if cached != nil && !cached.Expired(now) && !refresh {
		return cached, true, nil
	}

	fresh, err := s.fetchSnapshot(ctx, key, branch, sha, now)
	if err != nil {
		return nil, false, err
	}
	return fresh, false, nil
}

func (s *Service) fetchSnapshot(ctx context.Context, key, branch, sha string, now time.Time) (*CachedTree, error) {
	ttl := SnapshotTTL
	if sha == "" {
		head, err := s.client.GetBranchHead(ctx, s.owner, s.repo, branch)
		if err != nil {
			return nil, err
		}
		sha = head
		ttl = BranchTTL(branch)
		if err := s.store.UpsertBranch(ctx, &Branch{Name: branch, HeadSHA: head, UpdatedAt: now}); err != nil {
			return nil, err
		}
	}

	upstream, err := s.client.GetTree(ctx, s.owner, s.repo, sha, true)
	if err != nil {
		return nil, err
	}

	tree := &CachedTree{
		CacheKey:  key,
		Branch:    branch,
		CommitSHA: sha,
		Truncated: upstream.Truncated,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	files := make([]CachedFile, 0, len(upstream.Entries))
	for _, e := range upstream.Entries {
		files = append(files, CachedFile{
			TreeKey: key,
			Path:    e.Path,
			Type:    e.Type,
			Mode:    e.Mode,
			SHA:     e.SHA,
			Size:    e.Size,
		})
	}
	if err := s.store.ReplaceTree(ctx, tree, files); err != nil {
		return nil, err
	}

	s.logger.Info("Refreshed tree snapshot",
		zap.String("cache_key", key),
		zap.String("commit_sha", sha),
		zap.Int("files", len(files)))
	s.publish(events.TreeRefreshed, map[string]interface{}{
		"cacheKey":  key,
		"branch":    branch,
		"commitSha": sha,
		"files":     len(files),
	})
	return tree, nil
}

// filterFiles applies the path scope and depth limit. A path keeps itself
// and its descendants; depth counts segments below the scope.
func filterFiles(files []CachedFile, path string, depth int) []CachedFile {
	if path == "" && depth < 1 {
		return files
	}
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	out := []CachedFile{}
	for _, f := range files {
		rel := f.Path
		if path != "" {
			if f.Path == path {
				out = append(out, f)
				continue
			}
			if !strings.HasPrefix(f.Path, prefix) {
				continue
			}
			rel = f.Path[len(prefix):]
		}
		if depth >= 1 && strings.Count(rel, "/")+1 > depth {
			continue
		}
		out = append(out, f)
	}
	return out
}

// GetFileRequest looks up one path within a snapshot.
type GetFileRequest struct {
	Branch string
	SHA    string
	Path   string
}

// GetFile returns one file's cached metadata, refreshing the snapshot first
// when stale. Returns ErrNotFound when the path is not in the tree.
func (s *Service) GetFile(ctx context.Context, req *GetFileRequest) (*CachedFile, error) {
	tree, _, err := s.resolveTree(ctx, req.Branch, req.SHA, false)
	if err != nil {
		return nil, err
	}
	return s.store.GetFile(ctx, tree.CacheKey, req.Path)
}

// SearchRequest matches cached blob paths against a glob. * and ** match any
// run of characters, ? matches one.
type SearchRequest struct {
	Branch  string
	SHA     string
	Pattern string
	Limit   int
}

// SearchResponse lists matching files within one snapshot.
type SearchResponse struct {
	Branch    string       `json:"branch,omitempty"`
	CommitSHA string       `json:"commitSha"`
	Pattern   string       `json:"pattern"`
	Files     []CachedFile `json:"files"`
	Total     int          `json:"total"`
}

// SearchFiles matches blob paths in the snapshot against the glob pattern.
func (s *Service) SearchFiles(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.Pattern == "" {
		return nil, fmt.Errorf("search pattern is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	tree, _, err := s.resolveTree(ctx, req.Branch, req.SHA, false)
	if err != nil {
		return nil, err
	}
	files, err := s.store.SearchFiles(ctx, tree.CacheKey, globToLike(req.Pattern), limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Branch:    tree.Branch,
		CommitSHA: tree.CommitSHA,
		Pattern:   req.Pattern,
		Files:     files,
		Total:     len(files),
	}, nil
}

// globToLike rewrites a glob into a SQL LIKE pattern, escaping literal
// wildcard characters with a backslash.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ListCommits returns tracked commits newest first, optionally scoped to a
// branch. Limit defaults to 50.
func (s *Service) ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListCommits(ctx, branch, limit)
}

// ListBranches returns all tracked branch pointers.
func (s *Service) ListBranches(ctx context.Context) ([]Branch, error) {
	return s.store.ListBranches(ctx)
}

// ListFileChanges returns the recorded changes for one tracked commit.
func (s *Service) ListFileChanges(ctx context.Context, commitSHA string) ([]FileChange, error) {
	return s.store.ListFileChanges(ctx, commitSHA)
}

// CompareBranches proxies a base...head comparison to GitHub.
func (s *Service) CompareBranches(ctx context.Context, base, head string) (*github.Comparison, error) {
	if base == "" || head == "" {
		return nil, fmt.Errorf("base and head are required")
	}
	return s.client.Compare(ctx, s.owner, s.repo, base, head)
}

// WebhookCommit is one commit from a push payload.
type WebhookCommit struct {
	ID        string        `json:"id"`
	Message   string        `json:"message"`
	Author    WebhookAuthor `json:"author"`
	Timestamp time.Time     `json:"timestamp"`
	Added     []string      `json:"added,omitempty"`
	Removed   []string      `json:"removed,omitempty"`
	Modified  []string      `json:"modified,omitempty"`
}

// WebhookAuthor identifies a push commit's author.
type WebhookAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// WebhookRequest is a push notification. Branch may be given directly or as
// a refs/heads/ ref; After names the new branch head.
type WebhookRequest struct {
	Branch  string          `json:"branch,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	After   string          `json:"after,omitempty"`
	Commits []WebhookCommit `json:"commits,omitempty"`
}

// WebhookResponse reports what a push notification changed.
type WebhookResponse struct {
	Branch      string `json:"branch"`
	HeadSHA     string `json:"headSha,omitempty"`
	Tracked     int    `json:"tracked"`
	Invalidated bool   `json:"invalidated"`
}

// Webhook ingests a push: tracks its commits and file changes, advances the
// branch pointer, and invalidates the branch's cached tree so the next read
// refetches.
func (s *Service) Webhook(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	branch := req.Branch
	if branch == "" {
		branch = strings.TrimPrefix(req.Ref, "refs/heads/")
	}
	if branch == "" || branch == req.Ref {
		return nil, ErrNoBranch
	}
	now := s.now()

	head := req.After
	for _, c := range req.Commits {
		if c.ID == "" {
			continue
		}
		ts := c.Timestamp
		if ts.IsZero() {
			ts = now
		}
		commit := &Commit{
			SHA:         c.ID,
			Branch:      branch,
			Message:     c.Message,
			Author:      c.Author.Name,
			AuthorEmail: c.Author.Email,
			Timestamp:   ts,
		}
		if err := s.store.InsertCommit(ctx, commit); err != nil {
			return nil, err
		}
		changes := make([]FileChange, 0, len(c.Added)+len(c.Removed)+len(c.Modified))
		for _, p := range c.Added {
			changes = append(changes, FileChange{CommitSHA: c.ID, Path: p, ChangeType: ChangeAdded})
		}
		for _, p := range c.Removed {
			changes = append(changes, FileChange{CommitSHA: c.ID, Path: p, ChangeType: ChangeDeleted})
		}
		for _, p := range c.Modified {
			changes = append(changes, FileChange{CommitSHA: c.ID, Path: p, ChangeType: ChangeModified})
		}
		if err := s.store.InsertFileChanges(ctx, changes); err != nil {
			return nil, err
		}
		if head == "" {
			head = c.ID
		}
	}

	if head != "" {
		if err := s.store.UpsertBranch(ctx, &Branch{Name: branch, HeadSHA: head, UpdatedAt: now}); err != nil {
			return nil, err
		}
	}
	if err := s.store.ExpireTree(ctx, BranchCacheKey(branch), time.Unix(0, 0)); err != nil {
		return nil, err
	}

	s.logger.Info("Tracked push",
		zap.String("branch", branch),
		zap.String("head_sha", head),
		zap.Int("commits", len(req.Commits)))
	s.publish(events.CommitTracked, map[string]interface{}{
		"branch":  branch,
		"headSha": head,
		"commits": len(req.Commits),
	})

	return &WebhookResponse{
		Branch:      branch,
		HeadSHA:     head,
		Tracked:     len(req.Commits),
		Invalidated: true,
	}, nil
}

// ArmPrune schedules the next cache prune sweep.
func (s *Service) ArmPrune() {
	if s.alarm == nil {
		return
	}
	s.alarm.SetAlarm(s.now().Add(pruneInterval))
}

// HandleAlarm runs the hourly prune: expired snapshots go, commit history is
// trimmed, and orphaned file changes are removed. Always re-arms.
func (s *Service) HandleAlarm(ctx context.Context) error {
	defer s.ArmPrune()

	if err := s.store.Prune(ctx, s.now(), keepCommitHistory); err != nil {
		s.logger.Error("Prune sweep failed", zap.Error(err))
		return err
	}
	s.logger.Debug("Pruned tree cache")
	return nil
}
