// Package gittree implements the per-repository tree cache entity: GitHub
// tree snapshots with TTLs by branch class, commit and branch tracking, glob
// search over cached trees, webhook-driven invalidation, and an hourly prune
// alarm.
package gittree

import (
	"strings"
	"time"
)

// Cache TTLs by branch class.
const (
	MainBranchTTL  = 15 * time.Minute
	OtherBranchTTL = time.Hour
	SnapshotTTL    = 7 * 24 * time.Hour
)

// mainBranches get the short TTL: they move fast and readers want freshness.
var mainBranches = map[string]bool{
	"main":        true,
	"master":      true,
	"develop":     true,
	"development": true,
}

// BranchCacheKey keys the cached head of a branch.
func BranchCacheKey(branch string) string { return "branch-" + branch }

// SnapshotCacheKey keys a frozen tree at a commit.
func SnapshotCacheKey(sha string) string { return "sha-" + sha }

// BranchTTL returns the cache TTL for a branch head.
func BranchTTL(branch string) time.Duration {
	if mainBranches[branch] {
		return MainBranchTTL
	}
	return OtherBranchTTL
}

// CachedTree is one cached tree snapshot.
type CachedTree struct {
	CacheKey  string    `json:"cacheKey" db:"cache_key"`
	Branch    string    `json:"branch,omitempty" db:"branch"`
	CommitSHA string    `json:"commitSha" db:"commit_sha"`
	Truncated bool      `json:"truncated" db:"truncated"`
	FetchedAt time.Time `json:"fetchedAt" db:"fetched_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
}

// Expired reports whether the snapshot is past its TTL.
func (t *CachedTree) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// CachedFile is one node of a cached tree.
type CachedFile struct {
	TreeKey string `json:"-" db:"tree_key"`
	Path    string `json:"path" db:"path"`
	Type    string `json:"type" db:"type"` // blob | tree
	Mode    string `json:"mode,omitempty" db:"mode"`
	SHA     string `json:"sha" db:"sha"`
	Size    int64  `json:"size,omitempty" db:"size"`
}

// Depth returns the path's segment count.
func (f *CachedFile) Depth() int {
	return strings.Count(f.Path, "/") + 1
}

// Commit is one tracked commit.
type Commit struct {
	SHA         string    `json:"sha" db:"sha"`
	Branch      string    `json:"branch" db:"branch"`
	Message     string    `json:"message" db:"message"`
	Author      string    `json:"author" db:"author"`
	AuthorEmail string    `json:"authorEmail,omitempty" db:"author_email"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Branch is one tracked branch pointer.
type Branch struct {
	Name      string    `json:"name" db:"name"`
	HeadSHA   string    `json:"headSha" db:"head_sha"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// File change types recorded from webhook pushes.
const (
	ChangeAdded    = "added"
	ChangeDeleted  = "deleted"
	ChangeModified = "modified"
)

// FileChange is one path touched by a tracked commit.
type FileChange struct {
	CommitSHA  string `json:"commitSha" db:"commit_sha"`
	Path       string `json:"path" db:"path"`
	ChangeType string `json:"changeType" db:"change_type"`
}
