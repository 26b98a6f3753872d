// Package resourcelock implements the per-resource exclusive TTL lock entity.
package resourcelock

import "time"

// Resource types a lock can classify itself as.
const (
	TypeRepoPath = "repo-path"
	TypeBranch   = "branch"
	TypeFileLock = "file-lock"
	TypeCustom   = "custom"
)

// Release reasons recorded in history.
const (
	ReleaseManual  = "manual"
	ReleaseExpired = "expired"
	ReleaseStolen  = "stolen"
)

// DefaultTTL bounds a lock when the caller does not supply ttlMs.
const DefaultTTL = 2 * time.Hour

// Lock is the single live lock row for a resource.
type Lock struct {
	ResourcePath string    `json:"resourcePath" db:"resource_path"`
	ResourceType string    `json:"resourceType" db:"resource_type"`
	LockedBy     string    `json:"lockedBy" db:"locked_by"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	LockedAt     time.Time `json:"lockedAt" db:"locked_at"`
	ExpiresAt    time.Time `json:"expiresAt" db:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// HistoryEntry is one past or current acquisition of the resource.
type HistoryEntry struct {
	ID            int64      `json:"id" db:"id"`
	LockedBy      string     `json:"lockedBy" db:"locked_by"`
	ResourceType  string     `json:"resourceType" db:"resource_type"`
	Reason        string     `json:"reason,omitempty" db:"reason"`
	LockedAt      time.Time  `json:"lockedAt" db:"locked_at"`
	ExpiresAt     time.Time  `json:"expiresAt" db:"expires_at"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty" db:"released_at"`
	ReleaseReason string     `json:"releaseReason,omitempty" db:"release_reason"`
}
