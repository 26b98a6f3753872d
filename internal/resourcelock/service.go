package resourcelock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Alarmer is the slice of the entity runtime the service needs for expiry.
type Alarmer interface {
	SetAlarm(t time.Time)
	CancelAlarm()
}

// Service implements lock semantics for one resource. All methods run under
// the owning instance's serialization.
type Service struct {
	store        *Store
	alarm        Alarmer
	resourcePath string
	defaultTTL   time.Duration
	logger       *logger.Logger

	now func() time.Time
}

// NewService creates the lock service for one resource. The caller wires
// HandleAlarm as the owning instance's alarm callback.
func NewService(store *Store, resource string, alarm Alarmer, defaultTTL time.Duration, log *logger.Logger) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{
		store:        store,
		alarm:        alarm,
		resourcePath: resource,
		defaultTTL:   defaultTTL,
		logger:       log.WithFields(zap.String("component", "resourcelock"), zap.String("resource", resource)),
		now:          time.Now,
	}
}

// Close releases the store's database handles.
func (s *Service) Close() error {
	return s.store.Close()
}

// LockRequest is the payload of POST /lock.
type LockRequest struct {
	AgentID      string `json:"agentId"`
	Reason       string `json:"reason,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	TTLMs        int64  `json:"ttlMs,omitempty"`
}

// LockResult reports the outcome of a lock attempt. On conflict Success is
// false and LockedBy/RemainingMs describe the current holder.
type LockResult struct {
	Success     bool   `json:"success"`
	Lock        *Lock  `json:"lock,omitempty"`
	LockedBy    string `json:"lockedBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
}

// Lock attempts to acquire the resource. Succeeds when no lock is held, the
// held lock has expired (swept and recorded as expired first), or the holder
// is the requesting agent (re-lock refreshes the TTL).
func (s *Service) Lock(ctx context.Context, req *LockRequest) (*LockResult, error) {
	now := s.now()

	existing, err := s.store.Get(ctx)
	if err != nil && !errors.Is(err, ErrNoLock) {
		return nil, err
	}

	if existing != nil && existing.Expired(now) {
		if err := s.store.Release(ctx, ReleaseExpired, existing.ExpiresAt); err != nil {
			return nil, err
		}
		s.logger.Info("Swept expired lock", zap.String("was_locked_by", existing.LockedBy))
		existing = nil
	}

	relock := existing != nil && existing.LockedBy == req.AgentID
	if existing != nil && !relock {
		return &LockResult{
			Success:     false,
			LockedBy:    existing.LockedBy,
			Reason:      existing.Reason,
			RemainingMs: existing.ExpiresAt.Sub(now).Milliseconds(),
		}, nil
	}

	ttl := s.defaultTTL
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = TypeCustom
	}

	lock := &Lock{
		ResourcePath: s.resourcePath,
		ResourceType: resourceType,
		LockedBy:     req.AgentID,
		Reason:       req.Reason,
		LockedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	if relock {
		lock.LockedAt = existing.LockedAt
	}
	if err := s.store.Put(ctx, lock, !relock); err != nil {
		return nil, err
	}

	s.alarm.SetAlarm(lock.ExpiresAt)
	return &LockResult{Success: true, Lock: lock}, nil
}

// UnlockRequest is the payload of POST /unlock.
type UnlockRequest struct {
	AgentID string `json:"agentId"`
	Force   bool   `json:"force,omitempty"`
}

// UnlockResult reports the outcome of an unlock attempt.
type UnlockResult struct {
	Success  bool   `json:"success"`
	Released string `json:"released,omitempty"` // release reason when successful
	LockedBy string `json:"lockedBy,omitempty"` // holder when ownership fails
}

// ErrNotOwner is returned when a non-owner unlocks without force.
var ErrNotOwner = errors.New("lock is held by another agent")

// Unlock releases the lock when the caller owns it, or unconditionally with
// force (recorded as stolen when the forcer is not the owner).
func (s *Service) Unlock(ctx context.Context, req *UnlockRequest) (*UnlockResult, error) {
	existing, err := s.store.Get(ctx)
	if errors.Is(err, ErrNoLock) {
		return &UnlockResult{Success: true, Released: ""}, nil
	}
	if err != nil {
		return nil, err
	}

	owner := existing.LockedBy == req.AgentID
	if !owner && !req.Force {
		return &UnlockResult{Success: false, LockedBy: existing.LockedBy}, ErrNotOwner
	}

	reason := ReleaseManual
	if !owner {
		reason = ReleaseStolen
	}
	if err := s.store.Release(ctx, reason, s.now()); err != nil {
		return nil, err
	}
	s.alarm.CancelAlarm()

	s.logger.Info("Lock released",
		zap.String("by", req.AgentID),
		zap.String("reason", reason))
	return &UnlockResult{Success: true, Released: reason}, nil
}

// State is the live view returned by GET /check.
type State struct {
	Locked      bool   `json:"locked"`
	Lock        *Lock  `json:"lock,omitempty"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
	Resource    string `json:"resource"`
}

// Check lazily sweeps an expired lock and returns the live state.
func (s *Service) Check(ctx context.Context) (*State, error) {
	now := s.now()
	existing, err := s.store.Get(ctx)
	if errors.Is(err, ErrNoLock) {
		return &State{Locked: false, Resource: s.resourcePath}, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.Expired(now) {
		if err := s.store.Release(ctx, ReleaseExpired, existing.ExpiresAt); err != nil {
			return nil, err
		}
		s.alarm.CancelAlarm()
		return &State{Locked: false, Resource: s.resourcePath}, nil
	}

	return &State{
		Locked:      true,
		Lock:        existing,
		RemainingMs: existing.ExpiresAt.Sub(now).Milliseconds(),
		Resource:    s.resourcePath,
	}, nil
}

// History returns the last 50 acquisitions with their release reasons.
func (s *Service) History(ctx context.Context) ([]*HistoryEntry, error) {
	return s.store.History(ctx, 50)
}

// HandleAlarm releases the lock with reason expired when the TTL elapses.
// Safe against spurious fires: a still-live lock is left alone.
func (s *Service) HandleAlarm(ctx context.Context) error {
	existing, err := s.store.Get(ctx)
	if errors.Is(err, ErrNoLock) {
		return nil
	}
	if err != nil {
		return err
	}
	if !existing.Expired(s.now()) {
		// Alarm from a superseded TTL; re-arm for the real expiry.
		s.alarm.SetAlarm(existing.ExpiresAt)
		return nil
	}
	if err := s.store.Release(ctx, ReleaseExpired, existing.ExpiresAt); err != nil {
		return err
	}
	s.logger.Info("Lock expired", zap.String("was_locked_by", existing.LockedBy))
	return nil
}
