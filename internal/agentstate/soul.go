package agentstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBadTransition is returned for an illegal goal state change.
var ErrBadTransition = errors.New("illegal goal transition")

// streakExpiry is how long the streak survives without a trace update.
const streakExpiry = 48 * time.Hour

// EnsureSoul returns the soul, creating it lazily on first access. A freshly
// created soul reports IsNew.
func (s *Service) EnsureSoul(ctx context.Context) (*Soul, error) {
	soul, err := s.store.GetSoul(ctx)
	if err == nil {
		s.deriveSoul(soul)
		return soul, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	soul = &Soul{
		SoulID:          uuid.New().String(),
		Name:            s.agentID,
		CreatedAt:       s.now(),
		Level:           LevelNovice,
		Specializations: map[string]int64{},
		Achievements:    []string{},
		Abilities:       map[string]bool{},
	}
	for _, domain := range specializationDomains {
		soul.Specializations[domain] = 0
	}
	if err := s.store.PutSoul(ctx, soul); err != nil {
		return nil, err
	}
	s.logger.Info("Soul created", zap.String("soul_id", soul.SoulID))
	soul.IsNew = true
	s.deriveSoul(soul)
	return soul, nil
}

// deriveSoul fills the read-time fields: rust level by days since the last
// trace, and the effective XP multiplier.
func (s *Service) deriveSoul(soul *Soul) {
	soul.RustLevel = 0
	if soul.LastTraceAt != nil {
		idle := s.now().Sub(*soul.LastTraceAt)
		switch {
		case idle < 7*24*time.Hour:
			soul.RustLevel = 0
		case idle < 30*24*time.Hour:
			soul.RustLevel = 0.2
		case idle < 90*24*time.Hour:
			soul.RustLevel = 0.4
		default:
			soul.RustLevel = 0.6
		}
	}
	soul.EffectiveXPMultiplier = 1 - 0.5*soul.RustLevel
}

// grantXP adds XP and recomputes the level: the highest tier whose XP,
// streak, and completed-task thresholds are all met. On a level-up the
// abilities of every tier up to the new level are unioned in; abilities are
// never revoked.
func grantXP(soul *Soul, amount int64) {
	if amount < 0 {
		amount = 0
	}
	soul.TotalXP += amount

	newLevel := LevelNovice
	for _, tier := range levelTiers {
		if soul.TotalXP >= tier.MinXP && soul.CurrentStreak >= tier.MinStreak && soul.TasksCompleted >= tier.MinTasks {
			newLevel = tier.Level
		}
	}
	if newLevel != soul.Level {
		soul.Level = newLevel
		if soul.Abilities == nil {
			soul.Abilities = map[string]bool{}
		}
		for _, tier := range levelTiers {
			for _, ability := range tier.GrantAbilities {
				soul.Abilities[ability] = true
			}
			if tier.Level == newLevel {
				break
			}
		}
	}
}

// AddXPRequest is the payload of POST /soul/add-xp.
type AddXPRequest struct {
	Amount int64  `json:"amount"`
	Domain string `json:"domain,omitempty"`
}

// AddXP grants XP directly, optionally crediting a specialization domain.
func (s *Service) AddXP(ctx context.Context, req *AddXPRequest) (*Soul, error) {
	soul, err := s.EnsureSoul(ctx)
	if err != nil {
		return nil, err
	}
	grantXP(soul, req.Amount)
	if req.Domain != "" {
		soul.Specializations[req.Domain] += req.Amount
	}
	if err := s.store.PutSoul(ctx, soul); err != nil {
		return nil, err
	}
	s.deriveSoul(soul)
	return soul, nil
}

// UpdateFromTraceRequest is the payload of POST /soul/update-from-trace.
type UpdateFromTraceRequest struct {
	TraceID string `json:"traceId"`
	Domain  string `json:"domain,omitempty"`
}

// UpdateFromTrace converts a completed trace into progression: XP from the
// trace metrics, streak maintenance, and a trust-score recompute.
func (s *Service) UpdateFromTrace(ctx context.Context, req *UpdateFromTraceRequest) (*Soul, error) {
	trace, err := s.store.GetTrace(ctx, req.TraceID)
	if err != nil {
		return nil, err
	}
	if trace.Summary == nil {
		return nil, errors.New("trace is not completed")
	}
	escalations, err := s.store.ListEscalations(ctx, req.TraceID, false)
	if err != nil {
		return nil, err
	}
	soul, err := s.EnsureSoul(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	xp := traceXP(trace.Summary, escalations)
	humanEscalated := false
	for _, e := range escalations {
		if e.ResolvedBy == ResolvedByHuman {
			humanEscalated = true
		}
	}

	soul.TasksCompleted++
	if !humanEscalated {
		soul.TasksSuccessful++
	}

	// Streak: expire after 48 h of inactivity, reset on human escalation,
	// otherwise extend.
	if soul.LastTraceAt != nil && now.Sub(*soul.LastTraceAt) >= streakExpiry {
		soul.CurrentStreak = 0
	}
	if humanEscalated {
		soul.CurrentStreak = 0
	} else {
		soul.CurrentStreak++
	}
	if soul.CurrentStreak > soul.LongestStreak {
		soul.LongestStreak = soul.CurrentStreak
	}

	grantXP(soul, xp)
	if req.Domain != "" {
		soul.Specializations[req.Domain] += xp / 2
	}

	soul.TrustScore = trustScore(soul)
	soul.LastTraceID = req.TraceID
	soul.LastTraceAt = &now

	if err := s.store.PutSoul(ctx, soul); err != nil {
		return nil, err
	}
	s.deriveSoul(soul)
	return soul, nil
}

// traceXP scores one completed trace: a base award, an efficiency bonus, a
// bonus for resolving every escalation yourself, and a bonus for a clean run.
func traceXP(summary *WorkSummary, escalations []*Escalation) int64 {
	xp := int64(10)
	switch {
	case summary.Efficiency > 0.7:
		xp += 15
	case summary.Efficiency > 0.5:
		xp += 5
	}
	selfResolved := true
	for _, e := range escalations {
		if e.ResolvedBy != ResolvedBySelf && e.ResolvedBy != "" {
			selfResolved = false
			break
		}
	}
	if selfResolved {
		xp += 10
	}
	if len(escalations) == 0 {
		xp += 5
	}
	return xp
}

// trustScore blends success, self-resolution, and escalation avoidance.
func trustScore(soul *Soul) float64 {
	successRate := 1.0
	if soul.TasksCompleted > 0 {
		successRate = float64(soul.TasksSuccessful) / float64(soul.TasksCompleted)
	}
	selfResolutionRate := 1.0
	if soul.EscalationCount > 0 {
		selfResolutionRate = float64(soul.SelfResolvedCount) / float64(soul.EscalationCount)
	}
	avoidanceRate := 1.0
	if soul.TasksCompleted > 0 {
		perTask := float64(soul.EscalationCount) / float64(soul.TasksCompleted)
		if perTask > 1 {
			perTask = 1
		}
		avoidanceRate = 1 - perTask
	}
	score := 0.5*successRate + 0.3*selfResolutionRate + 0.2*avoidanceRate
	if score > 1 {
		score = 1
	}
	return score
}

// --- Goals ---

// GoalRequest is the payload of POST /goals.
type GoalRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	XPReward    int64  `json:"xpReward,omitempty"`
	Source      string `json:"source,omitempty"`
	AssignedBy  string `json:"assignedBy,omitempty"`
	Context     string `json:"context,omitempty"`
}

// CreateGoal queues a goal.
func (s *Service) CreateGoal(ctx context.Context, req *GoalRequest) (*Goal, error) {
	goalType := req.Type
	if goalType == "" {
		goalType = "task"
	}
	g := &Goal{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Type:        goalType,
		Priority:    req.Priority,
		Status:      GoalPending,
		XPReward:    req.XPReward,
		Source:      req.Source,
		AssignedBy:  req.AssignedBy,
		Context:     req.Context,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertGoal(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// ListGoals returns the priority queue, optionally filtered by status.
func (s *Service) ListGoals(ctx context.Context, status string) ([]*Goal, error) {
	return s.store.ListGoals(ctx, status)
}

// StartGoal moves a pending goal to in_progress.
func (s *Service) StartGoal(ctx context.Context, id string) (*Goal, error) {
	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status != GoalPending {
		return nil, ErrBadTransition
	}
	now := s.now()
	g.Status = GoalInProgress
	g.StartedAt = &now
	if err := s.store.UpdateGoal(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CompleteGoal marks a goal done, bumps the soul counters, and adds the XP
// reward directly to the total. Goal rewards do not trigger a level
// recompute.
func (s *Service) CompleteGoal(ctx context.Context, id, outcome string) (*Goal, error) {
	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status != GoalPending && g.Status != GoalInProgress {
		return nil, ErrBadTransition
	}
	now := s.now()
	g.Status = GoalCompleted
	g.CompletedAt = &now
	g.Outcome = outcome
	if err := s.store.UpdateGoal(ctx, g); err != nil {
		return nil, err
	}

	soul, err := s.EnsureSoul(ctx)
	if err != nil {
		return nil, err
	}
	soul.TasksCompleted++
	soul.TasksSuccessful++
	soul.TotalXP += g.XPReward
	if err := s.store.PutSoul(ctx, soul); err != nil {
		return nil, err
	}
	return g, nil
}

// FailGoal marks a goal failed; counted as completed but not successful.
func (s *Service) FailGoal(ctx context.Context, id, outcome string) (*Goal, error) {
	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status != GoalPending && g.Status != GoalInProgress {
		return nil, ErrBadTransition
	}
	now := s.now()
	g.Status = GoalFailed
	g.CompletedAt = &now
	g.Outcome = outcome
	if err := s.store.UpdateGoal(ctx, g); err != nil {
		return nil, err
	}

	soul, err := s.EnsureSoul(ctx)
	if err != nil {
		return nil, err
	}
	soul.TasksCompleted++
	if err := s.store.PutSoul(ctx, soul); err != nil {
		return nil, err
	}
	return g, nil
}

// AbandonGoal is a sink transition with no soul side effects.
func (s *Service) AbandonGoal(ctx context.Context, id string) (*Goal, error) {
	g, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == GoalCompleted || g.Status == GoalFailed {
		return nil, ErrBadTransition
	}
	g.Status = GoalAbandoned
	if err := s.store.UpdateGoal(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGoal removes a goal outright.
func (s *Service) DeleteGoal(ctx context.Context, id string) error {
	return s.store.DeleteGoal(ctx, id)
}

// --- Credentials ---

// CredentialRequest is the payload of POST /credentials.
type CredentialRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetCredential stores a secret.
func (s *Service) SetCredential(ctx context.Context, req *CredentialRequest) (*Credential, error) {
	if err := s.store.PutCredential(ctx, req.Key, req.Value, s.now()); err != nil {
		return nil, err
	}
	return s.store.GetCredential(ctx, req.Key)
}

// GetCredential returns one secret with its value.
func (s *Service) GetCredential(ctx context.Context, key string) (*Credential, error) {
	return s.store.GetCredential(ctx, key)
}

// ListCredentials returns all secrets; callers should surface only the
// masked previews.
func (s *Service) ListCredentials(ctx context.Context) ([]*Credential, error) {
	return s.store.ListCredentials(ctx)
}

// CredentialBundle returns every key with its raw value for session
// injection.
func (s *Service) CredentialBundle(ctx context.Context) (map[string]string, error) {
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	bundle := make(map[string]string, len(creds))
	for _, c := range creds {
		bundle[c.Key] = c.Value
	}
	return bundle, nil
}

// DeleteCredential removes a secret.
func (s *Service) DeleteCredential(ctx context.Context, key string) error {
	return s.store.DeleteCredential(ctx, key)
}
