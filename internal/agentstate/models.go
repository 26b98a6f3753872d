// Package agentstate implements the per-agent private entity: checkpoints,
// direct messages, memories, work traces with escalation detection, the
// soul progression system, credentials, goals, and heartbeat monitoring.
package agentstate

import "time"

// Checkpoint is the agent's saved working context, a singleton row upserted
// with COALESCE semantics.
type Checkpoint struct {
	ConversationSummary string    `json:"conversationSummary,omitempty"`
	Accomplishments     []string  `json:"accomplishments"`
	PendingWork         []string  `json:"pendingWork"`
	RecentContext       string    `json:"recentContext,omitempty"`
	FilesEdited         []string  `json:"filesEdited"`
	CheckpointAt        time.Time `json:"checkpointAt"`
}

// Direct message types
const (
	DMStatus  = "status"
	DMHandoff = "handoff"
	DMNote    = "note"
	DMMention = "mention"
)

// DirectMessage is one inbox entry. Only the read flag mutates after insert.
type DirectMessage struct {
	ID        string    `json:"id" db:"id"`
	From      string    `json:"from" db:"from_agent"`
	Type      string    `json:"type" db:"type"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Read      bool      `json:"read" db:"read"`
}

// Memory categories
const (
	MemDiscovery = "discovery"
	MemDecision  = "decision"
	MemBlocker   = "blocker"
	MemLearning  = "learning"
	MemPattern   = "pattern"
	MemWarning   = "warning"
)

// Memory is one append-only knowledge entry.
type Memory struct {
	ID        string    `json:"id" db:"id"`
	Category  string    `json:"category" db:"category"`
	Content   string    `json:"content" db:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Work step outcomes
const (
	OutcomeFound   = "found"
	OutcomeNothing = "nothing"
	OutcomeError   = "error"
	OutcomePartial = "partial"
)

// Work step contribution types
const (
	ContribEnabling = "enabling"
	ContribPruning  = "pruning"
	ContribDirect   = "direct"
	ContribMinimal  = "minimal"
)

// WorkTrace is one work session and its derived summary once completed.
type WorkTrace struct {
	SessionID   string       `json:"sessionId" db:"session_id"`
	Task        string       `json:"task" db:"task"`
	StartedAt   time.Time    `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time   `json:"completedAt,omitempty" db:"completed_at"`
	Summary     *WorkSummary `json:"summary,omitempty"`
}

// WorkStep is one logged action inside a trace.
type WorkStep struct {
	ID               string    `json:"id" db:"id"`
	SessionID        string    `json:"sessionId" db:"session_id"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	Tool             string    `json:"tool" db:"tool"`
	Intent           string    `json:"intent,omitempty" db:"intent"`
	Outcome          string    `json:"outcome" db:"outcome"`
	DurationMs       int64     `json:"durationMs" db:"duration_ms"`
	ContributionType string    `json:"contributionType,omitempty" db:"contribution_type"`
	KnowledgeGained  string    `json:"knowledgeGained,omitempty" db:"knowledge_gained"`
	EliminatedPaths  []string  `json:"eliminatedPaths"`
	DependsOn        []string  `json:"dependsOn"`
}

// WorkSummary is derived when a trace completes.
type WorkSummary struct {
	TotalSteps        int     `json:"totalSteps"`
	DeadEnds          int     `json:"deadEnds"`
	ExplorationTimeMs int64   `json:"explorationTimeMs"`
	SolutionTimeMs    int64   `json:"solutionTimeMs"`
	Efficiency        float64 `json:"efficiency"`
}

// Escalation trigger kinds
const (
	TriggerStuckLoop         = "stuck_loop"
	TriggerRepeatedFailures  = "repeated_failures"
	TriggerErrorAccumulation = "error_accumulation"
	TriggerTimeExceeded      = "time_exceeded"
	TriggerLowEfficiency     = "low_efficiency"
)

// EscalationTrigger is one fired detection rule.
type EscalationTrigger struct {
	Type   string `json:"type"`
	Level  int    `json:"level"`
	Detail string `json:"detail,omitempty"`
}

// Escalation resolution parties
const (
	ResolvedBySelf  = "self"
	ResolvedByPeer  = "peer"
	ResolvedByHuman = "human"
)

// Escalation records fired triggers on a session. Triggers are immutable;
// only the resolution fields fill in later.
type Escalation struct {
	ID            string              `json:"id" db:"id"`
	SessionID     string              `json:"sessionId" db:"session_id"`
	TriggeredAt   time.Time           `json:"triggeredAt" db:"triggered_at"`
	Triggers      []EscalationTrigger `json:"triggers"`
	HighestLevel  int                 `json:"highestLevel" db:"highest_level"`
	ResolvedAt    *time.Time          `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy    string              `json:"resolvedBy,omitempty" db:"resolved_by"`
	ResolverAgent string              `json:"resolverAgent,omitempty" db:"resolver_agent"`
	HelpfulHint   string              `json:"helpfulHint,omitempty" db:"helpful_hint"`
}

// Soul levels, lowest to highest.
const (
	LevelNovice  = "novice"
	LevelCapable = "capable"
	LevelExpert  = "expert"
	LevelMaster  = "master"
)

// levelTier gates one soul level on XP, streak, and completed tasks.
type levelTier struct {
	Level          string
	MinXP          int64
	MinStreak      int
	MinTasks       int
	GrantAbilities []string
}

// levelTiers, lowest first. Level is the highest tier whose XP, streak and
// completed-task thresholds are all met; on level-up the abilities of every
// tier up to the new level are unioned in.
var levelTiers = []levelTier{
	{Level: LevelNovice, MinXP: 0, MinStreak: 0, MinTasks: 0},
	{Level: LevelCapable, MinXP: 100, MinStreak: 3, MinTasks: 5,
		GrantAbilities: []string{"canCommit"}},
	{Level: LevelExpert, MinXP: 500, MinStreak: 5, MinTasks: 25,
		GrantAbilities: []string{"canSpawnSubagents", "canMentorPeers"}},
	{Level: LevelMaster, MinXP: 2000, MinStreak: 10, MinTasks: 100,
		GrantAbilities: []string{"canAccessProd", "extendedBudget"}},
}

// Specialization domains.
var specializationDomains = []string{"frontend", "backend", "devops", "research"}

// Soul is the agent's progression record, a singleton row created lazily.
// RustLevel and EffectiveXPMultiplier are derived at read time.
type Soul struct {
	SoulID      string    `json:"soulId" db:"soul_id"`
	Name        string    `json:"name" db:"name"`
	Personality string    `json:"personality,omitempty" db:"personality"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`

	TotalXP       int64  `json:"totalXP" db:"total_xp"`
	Level         string `json:"level" db:"level"`
	CurrentStreak int    `json:"currentStreak" db:"current_streak"`
	LongestStreak int    `json:"longestStreak" db:"longest_streak"`

	TasksCompleted       int `json:"tasksCompleted" db:"tasks_completed"`
	TasksSuccessful      int `json:"tasksSuccessful" db:"tasks_successful"`
	PeersHelped          int `json:"peersHelped" db:"peers_helped"`
	EscalationCount      int `json:"escalationCount" db:"escalation_count"`
	SelfResolvedCount    int `json:"selfResolvedCount" db:"self_resolved_count"`
	PeerAssistCount      int `json:"peerAssistCount" db:"peer_assist_count"`
	HumanEscalationCount int `json:"humanEscalationCount" db:"human_escalation_count"`

	Specializations map[string]int64 `json:"specializations"`
	Achievements    []string         `json:"achievements"`
	Abilities       map[string]bool  `json:"abilities"`

	TrustScore        float64 `json:"trustScore" db:"trust_score"`
	TransparencyScore float64 `json:"transparencyScore" db:"transparency_score"`
	TrackRecordScore  float64 `json:"trackRecordScore" db:"track_record_score"`

	LastTraceID string     `json:"lastTraceId,omitempty" db:"last_trace_id"`
	LastTraceAt *time.Time `json:"-" db:"last_trace_at"`

	RustLevel             float64 `json:"rustLevel"`
	EffectiveXPMultiplier float64 `json:"effectiveXPMultiplier"`
	IsNew                 bool    `json:"isNew,omitempty"`
}

// Credential is one stored secret with a masked preview for listings.
type Credential struct {
	Key           string    `json:"key" db:"key"`
	Value         string    `json:"-" db:"value"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
	MaskedPreview string    `json:"maskedPreview"`
}

// MaskValue renders a credential value safe for listings: first four and
// last four characters when longer than 12, otherwise fully masked.
func MaskValue(value string) string {
	if len(value) > 12 {
		return value[:4] + "..." + value[len(value)-4:]
	}
	return "****"
}

// Goal statuses
const (
	GoalPending    = "pending"
	GoalInProgress = "in_progress"
	GoalCompleted  = "completed"
	GoalFailed     = "failed"
	GoalAbandoned  = "abandoned"
)

// Goal is one queued objective, ordered by priority then age.
type Goal struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Type        string     `json:"type" db:"type"`
	Priority    int        `json:"priority" db:"priority"`
	Status      string     `json:"status" db:"status"`
	XPReward    int64      `json:"xpReward" db:"xp_reward"`
	Source      string     `json:"source" db:"source"`
	AssignedBy  string     `json:"assignedBy,omitempty" db:"assigned_by"`
	Context     string     `json:"context,omitempty" db:"context"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	Outcome     string     `json:"outcome,omitempty" db:"outcome"`
}

// HeartbeatStatus reports agent liveness.
type HeartbeatStatus struct {
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	IsHealthy     bool       `json:"isHealthy"`
	StallAfterMs  int64      `json:"stallAfterMs"`
}

// ShadowState is the singleton shadow/takeover record for an agent.
type ShadowState struct {
	ShadowAgent  string     `json:"shadowAgent,omitempty" db:"shadow_agent"`
	IsShadow     bool       `json:"isShadow" db:"is_shadow"`
	ShadowOf     string     `json:"shadowOf,omitempty" db:"shadow_of"`
	TakenOverBy  string     `json:"takenOverBy,omitempty" db:"taken_over_by"`
	TakenOverAt  *time.Time `json:"takenOverAt,omitempty" db:"taken_over_at"`
	RegisteredAt *time.Time `json:"registeredAt,omitempty" db:"registered_at"`
}

// Flow states derived for the dashboard.
const (
	FlowStuck     = "stuck"
	FlowInFlow    = "in_flow"
	FlowAvailable = "available"
	FlowOffline   = "offline"
)
