// Package coordinator implements the singleton coordination entity: the
// cross-agent registry, group chat with mention tracking, shared tasks,
// ownership zones, work claims, handoffs, and the session aggregation
// endpoints.
package coordinator

import "time"

// Agent statuses
const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusOffline = "offline"
)

// Agent is one row of the cross-agent registry. Agents are created implicitly
// on first contact and never deleted; offline is terminal by contract.
type Agent struct {
	AgentID       string    `json:"agentId" db:"agent_id"`
	Status        string    `json:"status" db:"status"`
	CurrentTask   *string   `json:"currentTask,omitempty" db:"current_task"`
	WorkingOn     *string   `json:"workingOn,omitempty" db:"working_on"`
	LastSeen      time.Time `json:"lastSeen" db:"last_seen"`
	LastChatCheck time.Time `json:"-" db:"last_chat_check"`
	Capabilities  []string  `json:"capabilities"`
	Offers        []string  `json:"offers"`
	Needs         []string  `json:"needs"`
}

// Reaction is one emoji reaction on a group message.
type Reaction struct {
	Emoji string    `json:"emoji"`
	By    string    `json:"by"`
	At    time.Time `json:"at"`
}

// Author types for group messages
const (
	AuthorAgent  = "agent"
	AuthorHuman  = "human"
	AuthorSystem = "system"
)

// GroupMessage is an append-only group chat entry.
type GroupMessage struct {
	ID         string     `json:"id" db:"id"`
	Author     string     `json:"author" db:"author"`
	AuthorType string     `json:"authorType" db:"author_type"`
	Message    string     `json:"message" db:"message"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	Reactions  []Reaction `json:"reactions"`
}

// Task statuses
const (
	TaskTodo       = "todo"
	TaskInProgress = "in-progress"
	TaskDone       = "done"
	TaskBlocked    = "blocked"
)

// Task priorities
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task is a shared work item. Any caller may create one; the assignee may
// change over its life.
type Task struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	Status      string    `json:"status" db:"status"`
	Assignee    *string   `json:"assignee,omitempty" db:"assignee"`
	CreatedBy   string    `json:"createdBy" db:"created_by"`
	Priority    string    `json:"priority" db:"priority"`
	Tags        []string  `json:"tags"`
	Files       []string  `json:"files"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Zone is an ownership claim over a path subtree. Membership is boundary-safe
// prefix matching: a query path lies in a zone iff it equals the zone path or
// starts with the zone path followed by "/".
type Zone struct {
	ZoneID      string    `json:"zoneId" db:"zone_id"`
	Path        string    `json:"path" db:"path"`
	Owner       string    `json:"owner" db:"owner"`
	Description string    `json:"description,omitempty" db:"description"`
	ClaimedAt   time.Time `json:"claimedAt" db:"claimed_at"`
}

// Contains reports whether p lies inside the zone.
func (z *Zone) Contains(p string) bool {
	return p == z.Path || (len(p) > len(z.Path) && p[:len(z.Path)] == z.Path && p[len(z.Path)] == '/')
}

// StaleClaimAfter is how long a claim may go unrefreshed before any agent can
// take it over.
const StaleClaimAfter = 30 * time.Minute

// Claim is a lightweight work marker keyed by an arbitrary string. Stale is
// derived at read time, never stored.
type Claim struct {
	What        string    `json:"what" db:"what"`
	By          string    `json:"by" db:"claimed_by"`
	Description string    `json:"description,omitempty" db:"description"`
	Since       time.Time `json:"since" db:"since"`
	Stale       bool      `json:"stale" db:"-"`
}

// IsStale reports whether the claim has gone unrefreshed past the threshold.
func (c *Claim) IsStale(now time.Time, after time.Duration) bool {
	return now.Sub(c.Since) > after
}

// Handoff statuses
const (
	HandoffPending   = "pending"
	HandoffClaimed   = "claimed"
	HandoffCompleted = "completed"
)

// Handoff is a unit of work passed between agents. Transitions follow
// pending -> claimed -> completed; a targeted handoff may only be claimed by
// its addressee, and only the claimer may complete it.
type Handoff struct {
	ID          string     `json:"id" db:"id"`
	FromAgent   string     `json:"fromAgent" db:"from_agent"`
	ToAgent     *string    `json:"toAgent,omitempty" db:"to_agent"`
	Title       string     `json:"title" db:"title"`
	Context     string     `json:"context" db:"context"`
	Code        string     `json:"code,omitempty" db:"code"`
	FilePath    string     `json:"filePath,omitempty" db:"file_path"`
	NextSteps   []string   `json:"nextSteps"`
	Priority    string     `json:"priority" db:"priority"`
	Status      string     `json:"status" db:"status"`
	ClaimedBy   *string    `json:"claimedBy,omitempty" db:"claimed_by"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}
