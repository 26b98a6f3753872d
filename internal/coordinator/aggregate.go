package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeerState reads an agent's private state during onboarding. The coordinator
// treats each AgentState as an internal RPC peer; any method may fail
// independently and the onboarding bundle degrades to null parts.
type PeerState interface {
	Soul(ctx context.Context, agentID string) (*PeerSoul, error)
	Checkpoint(ctx context.Context, agentID string) (*PeerCheckpoint, error)
	Dashboard(ctx context.Context, agentID string) (*PeerDashboard, error)
}

// PeerSoul is the slice of a soul the coordinator surfaces during onboarding.
type PeerSoul struct {
	SoulID        string `json:"soulId"`
	Name          string `json:"name"`
	Level         string `json:"level"`
	TotalXP       int64  `json:"totalXP"`
	CurrentStreak int    `json:"currentStreak"`
	IsNew         bool   `json:"isNew"`
}

// PeerCheckpoint is an agent's saved working context.
type PeerCheckpoint struct {
	ConversationSummary string    `json:"conversationSummary,omitempty"`
	Accomplishments     []string  `json:"accomplishments"`
	PendingWork         []string  `json:"pendingWork"`
	RecentContext       string    `json:"recentContext,omitempty"`
	FilesEdited         []string  `json:"filesEdited"`
	CheckpointAt        time.Time `json:"checkpointAt"`
}

// PeerDashboard is the live-status slice of an agent's dashboard.
type PeerDashboard struct {
	FlowState          string `json:"flowState"`
	PendingEscalations int    `json:"pendingEscalations"`
	StreakStatus       string `json:"streakStatus,omitempty"`
}

// --- Hot start ---

// WorkTasks splits the shared task list for one agent.
type WorkTasks struct {
	Todo []*Task `json:"todo"`
	Mine []*Task `json:"mine"`
}

// WorkInbox carries the caller's unread mentions.
type WorkInbox struct {
	PendingMentions []*GroupMessage `json:"pendingMentions"`
}

// WorkResponse is the hot-start bundle returned by GET /work.
type WorkResponse struct {
	Summary    string          `json:"summary"`
	Team       []*Agent        `json:"team"`
	Tasks      WorkTasks       `json:"tasks"`
	RecentChat []*GroupMessage `json:"recentChat"`
	Inbox      *WorkInbox      `json:"inbox,omitempty"`
}

// Work assembles everything an agent needs to start working: the team, open
// and assigned tasks, recent chat, and unread mentions. Reading advances the
// caller's mention cursor exactly as GET /chat does.
func (s *Service) Work(ctx context.Context, agentID string) (*WorkResponse, error) {
	team, err := s.store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	todo, err := s.store.ListTasks(ctx, TaskTodo, "")
	if err != nil {
		return nil, err
	}
	recentChat, err := s.store.ListMessages(ctx, 10, time.Time{})
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListHandoffs(ctx, HandoffFilter{Status: HandoffPending})
	if err != nil {
		return nil, err
	}

	resp := &WorkResponse{
		Summary: fmt.Sprintf("%d agents online, %d open tasks, %d pending handoffs",
			len(team), len(todo), len(pending)),
		Team:       team,
		Tasks:      WorkTasks{Todo: todo, Mine: []*Task{}},
		RecentChat: recentChat,
	}
	if agentID != "" {
		mine, err := s.store.ListTasks(ctx, "", agentID)
		if err != nil {
			return nil, err
		}
		resp.Tasks.Mine = mine

		mentions, err := s.pendingMentions(ctx, agentID)
		if err != nil {
			return nil, err
		}
		resp.Inbox = &WorkInbox{PendingMentions: mentions}
	}
	return resp, nil
}

// --- Onboarding ---

// TeamMember is a teammate with its live flow status.
type TeamMember struct {
	Agent     *Agent `json:"agent"`
	FlowState string `json:"flowState"`
}

// Suggestion is the single next action proposed to an onboarding agent.
type Suggestion struct {
	Type      string `json:"type"` // resume | handoff | task | introduce
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	HandoffID string `json:"handoffId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// Onboarding bundles the full context for an agent joining a session. Parts
// whose fan-out failed are null.
type Onboarding struct {
	AgentID       string          `json:"agentId"`
	Soul          *PeerSoul       `json:"soul"`
	Checkpoint    *PeerCheckpoint `json:"checkpoint"`
	Dashboard     *PeerDashboard  `json:"dashboard"`
	Team          []*TeamMember   `json:"team"`
	SuggestedTask *Suggestion     `json:"suggestedTask"`
	RecentChat    []*GroupMessage `json:"recentChat"`
}

// Onboard assembles the onboarding bundle for agentID. The agent's own soul,
// checkpoint and dashboard come from its AgentState peer; teammates get a
// flow-status lookup each. Partial failures leave those parts null.
func (s *Service) Onboard(ctx context.Context, agentID string) (*Onboarding, error) {
	out := &Onboarding{AgentID: agentID, Team: []*TeamMember{}}

	if s.peers != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			soul, err := s.peers.Soul(gctx, agentID)
			if err != nil {
				s.logger.Warn("Onboarding soul fetch failed", zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			out.Soul = soul
			return nil
		})
		g.Go(func() error {
			cp, err := s.peers.Checkpoint(gctx, agentID)
			if err != nil {
				s.logger.Warn("Onboarding checkpoint fetch failed", zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			out.Checkpoint = cp
			return nil
		})
		g.Go(func() error {
			dash, err := s.peers.Dashboard(gctx, agentID)
			if err != nil {
				s.logger.Warn("Onboarding dashboard fetch failed", zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			out.Dashboard = dash
			return nil
		})
		_ = g.Wait()
	}
	// A brand-new agent has no checkpoint to resume.
	if out.Soul != nil && out.Soul.IsNew {
		out.Checkpoint = nil
	}

	team, err := s.store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	members := make([]*TeamMember, len(team))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, a := range team {
		i, a := i, a
		members[i] = &TeamMember{Agent: a, FlowState: "offline"}
		if s.peers == nil || a.AgentID == agentID {
			continue
		}
		g.Go(func() error {
			dash, err := s.peers.Dashboard(gctx, a.AgentID)
			if err != nil || dash == nil {
				return nil
			}
			members[i].FlowState = dash.FlowState
			return nil
		})
	}
	_ = g.Wait()
	out.Team = members

	suggestion, err := s.suggestTask(ctx, agentID, out.Checkpoint)
	if err != nil {
		return nil, err
	}
	out.SuggestedTask = suggestion

	recentChat, err := s.store.ListMessages(ctx, 10, time.Time{})
	if err != nil {
		return nil, err
	}
	out.RecentChat = recentChat
	return out, nil
}

// suggestTask picks the next action by priority: resumable checkpoint work,
// then the oldest open handoff, then the highest-priority unassigned todo,
// then an introduction prompt.
func (s *Service) suggestTask(ctx context.Context, agentID string, cp *PeerCheckpoint) (*Suggestion, error) {
	if cp != nil && len(cp.PendingWork) > 0 {
		return &Suggestion{
			Type:   "resume",
			Title:  "Resume your checkpointed work",
			Detail: cp.PendingWork[0],
		}, nil
	}

	handoffs, err := s.store.ListHandoffs(ctx, HandoffFilter{ToAgent: agentID, Status: HandoffPending})
	if err != nil {
		return nil, err
	}
	if len(handoffs) > 0 {
		h := handoffs[0] // oldest first
		return &Suggestion{
			Type:      "handoff",
			Title:     h.Title,
			Detail:    h.Context,
			HandoffID: h.ID,
		}, nil
	}

	todo, err := s.store.ListTasks(ctx, TaskTodo, "")
	if err != nil {
		return nil, err
	}
	for _, t := range todo {
		if t.Assignee == nil || *t.Assignee == "" {
			return &Suggestion{
				Type:   "task",
				Title:  t.Title,
				Detail: t.Description,
				TaskID: t.ID,
			}, nil
		}
	}

	return &Suggestion{
		Type:  "introduce",
		Title: "Introduce yourself in the group chat",
	}, nil
}

// --- Session resume ---

// accomplishment markers scanned in recent chat.
var accomplishmentKeywords = []string{
	"✅", "shipped", "completed", "built", "added", "fixed", "implemented", "deployed",
}

// SessionResume summarizes where the team left off.
type SessionResume struct {
	Summary         string     `json:"summary"`
	Participants    []string   `json:"participants"`
	Accomplishments []string   `json:"accomplishments"`
	PendingHandoffs []*Handoff `json:"pendingHandoffs"`
	InProgressTasks []*Task    `json:"inProgressTasks"`
	ActiveClaims    []*Claim   `json:"activeClaims"`
	QuickActions    []string   `json:"quickActions"`
}

// Resume aggregates coordinator tables into a session-resume digest. It
// performs no fan-out and never mutates state.
func (s *Service) Resume(ctx context.Context) (*SessionResume, error) {
	recent, err := s.store.ListMessages(ctx, mentionScanLimit, time.Time{})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	participants := []string{}
	for i := len(recent) - 1; i >= 0 && len(participants) < 100; i-- {
		author := recent[i].Author
		if !seen[author] {
			seen[author] = true
			participants = append(participants, author)
		}
	}

	dedup := map[string]bool{}
	accomplishments := []string{}
	for i := len(recent) - 1; i >= 0 && len(accomplishments) < 10; i-- {
		line := accomplishmentLine(recent[i].Message)
		if line == "" || dedup[line] {
			continue
		}
		dedup[line] = true
		accomplishments = append(accomplishments, line)
	}

	pending, err := s.store.ListHandoffs(ctx, HandoffFilter{Status: HandoffPending})
	if err != nil {
		return nil, err
	}
	if len(pending) > 5 {
		pending = pending[:5]
	}
	inProgress, err := s.store.ListTasks(ctx, TaskInProgress, "")
	if err != nil {
		return nil, err
	}
	if len(inProgress) > 5 {
		inProgress = inProgress[:5]
	}
	claims, err := s.ListClaims(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(claims) > 10 {
		claims = claims[:10]
	}

	actions := []string{}
	if len(pending) > 0 {
		actions = append(actions, fmt.Sprintf("Claim one of %d pending handoffs", len(pending)))
	}
	if len(inProgress) > 0 {
		actions = append(actions, fmt.Sprintf("Check on %d in-progress tasks", len(inProgress)))
	}
	if len(claims) > 0 {
		actions = append(actions, fmt.Sprintf("Review %d active claims for overlap", len(claims)))
	}
	if len(actions) == 0 {
		actions = append(actions, "Start fresh: post a plan in the group chat")
	}

	return &SessionResume{
		Summary: fmt.Sprintf("%d participants, %d accomplishments, %d pending handoffs, %d tasks in progress",
			len(participants), len(accomplishments), len(pending), len(inProgress)),
		Participants:    participants,
		Accomplishments: accomplishments,
		PendingHandoffs: pending,
		InProgressTasks: inProgress,
		ActiveClaims:    claims,
		QuickActions:    actions,
	}, nil
}

// accomplishmentLine extracts the first line of a message when it reads like
// a completed piece of work, trimmed to 150 characters.
func accomplishmentLine(message string) string {
	lower := strings.ToLower(message)
	matched := false
	for _, kw := range accomplishmentKeywords {
		if strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return ""
	}
	line := message
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 150 {
		line = line[:150]
	}
	return line
}
