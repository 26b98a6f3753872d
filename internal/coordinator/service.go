package coordinator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// TransitionError reports an illegal handoff state transition. Handlers map
// it to 409 with the reason as the error body.
type TransitionError struct {
	Reason string
}

func (e *TransitionError) Error() string { return e.Reason }

// ErrNotClaimOwner is returned when an agent releases a claim it does not hold.
var ErrNotClaimOwner = errors.New("claim is held by another agent")

// Service implements the coordinator singleton: the agent registry, group
// chat with mention tracking, tasks, zones, claims, handoffs, and the
// aggregation endpoints.
type Service struct {
	store      *Store
	bus        bus.EventBus
	subject    string
	peers      PeerState
	staleAfter time.Duration
	logger     *logger.Logger

	now func() time.Time
}

// NewService creates the coordinator service. peers may be nil; onboarding
// then degrades to coordinator-local data. A non-positive staleAfter falls
// back to StaleClaimAfter.
func NewService(store *Store, eventBus bus.EventBus, peers PeerState, staleAfter time.Duration, log *logger.Logger) *Service {
	if staleAfter <= 0 {
		staleAfter = StaleClaimAfter
	}
	return &Service{
		store:      store,
		bus:        eventBus,
		subject:    events.EntitySubject("coordinator", "main"),
		peers:      peers,
		staleAfter: staleAfter,
		logger:     log.WithFields(zap.String("component", "coordinator")),
		now:        time.Now,
	}
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// publish fans an event out to the coordinator's WebSocket clients via the
// bus. Broadcast failures are logged, never surfaced to the caller.
func (s *Service) publish(eventType, source string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, source, data)
	if err := s.bus.Publish(context.Background(), s.subject, ev); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// --- Agent registry ---

// AgentUpdate is the payload of POST /agents. Null fields preserve the prior
// value on update.
type AgentUpdate struct {
	AgentID      string   `json:"agentId"`
	Status       string   `json:"status,omitempty"`
	CurrentTask  *string  `json:"currentTask,omitempty"`
	WorkingOn    *string  `json:"workingOn,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Offers       []string `json:"offers,omitempty"`
	Needs        []string `json:"needs,omitempty"`
}

// UpsertAgent registers or refreshes an agent and broadcasts the update.
func (s *Service) UpsertAgent(ctx context.Context, req *AgentUpdate) (*Agent, error) {
	now := s.now()
	status := req.Status
	if status == "" {
		status = StatusActive
	}
	agent := &Agent{
		AgentID:       req.AgentID,
		Status:        status,
		CurrentTask:   req.CurrentTask,
		WorkingOn:     req.WorkingOn,
		LastSeen:      now,
		LastChatCheck: now,
		Capabilities:  req.Capabilities,
		Offers:        req.Offers,
		Needs:         req.Needs,
	}
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	stored, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	s.publish(events.AgentUpdated, req.AgentID, map[string]interface{}{"agent": stored})
	return stored, nil
}

// TouchAgent marks an agent active on WebSocket connect, creating it on first
// contact.
func (s *Service) TouchAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return nil
	}
	_, err := s.UpsertAgent(ctx, &AgentUpdate{AgentID: agentID, Status: StatusActive})
	return err
}

// ListAgents returns non-offline agents ordered by recency.
func (s *Service) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.store.ListAgents(ctx, false)
}

// --- Group chat ---

// mention scan looks at most this many messages back.
const mentionScanLimit = 200

// mentionPattern matches a direct @agent mention or a broadcast mention.
func mentionPattern(agentID string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(agentID) + `\b|@all\b|@everyone\b|@team\b`)
}

// ChatRequest is the payload of POST /chat.
type ChatRequest struct {
	Author     string `json:"author"`
	AuthorType string `json:"authorType,omitempty"`
	Message    string `json:"message"`
}

// PostChat appends a group message and broadcasts it.
func (s *Service) PostChat(ctx context.Context, req *ChatRequest) (*GroupMessage, error) {
	authorType := req.AuthorType
	if authorType == "" {
		authorType = AuthorAgent
	}
	msg := &GroupMessage{
		ID:         uuid.New().String(),
		Author:     req.Author,
		AuthorType: authorType,
		Message:    req.Message,
		Timestamp:  s.now(),
		Reactions:  []Reaction{},
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.publish(events.ChatMessage, req.Author, map[string]interface{}{"message": msg})
	return msg, nil
}

// ChatQuery narrows GET /chat.
type ChatQuery struct {
	Limit     int
	Since     time.Time
	AgentID   string
	InboxOnly bool
}

// ChatResponse carries recent messages plus, when the caller identified
// itself, the unread mentions addressed to it.
type ChatResponse struct {
	Messages        []*GroupMessage `json:"messages"`
	PendingMentions []*GroupMessage `json:"pendingMentions,omitempty"`
}

// GetChat returns recent messages in chronological order. When AgentID is
// set, unread mentions since the agent's last read are included and the read
// cursor advances as a side effect.
func (s *Service) GetChat(ctx context.Context, q *ChatQuery) (*ChatResponse, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.store.ListMessages(ctx, limit, q.Since)
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{Messages: messages}
	if q.AgentID != "" {
		mentions, err := s.pendingMentions(ctx, q.AgentID)
		if err != nil {
			return nil, err
		}
		resp.PendingMentions = mentions
	}
	if q.InboxOnly {
		resp.Messages = []*GroupMessage{}
	}
	return resp, nil
}

// pendingMentions returns unread mentions of agentID and advances the read
// cursor to now.
func (s *Service) pendingMentions(ctx context.Context, agentID string) ([]*GroupMessage, error) {
	var cursor time.Time
	agent, err := s.store.GetAgent(ctx, agentID)
	if err == nil {
		cursor = agent.LastChatCheck
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	recent, err := s.store.ListMessages(ctx, mentionScanLimit, cursor)
	if err != nil {
		return nil, err
	}
	pattern := mentionPattern(agentID)
	mentions := []*GroupMessage{}
	for _, m := range recent {
		if m.Author == agentID {
			continue
		}
		if pattern.MatchString(m.Message) {
			mentions = append(mentions, m)
		}
	}
	if err := s.store.SetChatCheck(ctx, agentID, s.now()); err != nil {
		return nil, err
	}
	return mentions, nil
}

// ReactionRequest is the payload of POST /chat/:id/reactions.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
	By    string `json:"by"`
}

// AddReaction appends a reaction to a message and rebroadcasts it.
func (s *Service) AddReaction(ctx context.Context, messageID string, req *ReactionRequest) (*GroupMessage, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	msg.Reactions = append(msg.Reactions, Reaction{Emoji: req.Emoji, By: req.By, At: s.now()})
	if err := s.store.UpdateReactions(ctx, messageID, msg.Reactions); err != nil {
		return nil, err
	}
	s.publish(events.ChatMessage, req.By, map[string]interface{}{"message": msg})
	return msg, nil
}

// --- Tasks ---

// TaskRequest is the payload of POST /tasks.
type TaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Assignee    *string  `json:"assignee,omitempty"`
	CreatedBy   string   `json:"createdBy"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// UpsertTask creates or updates a task and broadcasts the change.
func (s *Service) UpsertTask(ctx context.Context, req *TaskRequest) (*Task, error) {
	now := s.now()
	task := &Task{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Assignee:    req.Assignee,
		CreatedBy:   req.CreatedBy,
		Priority:    req.Priority,
		Tags:        req.Tags,
		Files:       req.Files,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	} else if existing, err := s.store.GetTask(ctx, task.ID); err == nil {
		task.CreatedAt = existing.CreatedAt
		if task.Title == "" {
			task.Title = existing.Title
		}
		if task.Status == "" {
			task.Status = existing.Status
		}
		if task.Priority == "" {
			task.Priority = existing.Priority
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if task.Status == "" {
		task.Status = TaskTodo
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(events.TaskUpdated, req.CreatedBy, map[string]interface{}{"task": task})
	return task, nil
}

// ListTasks returns tasks filtered by status and assignee.
func (s *Service) ListTasks(ctx context.Context, status, assignee string) ([]*Task, error) {
	return s.store.ListTasks(ctx, status, assignee)
}

// --- Zones ---

// ZoneRequest is the payload of POST /zones.
type ZoneRequest struct {
	ZoneID      string `json:"zoneId,omitempty"`
	Path        string `json:"path"`
	Owner       string `json:"owner"`
	Description string `json:"description,omitempty"`
}

// ClaimZone upserts a zone.
func (s *Service) ClaimZone(ctx context.Context, req *ZoneRequest) (*Zone, error) {
	zone := &Zone{
		ZoneID:      req.ZoneID,
		Path:        req.Path,
		Owner:       req.Owner,
		Description: req.Description,
		ClaimedAt:   s.now(),
	}
	if zone.ZoneID == "" {
		zone.ZoneID = uuid.New().String()
	}
	if err := s.store.UpsertZone(ctx, zone); err != nil {
		return nil, err
	}
	s.publish(events.ZoneUpdated, req.Owner, map[string]interface{}{"zone": zone})
	return zone, nil
}

// ReleaseZone deletes a zone owned by owner.
func (s *Service) ReleaseZone(ctx context.Context, zoneID, owner string) error {
	if err := s.store.DeleteZone(ctx, zoneID, owner); err != nil {
		return err
	}
	s.publish(events.ZoneUpdated, owner, map[string]interface{}{"released": zoneID})
	return nil
}

// ListZones returns zones, optionally filtered by owner.
func (s *Service) ListZones(ctx context.Context, owner string) ([]*Zone, error) {
	return s.store.ListZones(ctx, owner)
}

// CheckZone returns the zone containing path, or nil. Membership is
// boundary-safe: "src/api" does not contain "src/api-v2/foo.ts".
func (s *Service) CheckZone(ctx context.Context, path string) (*Zone, error) {
	zones, err := s.store.ListZones(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, z := range zones {
		if z.Contains(path) {
			return z, nil
		}
	}
	return nil, nil
}

// --- Claims ---

// ClaimRequest is the payload of POST /claims.
type ClaimRequest struct {
	Action      string `json:"action"` // claim | release
	What        string `json:"what"`
	By          string `json:"by"`
	Description string `json:"description,omitempty"`
}

// ClaimResult reports a claim attempt. On conflict Success is false and Claim
// carries the current holder.
type ClaimResult struct {
	Success bool   `json:"success"`
	Claim   *Claim `json:"claim,omitempty"`
}

// Claim takes the key unless a non-stale holder other than the caller exists.
// Stale claims are silently overwritten.
func (s *Service) Claim(ctx context.Context, req *ClaimRequest) (*ClaimResult, error) {
	now := s.now()
	existing, err := s.store.GetClaim(ctx, req.What)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.By != req.By && !existing.IsStale(now, s.staleAfter) {
		existing.Stale = false
		return &ClaimResult{Success: false, Claim: existing}, nil
	}

	claim := &Claim{What: req.What, By: req.By, Description: req.Description, Since: now}
	if err := s.store.PutClaim(ctx, claim); err != nil {
		return nil, err
	}
	s.publish(events.ClaimUpdated, req.By, map[string]interface{}{"claim": claim})
	return &ClaimResult{Success: true, Claim: claim}, nil
}

// ReleaseClaim deletes a claim held by the caller. Releasing an absent claim
// is a no-op; releasing someone else's returns ErrNotClaimOwner.
func (s *Service) ReleaseClaim(ctx context.Context, what, by string) error {
	existing, err := s.store.GetClaim(ctx, what)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.By != by {
		return fmt.Errorf("%w: %s", ErrNotClaimOwner, existing.By)
	}
	if err := s.store.DeleteClaim(ctx, what); err != nil {
		return err
	}
	s.publish(events.ClaimUpdated, by, map[string]interface{}{"released": what})
	return nil
}

// ListClaims returns claims with staleness derived at read time. Stale claims
// are filtered out unless includeStale is set.
func (s *Service) ListClaims(ctx context.Context, includeStale bool) ([]*Claim, error) {
	claims, err := s.store.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := []*Claim{}
	for _, c := range claims {
		c.Stale = c.IsStale(now, s.staleAfter)
		if c.Stale && !includeStale {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Handoffs ---

// HandoffRequest is the payload of POST /handoffs; Action selects the
// operation.
type HandoffRequest struct {
	Action    string `json:"action"` // create | claim | complete
	HandoffID string `json:"handoffId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`

	// create fields
	FromAgent string   `json:"fromAgent,omitempty"`
	ToAgent   *string  `json:"toAgent,omitempty"`
	Title     string   `json:"title,omitempty"`
	Context   string   `json:"context,omitempty"`
	Code      string   `json:"code,omitempty"`
	FilePath  string   `json:"filePath,omitempty"`
	NextSteps []string `json:"nextSteps,omitempty"`
	Priority  string   `json:"priority,omitempty"`
}

// CreateHandoff opens a pending handoff, targeted or open.
func (s *Service) CreateHandoff(ctx context.Context, req *HandoffRequest) (*Handoff, error) {
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	h := &Handoff{
		ID:        uuid.New().String(),
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		Title:     req.Title,
		Context:   req.Context,
		Code:      req.Code,
		FilePath:  req.FilePath,
		NextSteps: req.NextSteps,
		Priority:  priority,
		Status:    HandoffPending,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertHandoff(ctx, h); err != nil {
		return nil, err
	}
	s.publish(events.TaskUpdated, req.FromAgent, map[string]interface{}{"handoff": h})
	return h, nil
}

// ClaimHandoff moves a pending handoff to claimed. A targeted handoff may
// only be claimed by its addressee.
func (s *Service) ClaimHandoff(ctx context.Context, handoffID, agentID string) (*Handoff, error) {
	h, err := s.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if h.Status != HandoffPending {
		return nil, &TransitionError{Reason: "Handoff is " + h.Status}
	}
	if h.ToAgent != nil && *h.ToAgent != agentID {
		return nil, &TransitionError{Reason: "Handoff is targeted to " + *h.ToAgent}
	}
	now := s.now()
	h.Status = HandoffClaimed
	h.ClaimedBy = &agentID
	h.ClaimedAt = &now
	if err := s.store.UpdateHandoff(ctx, h); err != nil {
		return nil, err
	}
	s.publish(events.TaskUpdated, agentID, map[string]interface{}{"handoff": h})
	return h, nil
}

// CompleteHandoff moves a claimed handoff to completed. Only the claimer may
// complete it; replays are rejected without mutation.
func (s *Service) CompleteHandoff(ctx context.Context, handoffID, agentID string) (*Handoff, error) {
	h, err := s.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if h.Status != HandoffClaimed {
		return nil, &TransitionError{Reason: "Handoff is " + h.Status}
	}
	if h.ClaimedBy == nil || *h.ClaimedBy != agentID {
		claimer := ""
		if h.ClaimedBy != nil {
			claimer = *h.ClaimedBy
		}
		return nil, &TransitionError{Reason: "Handoff is claimed by " + claimer}
	}
	now := s.now()
	h.Status = HandoffCompleted
	h.CompletedAt = &now
	if err := s.store.UpdateHandoff(ctx, h); err != nil {
		return nil, err
	}
	s.publish(events.TaskUpdated, agentID, map[string]interface{}{"handoff": h})
	return h, nil
}

// ListHandoffs returns handoffs matching the filter.
func (s *Service) ListHandoffs(ctx context.Context, f HandoffFilter) ([]*Handoff, error) {
	return s.store.ListHandoffs(ctx, f)
}
