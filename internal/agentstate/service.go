package agentstate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// heartbeatLogKeep bounds the ring-buffered heartbeat log.
const heartbeatLogKeep = 100

// DefaultStallThreshold is how long without a heartbeat before the agent is
// considered unhealthy.
const DefaultStallThreshold = 5 * time.Minute

// Service hosts one agent's private world.
type Service struct {
	store   *Store
	bus     bus.EventBus
	subject string
	agentID string
	logger  *logger.Logger

	stallThreshold time.Duration

	now func() time.Time
}

// NewService creates the agent state service for agentID.
func NewService(store *Store, agentID string, eventBus bus.EventBus, stallThreshold time.Duration, log *logger.Logger) *Service {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	return &Service{
		store:          store,
		bus:            eventBus,
		subject:        events.EntitySubject("agentstate", agentID),
		agentID:        agentID,
		logger:         log.WithFields(zap.String("component", "agentstate"), zap.String("agent_id", agentID)),
		stallThreshold: stallThreshold,
		now:            time.Now,
	}
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, s.agentID, data)
	if err := s.bus.Publish(context.Background(), s.subject, ev); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// --- Checkpoint ---

// CheckpointRequest is the payload of POST /checkpoint. Omitted fields keep
// their saved values.
type CheckpointRequest struct {
	ConversationSummary string   `json:"conversationSummary,omitempty"`
	Accomplishments     []string `json:"accomplishments,omitempty"`
	PendingWork         []string `json:"pendingWork,omitempty"`
	RecentContext       string   `json:"recentContext,omitempty"`
	FilesEdited         []string `json:"filesEdited,omitempty"`
}

// SaveCheckpoint merges the request into the singleton checkpoint.
func (s *Service) SaveCheckpoint(ctx context.Context, req *CheckpointRequest) (*Checkpoint, error) {
	cp := &Checkpoint{
		ConversationSummary: req.ConversationSummary,
		Accomplishments:     req.Accomplishments,
		PendingWork:         req.PendingWork,
		RecentContext:       req.RecentContext,
		FilesEdited:         req.FilesEdited,
		CheckpointAt:        s.now(),
	}
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	saved, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	s.publish(events.CheckpointSaved, map[string]interface{}{"checkpoint": saved})
	return saved, nil
}

// GetCheckpoint returns the saved checkpoint, or ErrNotFound when the agent
// has never checkpointed.
func (s *Service) GetCheckpoint(ctx context.Context) (*Checkpoint, error) {
	return s.store.GetCheckpoint(ctx)
}

// --- Direct messages ---

// DMRequest is the payload of POST /messages.
type DMRequest struct {
	From    string `json:"from"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// SendDM appends an inbox entry and notifies the agent's sockets.
func (s *Service) SendDM(ctx context.Context, req *DMRequest) (*DirectMessage, error) {
	dmType := req.Type
	if dmType == "" {
		dmType = DMNote
	}
	m := &DirectMessage{
		ID:        uuid.New().String(),
		From:      req.From,
		Type:      dmType,
		Message:   req.Message,
		Timestamp: s.now(),
	}
	if err := s.store.AppendDM(ctx, m); err != nil {
		return nil, err
	}
	s.publish(events.DirectMessage, map[string]interface{}{"message": m})
	return m, nil
}

// ListDMs returns inbox entries newest first.
func (s *Service) ListDMs(ctx context.Context, unreadOnly bool, limit int) ([]*DirectMessage, error) {
	return s.store.ListDMs(ctx, unreadOnly, limit)
}

// MarkRead flips the read flag on the given message ids.
func (s *Service) MarkRead(ctx context.Context, messageIDs []string) (int64, error) {
	return s.store.MarkDMsRead(ctx, messageIDs)
}

// --- Memories ---

// MemoryRequest is the payload of POST /memory.
type MemoryRequest struct {
	Category string   `json:"category"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
}

// SaveMemory appends a knowledge entry.
func (s *Service) SaveMemory(ctx context.Context, req *MemoryRequest) (*Memory, error) {
	m := &Memory{
		ID:        uuid.New().String(),
		Category:  req.Category,
		Content:   req.Content,
		Tags:      req.Tags,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SearchMemories filters by category and substring query, newest first,
// capped at 50.
func (s *Service) SearchMemories(ctx context.Context, category, query string, limit int) ([]*Memory, error) {
	return s.store.SearchMemories(ctx, category, query, limit)
}

// --- Heartbeat / shadow ---

// RecordHeartbeat upserts the liveness row and appends to the bounded log.
func (s *Service) RecordHeartbeat(ctx context.Context, note string) (*HeartbeatStatus, error) {
	now := s.now()
	if err := s.store.RecordHeartbeat(ctx, now, note, heartbeatLogKeep); err != nil {
		return nil, err
	}
	return &HeartbeatStatus{
		LastHeartbeat: &now,
		IsHealthy:     true,
		StallAfterMs:  s.stallThreshold.Milliseconds(),
	}, nil
}

// Health reports liveness: healthy iff a heartbeat arrived within the stall
// threshold.
func (s *Service) Health(ctx context.Context) (*HeartbeatStatus, error) {
	status := &HeartbeatStatus{StallAfterMs: s.stallThreshold.Milliseconds()}
	last, err := s.store.LastHeartbeat(ctx)
	if err == ErrNotFound {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.LastHeartbeat = &last
	status.IsHealthy = s.now().Sub(last) < s.stallThreshold
	return status, nil
}

// ShadowRequest is the payload of POST /shadow.
type ShadowRequest struct {
	Action  string `json:"action"` // register-shadow | become-shadow | takeover
	AgentID string `json:"agentId"`
}

// Shadow mutates the singleton shadow record: registering a standby agent,
// declaring this agent a shadow of another, or recording a takeover.
func (s *Service) Shadow(ctx context.Context, req *ShadowRequest) (*ShadowState, error) {
	st, err := s.store.GetShadow(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch req.Action {
	case "register-shadow":
		st.ShadowAgent = req.AgentID
		st.RegisteredAt = &now
	case "become-shadow":
		st.IsShadow = true
		st.ShadowOf = req.AgentID
		st.RegisteredAt = &now
	case "takeover":
		st.TakenOverBy = req.AgentID
		st.TakenOverAt = &now
	}
	if err := s.store.PutShadow(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GetShadow returns the shadow record.
func (s *Service) GetShadow(ctx context.Context) (*ShadowState, error) {
	return s.store.GetShadow(ctx)
}
