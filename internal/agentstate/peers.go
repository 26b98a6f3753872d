package agentstate

import (
	"context"
	"errors"

	"github.com/agentmesh/agentmesh/internal/coordinator"
	"github.com/agentmesh/agentmesh/internal/entity"
)

// Peers lets the coordinator read agent state through the registry, going
// through each agent's own instance lock like any other caller.
type Peers struct {
	registry *entity.Registry
}

// NewPeers creates the coordinator-facing adapter.
func NewPeers(registry *entity.Registry) *Peers {
	return &Peers{registry: registry}
}

var _ coordinator.PeerState = (*Peers)(nil)

func (p *Peers) service(agentID string) (*entity.Instance, *Service, error) {
	inst, err := p.registry.Get(entity.KindAgentState, agentID)
	if err != nil {
		return nil, nil, err
	}
	return inst, inst.Service().(*Service), nil
}

// Soul returns the onboarding slice of the agent's soul, creating it on first
// contact.
func (p *Peers) Soul(ctx context.Context, agentID string) (*coordinator.PeerSoul, error) {
	inst, svc, err := p.service(agentID)
	if err != nil {
		return nil, err
	}
	var soul *Soul
	err = inst.Do(ctx, "peers.soul", func(ctx context.Context) error {
		var err error
		soul, err = svc.EnsureSoul(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &coordinator.PeerSoul{
		SoulID:        soul.SoulID,
		Name:          soul.Name,
		Level:         soul.Level,
		TotalXP:       soul.TotalXP,
		CurrentStreak: soul.CurrentStreak,
		IsNew:         soul.IsNew,
	}, nil
}

// Checkpoint returns the agent's saved context, or nil when none exists.
func (p *Peers) Checkpoint(ctx context.Context, agentID string) (*coordinator.PeerCheckpoint, error) {
	inst, svc, err := p.service(agentID)
	if err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err = inst.Do(ctx, "peers.checkpoint", func(ctx context.Context) error {
		var err error
		cp, err = svc.GetCheckpoint(ctx)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &coordinator.PeerCheckpoint{
		ConversationSummary: cp.ConversationSummary,
		Accomplishments:     cp.Accomplishments,
		PendingWork:         cp.PendingWork,
		RecentContext:       cp.RecentContext,
		FilesEdited:         cp.FilesEdited,
		CheckpointAt:        cp.CheckpointAt,
	}, nil
}

// Dashboard returns the agent's live-status slice.
func (p *Peers) Dashboard(ctx context.Context, agentID string) (*coordinator.PeerDashboard, error) {
	inst, svc, err := p.service(agentID)
	if err != nil {
		return nil, err
	}
	var d *Dashboard
	err = inst.Do(ctx, "peers.dashboard", func(ctx context.Context) error {
		var err error
		d, err = svc.GetDashboard(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &coordinator.PeerDashboard{
		FlowState:          d.FlowState,
		PendingEscalations: d.PendingEscalations,
		StreakStatus:       d.StreakStatus,
	}, nil
}
