package agentstate

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// flow-state windows
const (
	flowStepWindow  = 15 * time.Minute
	flowRecentTrace = time.Hour
	flowMinSteps    = 5
)

// streak status thresholds: the streak dies after 48 h of inactivity and is
// flagged once fewer than 8 h remain.
const streakAtRiskWindow = 8 * time.Hour

// SessionStats summarizes today's activity.
type SessionStats struct {
	TracesToday int `json:"tracesToday"`
	OpenTraces  int `json:"openTraces"`
}

// LevelProgress describes the remaining requirements toward the next level.
type LevelProgress struct {
	NextLevel    string `json:"nextLevel,omitempty"`
	XPNeeded     int64  `json:"xpNeeded"`
	StreakNeeded int    `json:"streakNeeded"`
	TasksNeeded  int    `json:"tasksNeeded"`
}

// SpecializationRank is one domain with its accumulated XP, ordered strongest
// first.
type SpecializationRank struct {
	Domain string `json:"domain"`
	XP     int64  `json:"xp"`
}

// Dashboard is the agent's aggregated live view.
type Dashboard struct {
	Soul                *Soul                `json:"soul"`
	SessionStats        SessionStats         `json:"sessionStats"`
	FlowState           string               `json:"flowState"`
	StreakStatus        string               `json:"streakStatus"`
	PendingEscalations  int                  `json:"pendingEscalations"`
	LevelProgress       *LevelProgress       `json:"levelProgress,omitempty"`
	SpecializationRanks []SpecializationRank `json:"specializationRanks"`
	Alerts              []string             `json:"alerts"`
	Suggestions         []string             `json:"suggestions"`
}

// GetDashboard assembles the agent's dashboard.
func (s *Service) GetDashboard(ctx context.Context) (*Dashboard, error) {
	soul, err := s.EnsureSoul(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	pending, err := s.store.ListEscalations(ctx, "", true)
	if err != nil {
		return nil, err
	}
	openTraces, err := s.store.OpenTraces(ctx)
	if err != nil {
		return nil, err
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tracesToday, err := s.store.TracesStartedAfter(ctx, dayStart)
	if err != nil {
		return nil, err
	}
	flow, err := s.flowState(ctx, len(pending) > 0, openTraces)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Soul:                soul,
		SessionStats:        SessionStats{TracesToday: tracesToday, OpenTraces: len(openTraces)},
		FlowState:           flow,
		StreakStatus:        s.streakStatus(soul),
		PendingEscalations:  len(pending),
		LevelProgress:       levelProgress(soul),
		SpecializationRanks: specializationRanks(soul),
		Alerts:              []string{},
		Suggestions:         []string{},
	}

	if len(pending) > 0 {
		d.Alerts = append(d.Alerts, fmt.Sprintf("%d unresolved escalations", len(pending)))
		d.Suggestions = append(d.Suggestions, "Resolve your pending escalations before taking new work")
	}
	if d.StreakStatus == "at_risk" {
		d.Alerts = append(d.Alerts, "Streak expires soon")
		d.Suggestions = append(d.Suggestions, "Complete a trace today to keep your streak alive")
	}
	if soul.RustLevel > 0 {
		d.Alerts = append(d.Alerts, fmt.Sprintf("Rust level %.1f reduces XP gains", soul.RustLevel))
	}
	if len(openTraces) > 1 {
		d.Suggestions = append(d.Suggestions, fmt.Sprintf("Close out %d open work sessions", len(openTraces)))
	}
	if len(d.Suggestions) == 0 {
		d.Suggestions = append(d.Suggestions, "Start a work trace to track your next task")
	}
	if len(d.Suggestions) > 5 {
		d.Suggestions = d.Suggestions[:5]
	}
	return d, nil
}

// FlowState derives the agent's live status for teammates.
func (s *Service) FlowState(ctx context.Context) (string, error) {
	pending, err := s.store.ListEscalations(ctx, "", true)
	if err != nil {
		return "", err
	}
	openTraces, err := s.store.OpenTraces(ctx)
	if err != nil {
		return "", err
	}
	return s.flowState(ctx, len(pending) > 0, openTraces)
}

// flowState: stuck when an unresolved escalation exists; in_flow with enough
// recent productive steps; available with any trace started in the last
// hour; otherwise offline.
func (s *Service) flowState(ctx context.Context, hasPending bool, openTraces []*WorkTrace) (string, error) {
	if hasPending {
		return FlowStuck, nil
	}
	now := s.now()
	if len(openTraces) > 0 {
		recent, err := s.store.StepsAfter(ctx, now.Add(-flowStepWindow))
		if err != nil {
			return "", err
		}
		productive := 0
		for _, st := range recent {
			if st.Outcome == OutcomeFound || st.Outcome == OutcomePartial {
				productive++
			}
		}
		if len(recent) >= flowMinSteps && productive >= flowMinSteps {
			return FlowInFlow, nil
		}
	}
	for _, t := range openTraces {
		if now.Sub(t.StartedAt) < flowRecentTrace {
			return FlowAvailable, nil
		}
	}
	return FlowOffline, nil
}

// streakStatus classifies the streak by time since the last trace update.
func (s *Service) streakStatus(soul *Soul) string {
	if soul.CurrentStreak == 0 || soul.LastTraceAt == nil {
		return "none"
	}
	idle := s.now().Sub(*soul.LastTraceAt)
	switch {
	case idle >= streakExpiry:
		return "expired"
	case idle >= streakExpiry-streakAtRiskWindow:
		return "at_risk"
	default:
		return "active"
	}
}

// levelProgress computes what remains toward the next tier, or nil at the
// top.
func levelProgress(soul *Soul) *LevelProgress {
	for i, tier := range levelTiers {
		if tier.Level != soul.Level {
			continue
		}
		if i == len(levelTiers)-1 {
			return nil
		}
		next := levelTiers[i+1]
		p := &LevelProgress{NextLevel: next.Level}
		if d := next.MinXP - soul.TotalXP; d > 0 {
			p.XPNeeded = d
		}
		if d := next.MinStreak - soul.CurrentStreak; d > 0 {
			p.StreakNeeded = d
		}
		if d := next.MinTasks - soul.TasksCompleted; d > 0 {
			p.TasksNeeded = d
		}
		return p
	}
	return nil
}

// specializationRanks orders domains by accumulated XP.
func specializationRanks(soul *Soul) []SpecializationRank {
	ranks := make([]SpecializationRank, 0, len(soul.Specializations))
	for domain, xp := range soul.Specializations {
		ranks = append(ranks, SpecializationRank{Domain: domain, XP: xp})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].XP != ranks[j].XP {
			return ranks[i].XP > ranks[j].XP
		}
		return ranks[i].Domain < ranks[j].Domain
	})
	return ranks
}
