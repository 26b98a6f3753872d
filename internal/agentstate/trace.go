package agentstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
)

// Escalation trigger thresholds.
const (
	stuckLoopWindow      = 5
	stuckLoopRepeats     = 3
	repeatedFailuresMin  = 3
	errorAccumulationMin = 2
	traceTimeLimit       = 10 * time.Minute
	lowEfficiencyMin     = 5
	lowEfficiencyRatio   = 0.6
)

// TraceRequest is the payload of POST /trace.
type TraceRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Task      string `json:"task"`
}

// StartTrace opens a work session. The caller may supply the session id.
func (s *Service) StartTrace(ctx context.Context, req *TraceRequest) (*WorkTrace, error) {
	t := &WorkTrace{
		SessionID: req.SessionID,
		Task:      req.Task,
		StartedAt: s.now(),
	}
	if t.SessionID == "" {
		t.SessionID = uuid.New().String()
	}
	if err := s.store.StartTrace(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTrace returns a trace with its steps.
func (s *Service) GetTrace(ctx context.Context, sessionID string) (*WorkTrace, []*WorkStep, error) {
	t, err := s.store.GetTrace(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return t, steps, nil
}

// StepRequest is the payload of POST /trace/:sessionId/step.
type StepRequest struct {
	Tool             string   `json:"tool"`
	Intent           string   `json:"intent,omitempty"`
	Outcome          string   `json:"outcome"`
	DurationMs       int64    `json:"durationMs,omitempty"`
	ContributionType string   `json:"contributionType,omitempty"`
	KnowledgeGained  string   `json:"knowledgeGained,omitempty"`
	EliminatedPaths  []string `json:"eliminatedPaths,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
}

// StepResponse reports the logged step plus any escalation it tripped.
type StepResponse struct {
	Step           *WorkStep   `json:"step"`
	Escalation     *Escalation `json:"escalation,omitempty"`
	Recommendation string      `json:"recommendation"`
}

// LogStep appends a step and evaluates the escalation triggers against the
// whole trace. When any trigger fires, an escalation row is recorded and
// returned on the response.
func (s *Service) LogStep(ctx context.Context, sessionID string, req *StepRequest) (*StepResponse, error) {
	trace, err := s.store.GetTrace(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	step := &WorkStep{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Timestamp:        s.now(),
		Tool:             req.Tool,
		Intent:           req.Intent,
		Outcome:          req.Outcome,
		DurationMs:       req.DurationMs,
		ContributionType: req.ContributionType,
		KnowledgeGained:  req.KnowledgeGained,
		EliminatedPaths:  req.EliminatedPaths,
		DependsOn:        req.DependsOn,
	}
	if err := s.store.AppendStep(ctx, step); err != nil {
		return nil, err
	}

	steps, err := s.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	triggers := evaluateTriggers(trace, steps, step, s.now())

	resp := &StepResponse{Step: step, Recommendation: recommendation(0)}
	if len(triggers) > 0 {
		highest := 0
		for _, tr := range triggers {
			if tr.Level > highest {
				highest = tr.Level
			}
		}
		esc := &Escalation{
			ID:           uuid.New().String(),
			SessionID:    sessionID,
			TriggeredAt:  s.now(),
			Triggers:     triggers,
			HighestLevel: highest,
		}
		if err := s.store.InsertEscalation(ctx, esc); err != nil {
			return nil, err
		}
		s.logger.Info("Escalation triggered",
			zap.String("session_id", sessionID),
			zap.Int("highest_level", highest),
			zap.Int("triggers", len(triggers)))
		s.publish(events.EscalationFired, map[string]interface{}{"escalation": esc})
		if soul, soulErr := s.EnsureSoul(ctx); soulErr == nil {
			soul.EscalationCount++
			if putErr := s.store.PutSoul(ctx, soul); putErr != nil {
				s.logger.Warn("Failed to update soul counters", zap.Error(putErr))
			}
		}
		resp.Escalation = esc
		resp.Recommendation = recommendation(highest)
	}
	return resp, nil
}

// evaluateTriggers runs every detection rule over the trace after the latest
// step was appended.
func evaluateTriggers(trace *WorkTrace, steps []*WorkStep, latest *WorkStep, now time.Time) []EscalationTrigger {
	triggers := []EscalationTrigger{}

	// stuck_loop: the latest tool keeps producing no progress within the
	// recent window.
	window := steps
	if len(window) > stuckLoopWindow {
		window = window[len(window)-stuckLoopWindow:]
	}
	sameToolNoProgress := 0
	for _, st := range window {
		if st.Tool == latest.Tool && (st.Outcome == OutcomeNothing || st.Outcome == OutcomePartial) {
			sameToolNoProgress++
		}
	}
	if sameToolNoProgress >= stuckLoopRepeats {
		triggers = append(triggers, EscalationTrigger{
			Type:   TriggerStuckLoop,
			Level:  2,
			Detail: fmt.Sprintf("%s produced no progress %d times in the last %d steps", latest.Tool, sameToolNoProgress, len(window)),
		})
	}

	nothing, errored, noProgress := 0, 0, 0
	for _, st := range steps {
		switch st.Outcome {
		case OutcomeNothing:
			nothing++
			noProgress++
		case OutcomeError:
			errored++
			noProgress++
		default:
			if st.ContributionType == ContribMinimal {
				noProgress++
			}
		}
	}
	if nothing >= repeatedFailuresMin {
		triggers = append(triggers, EscalationTrigger{
			Type:   TriggerRepeatedFailures,
			Level:  1,
			Detail: fmt.Sprintf("%d steps found nothing", nothing),
		})
	}
	if errored >= errorAccumulationMin {
		triggers = append(triggers, EscalationTrigger{
			Type:   TriggerErrorAccumulation,
			Level:  2,
			Detail: fmt.Sprintf("%d steps errored", errored),
		})
	}
	if now.Sub(trace.StartedAt) > traceTimeLimit {
		triggers = append(triggers, EscalationTrigger{
			Type:   TriggerTimeExceeded,
			Level:  1,
			Detail: fmt.Sprintf("session running for %s", now.Sub(trace.StartedAt).Round(time.Second)),
		})
	}
	if len(steps) >= lowEfficiencyMin {
		ratio := float64(noProgress) / float64(len(steps))
		if ratio > lowEfficiencyRatio {
			triggers = append(triggers, EscalationTrigger{
				Type:   TriggerLowEfficiency,
				Level:  1,
				Detail: fmt.Sprintf("%.0f%% of steps made no progress", ratio*100),
			})
		}
	}
	return triggers
}

// recommendation maps the highest fired level to advice for the agent.
func recommendation(highestLevel int) string {
	switch {
	case highestLevel >= 3:
		return "ESCALATE: ask a peer or human for help now"
	case highestLevel == 2:
		return "PAUSE: step back and reassess your approach"
	case highestLevel == 1:
		return "consider pausing to review what you have learned"
	default:
		return "continue"
	}
}

// CompleteRequest is the payload of POST /trace/:sessionId/complete.
type CompleteRequest struct {
	Summary string `json:"summary,omitempty"`
}

// CompleteTrace closes a session and derives its work summary.
func (s *Service) CompleteTrace(ctx context.Context, sessionID string) (*WorkTrace, error) {
	steps, err := s.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary := summarize(steps)
	if err := s.store.CompleteTrace(ctx, sessionID, s.now(), summary); err != nil {
		return nil, err
	}
	return s.store.GetTrace(ctx, sessionID)
}

// summarize derives the completion metrics for a step sequence.
func summarize(steps []*WorkStep) *WorkSummary {
	sum := &WorkSummary{TotalSteps: len(steps)}
	for _, st := range steps {
		sum.ExplorationTimeMs += st.DurationMs
		if st.Outcome == OutcomeNothing || st.Outcome == OutcomeError {
			sum.DeadEnds++
		}
		if st.Outcome == OutcomeFound || st.ContributionType == ContribDirect {
			sum.SolutionTimeMs += st.DurationMs
		}
	}
	if sum.ExplorationTimeMs > 0 {
		sum.Efficiency = float64(sum.SolutionTimeMs) / float64(sum.ExplorationTimeMs)
	}
	return sum
}

// ResolveRequest is the payload of POST /escalations/:id/resolve.
type ResolveRequest struct {
	ResolvedBy    string `json:"resolvedBy"` // self | peer | human
	ResolverAgent string `json:"resolverAgent,omitempty"`
	HelpfulHint   string `json:"helpfulHint,omitempty"`
}

// ResolveEscalation fills an escalation's resolution fields and bumps the
// soul's resolution counters.
func (s *Service) ResolveEscalation(ctx context.Context, escalationID string, req *ResolveRequest) (*Escalation, error) {
	err := s.store.ResolveEscalation(ctx, escalationID, s.now(), req.ResolvedBy, req.ResolverAgent, req.HelpfulHint)
	if err != nil {
		return nil, err
	}
	if soul, soulErr := s.EnsureSoul(ctx); soulErr == nil {
		switch req.ResolvedBy {
		case ResolvedBySelf:
			soul.SelfResolvedCount++
		case ResolvedByPeer:
			soul.PeerAssistCount++
		case ResolvedByHuman:
			soul.HumanEscalationCount++
		}
		if putErr := s.store.PutSoul(ctx, soul); putErr != nil {
			s.logger.Warn("Failed to update soul counters", zap.Error(putErr))
		}
	}
	return s.store.GetEscalation(ctx, escalationID)
}

// ListEscalations returns escalations for a session, or all of them.
func (s *Service) ListEscalations(ctx context.Context, sessionID string, pendingOnly bool) ([]*Escalation, error) {
	return s.store.ListEscalations(ctx, sessionID, pendingOnly)
}
