// Package events provides event types and subject helpers for the agentmesh
// broadcast system. Entity handlers publish to subject "entity.<kind>.<name>";
// the WebSocket gateway subscribes per live instance and fans events out to
// that instance's sockets.
package events

import "fmt"

// Event types published by the Coordinator
const (
	ChatMessage    = "chat"
	AgentUpdated   = "agent-update"
	TaskUpdated    = "task-update"
	ZoneUpdated  = "zone-update"
	ClaimUpdated = "claim-update"
)

// Event types published by AgentState entities
const (
	CheckpointSaved = "checkpoint-save"
	DirectMessage   = "direct-message"
	EscalationFired = "escalation"
)

// Event types published by the VM pool
const (
	VMUpdated         = "vm-update"
	AssignmentUpdated = "assignment-update"
)

// Event types published by GitTree entities
const (
	TreeRefreshed = "tree-update"
	CommitTracked = "commit-push"
)

// EntitySubject returns the bus subject carrying broadcasts for one entity
// instance.
func EntitySubject(kind, name string) string {
	return fmt.Sprintf("entity.%s.%s", kind, name)
}
