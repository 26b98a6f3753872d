// Package vmpool implements the singleton VM fleet entity: VM registrations,
// agent-to-VM assignments, health bookkeeping, scaling recommendations, and
// the periodic sweep alarm. The pool records inventory only; provisioning
// hardware is an external operator's job.
package vmpool

import "time"

// VM statuses
const (
	StatusProvisioning = "provisioning"
	StatusBooting      = "booting"
	StatusReady        = "ready"
	StatusBusy         = "busy"
	StatusDraining     = "draining"
	StatusTerminated   = "terminated"
	StatusError        = "error"
)

// VM health statuses
const (
	HealthUnknown      = "unknown"
	HealthHealthy      = "healthy"
	HealthUnhealthy    = "unhealthy"
	HealthUnresponsive = "unresponsive"
)

// VM sizes and their agent capacity.
const (
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

var sizeCapacity = map[string]int{
	SizeSmall:  2,
	SizeMedium: 5,
	SizeLarge:  10,
}

// VM is one fleet member. agentCount mirrors the count of active assignments
// on the VM; status is busy exactly while agentCount equals maxAgents.
type VM struct {
	VMID            string     `json:"vmId" db:"vm_id"`
	InstanceID      string     `json:"instanceId,omitempty" db:"instance_id"`
	Status          string     `json:"status" db:"status"`
	PublicIP        string     `json:"publicIp,omitempty" db:"public_ip"`
	PrivateIP       string     `json:"privateIp,omitempty" db:"private_ip"`
	Region          string     `json:"region" db:"region"`
	VMSize          string     `json:"vmSize" db:"vm_size"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	ReadyAt         *time.Time `json:"readyAt,omitempty" db:"ready_at"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty" db:"last_health_check"`
	HealthStatus    string     `json:"healthStatus" db:"health_status"`
	ErrorMessage    string     `json:"errorMessage,omitempty" db:"error_message"`
	AgentCount      int        `json:"agentCount" db:"agent_count"`
	MaxAgents       int        `json:"maxAgents" db:"max_agents"`
	Metadata        string     `json:"metadata,omitempty" db:"metadata"`
}

// Terminal reports whether the VM can never serve agents again.
func (v *VM) Terminal() bool {
	return v.Status == StatusTerminated || v.Status == StatusError
}

// Assignment statuses
const (
	AssignmentActive    = "active"
	AssignmentCompleted = "completed"
	AssignmentFailed    = "failed"
)

// Assignment binds one agent to one VM. At most one active assignment exists
// per agent.
type Assignment struct {
	AssignmentID string     `json:"assignmentId" db:"assignment_id"`
	AgentID      string     `json:"agentId" db:"agent_id"`
	VMID         string     `json:"vmId" db:"vm_id"`
	AssignedAt   time.Time  `json:"assignedAt" db:"assigned_at"`
	Status       string     `json:"status" db:"status"`
	CompletedAt  *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	Task         string     `json:"task,omitempty" db:"task"`
}

// HealthCheck is one append-only health report.
type HealthCheck struct {
	ID        int64     `json:"id" db:"id"`
	VMID      string    `json:"vmId" db:"vm_id"`
	Status    string    `json:"status" db:"status"`
	Details   string    `json:"details,omitempty" db:"details"`
	CheckedAt time.Time `json:"checkedAt" db:"checked_at"`
}

// Scale recommendation actions.
const (
	ScaleNone      = "none"
	ScaleProvision = "provision"
	ScaleTerminate = "terminate"
	ScaleBlocked   = "blocked"
)

// ScaleRecommendation is advice only; the pool never provisions or tears
// down hardware itself.
type ScaleRecommendation struct {
	Action string   `json:"action"`
	Reason string   `json:"reason"`
	VMIDs  []string `json:"vmIds,omitempty"`
}

// PoolState is the singleton sweep bookkeeping row.
type PoolState struct {
	PendingScaleUp bool       `json:"pendingScaleUp" db:"pending_scale_up"`
	LastSweepAt    *time.Time `json:"lastSweepAt,omitempty" db:"last_sweep_at"`
}
