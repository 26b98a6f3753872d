package vmpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Alarmer is the slice of the entity runtime the sweep needs.
type Alarmer interface {
	SetAlarm(t time.Time)
	CancelAlarm()
}

// Sweep defaults.
const (
	DefaultHealthCheckInterval = time.Minute
	DefaultBootTimeout         = 10 * time.Minute
	DefaultTargetFreeCapacity  = 2
	DefaultMaxVMs              = 10
	purgeRetention             = 7 * 24 * time.Hour
)

// ErrNoCapacity is returned by Spawn when no VM can take another agent.
var ErrNoCapacity = errors.New("no VM capacity available")

// ConflictError reports a state transition the current VM state forbids.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// Settings carries the pool's sweep and scaling thresholds.
type Settings struct {
	HealthCheckInterval time.Duration
	BootTimeout         time.Duration
	TargetFreeCapacity  int
	MaxVMs              int
}

func (s *Settings) applyDefaults() {
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if s.BootTimeout <= 0 {
		s.BootTimeout = DefaultBootTimeout
	}
	if s.TargetFreeCapacity <= 0 {
		s.TargetFreeCapacity = DefaultTargetFreeCapacity
	}
	if s.MaxVMs <= 0 {
		s.MaxVMs = DefaultMaxVMs
	}
}

// Service implements the fleet registry. All methods run under the singleton
// instance's serialization.
type Service struct {
	store    *Store
	bus      bus.EventBus
	subject  string
	alarm    Alarmer
	settings Settings
	logger   *logger.Logger

	now func() time.Time
}

// NewService creates the pool service. The caller wires HandleAlarm as the
// instance's alarm callback and arms the first sweep.
func NewService(store *Store, eventBus bus.EventBus, alarm Alarmer, settings Settings, log *logger.Logger) *Service {
	settings.applyDefaults()
	return &Service{
		store:    store,
		bus:      eventBus,
		subject:  events.EntitySubject("vmpool", "main"),
		alarm:    alarm,
		settings: settings,
		logger:   log.WithFields(zap.String("component", "vmpool")),
		now:      time.Now,
	}
}

// Close releases the store's database handles.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "vmpool", data)
	if err := s.bus.Publish(context.Background(), s.subject, ev); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// ProvisionRequest is the payload of POST /vm.
type ProvisionRequest struct {
	InstanceID string `json:"instanceId,omitempty"`
	Region     string `json:"region,omitempty"`
	VMSize     string `json:"vmSize,omitempty"`
	MaxAgents  int    `json:"maxAgents,omitempty"`
	Metadata   string `json:"metadata,omitempty"`
}

// Provision registers a new VM in provisioning state. Capacity defaults by
// size unless the caller overrides maxAgents.
func (s *Service) Provision(ctx context.Context, req *ProvisionRequest) (*VM, error) {
	size := req.VMSize
	if size == "" {
		size = SizeSmall
	}
	capacity, ok := sizeCapacity[size]
	if !ok {
		return nil, fmt.Errorf("unknown vm size: %s", size)
	}
	if req.MaxAgents > 0 {
		capacity = req.MaxAgents
	}

	vm := &VM{
		VMID:         uuid.New().String(),
		InstanceID:   req.InstanceID,
		Status:       StatusProvisioning,
		Region:       req.Region,
		VMSize:       size,
		CreatedAt:    s.now(),
		HealthStatus: HealthUnknown,
		MaxAgents:    capacity,
		Metadata:     req.Metadata,
	}
	if err := s.store.InsertVM(ctx, vm); err != nil {
		return nil, err
	}
	s.logger.Info("VM provisioned", zap.String("vm_id", vm.VMID), zap.String("size", size))
	s.publish(events.VMUpdated, map[string]interface{}{"vm": vm})
	return vm, nil
}

// ReadyRequest is the payload of POST /vm/:vmId/ready.
type ReadyRequest struct {
	PublicIP  string `json:"publicIp,omitempty"`
	PrivateIP string `json:"privateIp,omitempty"`
}

// Ready transitions a provisioning or booting VM to ready and marks it
// healthy.
func (s *Service) Ready(ctx context.Context, vmID string, req *ReadyRequest) (*VM, error) {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status != StatusProvisioning && vm.Status != StatusBooting {
		return nil, &ConflictError{Reason: fmt.Sprintf("VM is %s", vm.Status)}
	}
	now := s.now()
	vm.Status = StatusReady
	vm.HealthStatus = HealthHealthy
	vm.ReadyAt = &now
	if req.PublicIP != "" {
		vm.PublicIP = req.PublicIP
	}
	if req.PrivateIP != "" {
		vm.PrivateIP = req.PrivateIP
	}
	if err := s.store.UpdateVM(ctx, vm); err != nil {
		return nil, err
	}
	s.publish(events.VMUpdated, map[string]interface{}{"vm": vm})
	return vm, nil
}

// HealthRequest is the payload of POST /vm/:vmId/health.
type HealthRequest struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// ReportHealth appends a health log row and mirrors it onto the VM row.
func (s *Service) ReportHealth(ctx context.Context, vmID string, req *HealthRequest) (*VM, error) {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.InsertHealthCheck(ctx, &HealthCheck{
		VMID:      vmID,
		Status:    req.Status,
		Details:   req.Details,
		CheckedAt: now,
	}); err != nil {
		return nil, err
	}
	vm.HealthStatus = req.Status
	vm.LastHealthCheck = &now
	if err := s.store.UpdateVM(ctx, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

// GetVM returns one VM.
func (s *Service) GetVM(ctx context.Context, vmID string) (*VM, error) {
	return s.store.GetVM(ctx, vmID)
}

// ListVMs returns the fleet, optionally filtered by status.
func (s *Service) ListVMs(ctx context.Context, status string) ([]*VM, error) {
	return s.store.ListVMs(ctx, status)
}

// ListHealthChecks returns recent health reports for one VM.
func (s *Service) ListHealthChecks(ctx context.Context, vmID string, limit int) ([]*HealthCheck, error) {
	if _, err := s.store.GetVM(ctx, vmID); err != nil {
		return nil, err
	}
	return s.store.ListHealthChecks(ctx, vmID, limit)
}

// SpawnRequest is the payload of POST /spawn.
type SpawnRequest struct {
	AgentID       string `json:"agentId"`
	PreferredVMID string `json:"preferredVmId,omitempty"`
	Task          string `json:"task,omitempty"`
}

// SpawnResult carries the assignment and its VM. Existing reports whether an
// already-active assignment was returned instead of a new one.
type SpawnResult struct {
	Assignment *Assignment `json:"assignment"`
	VM         *VM         `json:"vm"`
	Existing   bool        `json:"existing,omitempty"`
}

// Spawn assigns an agent to a VM: the existing active assignment when one
// exists, else the preferred VM when it has room, else the best-fit VM.
// ErrNoCapacity when nothing can take the agent.
func (s *Service) Spawn(ctx context.Context, req *SpawnRequest) (*SpawnResult, error) {
	if existing, err := s.store.ActiveAssignment(ctx, req.AgentID); err == nil {
		vm, err := s.store.GetVM(ctx, existing.VMID)
		if err != nil {
			return nil, err
		}
		return &SpawnResult{Assignment: existing, VM: vm, Existing: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var vm *VM
	if req.PreferredVMID != "" {
		preferred, err := s.store.GetVM(ctx, req.PreferredVMID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if preferred != nil && preferred.Status == StatusReady &&
			preferred.HealthStatus == HealthHealthy && preferred.AgentCount < preferred.MaxAgents {
			vm = preferred
		}
	}
	if vm == nil {
		best, err := s.store.BestFitVM(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoCapacity
		}
		if err != nil {
			return nil, err
		}
		vm = best
	}

	a := &Assignment{
		AssignmentID: uuid.New().String(),
		AgentID:      req.AgentID,
		VMID:         vm.VMID,
		AssignedAt:   s.now(),
		Status:       AssignmentActive,
		Task:         req.Task,
	}
	if err := s.store.InsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	vm.AgentCount++
	if vm.AgentCount >= vm.MaxAgents {
		vm.Status = StatusBusy
	}
	if err := s.store.UpdateVM(ctx, vm); err != nil {
		return nil, err
	}
	s.logger.Info("Agent assigned to VM",
		zap.String("agent_id", req.AgentID),
		zap.String("vm_id", vm.VMID),
		zap.Int("agent_count", vm.AgentCount))
	s.publish(events.AssignmentUpdated, map[string]interface{}{"assignment": a, "vm": vm})
	return &SpawnResult{Assignment: a, VM: vm}, nil
}

// ReleaseRequest is the payload of POST /release.
type ReleaseRequest struct {
	AgentID string `json:"agentId"`
}

// Release completes the agent's active assignment and frees its VM slot.
func (s *Service) Release(ctx context.Context, req *ReleaseRequest) (*Assignment, error) {
	a, err := s.store.ActiveAssignment(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.CloseAssignment(ctx, a.AssignmentID, AssignmentCompleted, now); err != nil {
		return nil, err
	}
	a.Status = AssignmentCompleted
	a.CompletedAt = &now

	vm, err := s.store.GetVM(ctx, a.VMID)
	if err == nil {
		if vm.AgentCount > 0 {
			vm.AgentCount--
		}
		if vm.Status == StatusBusy {
			vm.Status = StatusReady
		}
		if err := s.store.UpdateVM(ctx, vm); err != nil {
			return nil, err
		}
		s.publish(events.AssignmentUpdated, map[string]interface{}{"assignment": a, "vm": vm})
	}
	return a, nil
}

// TerminateRequest is the payload of POST /vm/:vmId/terminate.
type TerminateRequest struct {
	Force bool `json:"force,omitempty"`
}

// Terminate moves a VM to terminated. With active agents the call conflicts
// unless forced; forcing fails the assignments and recomputes agentCount from
// the remaining active rows.
func (s *Service) Terminate(ctx context.Context, vmID string, req *TerminateRequest) (*VM, error) {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ActiveAssignmentCount(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if active > 0 && !req.Force {
		return nil, &ConflictError{Reason: fmt.Sprintf("VM has %d active agents", active)}
	}
	if active > 0 {
		failed, err := s.store.FailActiveAssignments(ctx, vmID, s.now())
		if err != nil {
			return nil, err
		}
		s.logger.Warn("Force-terminated VM with active agents",
			zap.String("vm_id", vmID), zap.Int64("failed_assignments", failed))
	}

	remaining, err := s.store.ActiveAssignmentCount(ctx, vmID)
	if err != nil {
		return nil, err
	}
	vm.Status = StatusTerminated
	vm.AgentCount = remaining
	if err := s.store.UpdateVM(ctx, vm); err != nil {
		return nil, err
	}
	s.publish(events.VMUpdated, map[string]interface{}{"vm": vm})
	return vm, nil
}

// ListAssignments filters assignments by agent and status.
func (s *Service) ListAssignments(ctx context.Context, agentID, status string) ([]*Assignment, error) {
	return s.store.ListAssignments(ctx, agentID, status)
}

// Scale computes a scaling recommendation. It never mutates the fleet.
func (s *Service) Scale(ctx context.Context) (*ScaleRecommendation, error) {
	freeSlots, err := s.store.FreeReadySlots(ctx)
	if err != nil {
		return nil, err
	}
	activeVMs, err := s.store.ActiveVMCount(ctx)
	if err != nil {
		return nil, err
	}

	if freeSlots < s.settings.TargetFreeCapacity {
		if activeVMs >= s.settings.MaxVMs {
			return &ScaleRecommendation{
				Action: ScaleBlocked,
				Reason: fmt.Sprintf("%d free slots below target %d but fleet is at the %d VM cap", freeSlots, s.settings.TargetFreeCapacity, s.settings.MaxVMs),
			}, nil
		}
		return &ScaleRecommendation{
			Action: ScaleProvision,
			Reason: fmt.Sprintf("%d free slots below target %d", freeSlots, s.settings.TargetFreeCapacity),
		}, nil
	}

	// Surplus: ready VMs with no agents beyond what the target needs.
	ready, err := s.store.ListVMs(ctx, StatusReady)
	if err != nil {
		return nil, err
	}
	idle := []string{}
	surplus := freeSlots - s.settings.TargetFreeCapacity
	for _, vm := range ready {
		if vm.AgentCount == 0 && surplus >= vm.MaxAgents {
			idle = append(idle, vm.VMID)
			surplus -= vm.MaxAgents
		}
	}
	if len(idle) > 0 {
		return &ScaleRecommendation{
			Action: ScaleTerminate,
			Reason: fmt.Sprintf("%d idle VMs beyond the %d-slot free target", len(idle), s.settings.TargetFreeCapacity),
			VMIDs:  idle,
		}, nil
	}
	return &ScaleRecommendation{Action: ScaleNone, Reason: "capacity within target"}, nil
}

// PoolState returns the sweep bookkeeping row.
func (s *Service) PoolState(ctx context.Context) (*PoolState, error) {
	return s.store.GetPoolState(ctx)
}

// ArmSweep schedules the next periodic sweep.
func (s *Service) ArmSweep() {
	if s.alarm != nil {
		s.alarm.SetAlarm(s.now().Add(s.settings.HealthCheckInterval))
	}
}

// HandleAlarm runs the periodic sweep: fail VMs stuck booting, mark silent
// VMs unresponsive, recompute the scale-up flag, purge old rows, re-arm.
func (s *Service) HandleAlarm(ctx context.Context) error {
	now := s.now()
	defer s.ArmSweep()

	stuck, err := s.store.StaleBootVMs(ctx, now.Add(-s.settings.BootTimeout))
	if err != nil {
		return err
	}
	for _, vm := range stuck {
		vm.Status = StatusError
		vm.ErrorMessage = fmt.Sprintf("boot timed out after %s", s.settings.BootTimeout)
		if err := s.store.UpdateVM(ctx, vm); err != nil {
			return err
		}
		s.logger.Warn("VM boot timed out", zap.String("vm_id", vm.VMID))
		s.publish(events.VMUpdated, map[string]interface{}{"vm": vm})
	}

	silent, err := s.store.SilentVMs(ctx, now.Add(-3*s.settings.HealthCheckInterval))
	if err != nil {
		return err
	}
	for _, vm := range silent {
		if vm.HealthStatus == HealthUnresponsive {
			continue
		}
		vm.HealthStatus = HealthUnresponsive
		if err := s.store.UpdateVM(ctx, vm); err != nil {
			return err
		}
		s.logger.Warn("VM went silent", zap.String("vm_id", vm.VMID))
		s.publish(events.VMUpdated, map[string]interface{}{"vm": vm})
	}

	freeSlots, err := s.store.FreeReadySlots(ctx)
	if err != nil {
		return err
	}
	activeVMs, err := s.store.ActiveVMCount(ctx)
	if err != nil {
		return err
	}
	st := &PoolState{
		PendingScaleUp: freeSlots < s.settings.TargetFreeCapacity && activeVMs < s.settings.MaxVMs,
		LastSweepAt:    &now,
	}
	if err := s.store.PutPoolState(ctx, st); err != nil {
		return err
	}

	return s.store.Purge(ctx, now.Add(-purgeRetention))
}
