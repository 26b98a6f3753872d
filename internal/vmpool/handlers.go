package vmpool

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/entity"
)

// Handlers exposes the pool HTTP surface.
type Handlers struct {
	registry *entity.Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for the pool singleton.
func NewHandlers(registry *entity.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "vmpool_handlers")),
	}
}

// RegisterRoutes mounts the pool routes under /vmpool.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/vmpool")
	g.GET("/vms", h.httpListVMs)
	g.POST("/vm", h.httpProvision)
	g.GET("/vm/:vmId", h.httpGetVM)
	g.POST("/vm/:vmId/ready", h.httpReady)
	g.POST("/vm/:vmId/health", h.httpHealth)
	g.GET("/vm/:vmId/health", h.httpListHealth)
	g.POST("/vm/:vmId/terminate", h.httpTerminate)
	g.POST("/spawn", h.httpSpawn)
	g.POST("/release", h.httpRelease)
	g.GET("/assignments", h.httpListAssignments)
	g.GET("/scale", h.httpScale)
	g.GET("/state", h.httpPoolState)
}

func (h *Handlers) service(c *gin.Context) (*entity.Instance, *Service, bool) {
	inst, err := h.registry.Singleton(entity.KindVMPool)
	if err != nil {
		h.logger.Error("Failed to open vmpool entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return inst, inst.Service().(*Service), true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handlers) httpProvision(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var vm *VM
	err := inst.Do(c.Request.Context(), "vm.provision", func(ctx context.Context) error {
		var err error
		vm, err = svc.Provision(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "vm": vm})
}

func (h *Handlers) httpListVMs(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var vms []*VM
	err := inst.Do(c.Request.Context(), "vm.list", func(ctx context.Context) error {
		var err error
		vms, err = svc.ListVMs(ctx, c.Query("status"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vms": vms, "total": len(vms)})
}

func (h *Handlers) httpGetVM(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var vm *VM
	err := inst.Do(c.Request.Context(), "vm.get", func(ctx context.Context) error {
		var err error
		vm, err = svc.GetVM(ctx, c.Param("vmId"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vm": vm})
}

func (h *Handlers) httpReady(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ReadyRequest
	_ = c.ShouldBindJSON(&req)
	var vm *VM
	err := inst.Do(c.Request.Context(), "vm.ready", func(ctx context.Context) error {
		var err error
		vm, err = svc.Ready(ctx, c.Param("vmId"), &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vm": vm})
}

func (h *Handlers) httpHealth(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req HealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	var vm *VM
	err := inst.Do(c.Request.Context(), "vm.health", func(ctx context.Context) error {
		var err error
		vm, err = svc.ReportHealth(ctx, c.Param("vmId"), &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vm": vm})
}

func (h *Handlers) httpListHealth(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	var checks []*HealthCheck
	err := inst.Do(c.Request.Context(), "vm.health_log", func(ctx context.Context) error {
		var err error
		checks, err = svc.ListHealthChecks(ctx, c.Param("vmId"), limit)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthChecks": checks, "total": len(checks)})
}

func (h *Handlers) httpTerminate(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req TerminateRequest
	_ = c.ShouldBindJSON(&req)
	var vm *VM
	err := inst.Do(c.Request.Context(), "vm.terminate", func(ctx context.Context) error {
		var err error
		vm, err = svc.Terminate(ctx, c.Param("vmId"), &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vm": vm})
}

func (h *Handlers) httpSpawn(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	var (
		result *SpawnResult
		rec    *ScaleRecommendation
	)
	err := inst.Do(c.Request.Context(), "pool.spawn", func(ctx context.Context) error {
		var err error
		result, err = svc.Spawn(ctx, &req)
		if errors.Is(err, ErrNoCapacity) {
			rec, _ = svc.Scale(ctx)
		}
		return err
	})
	if errors.Is(err, ErrNoCapacity) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":          err.Error(),
			"recommendation": rec,
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"assignment": result.Assignment,
		"vm":         result.VM,
		"existing":   result.Existing,
	})
}

func (h *Handlers) httpRelease(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	var a *Assignment
	err := inst.Do(c.Request.Context(), "pool.release", func(ctx context.Context) error {
		var err error
		a, err = svc.Release(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "assignment": a})
}

func (h *Handlers) httpListAssignments(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var list []*Assignment
	err := inst.Do(c.Request.Context(), "pool.assignments", func(ctx context.Context) error {
		var err error
		list, err = svc.ListAssignments(ctx, c.Query("agentId"), c.Query("status"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": list, "total": len(list)})
}

func (h *Handlers) httpScale(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var rec *ScaleRecommendation
	err := inst.Do(c.Request.Context(), "pool.scale", func(ctx context.Context) error {
		var err error
		rec, err = svc.Scale(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) httpPoolState(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var st *PoolState
	err := inst.Do(c.Request.Context(), "pool.state", func(ctx context.Context) error {
		var err error
		st, err = svc.PoolState(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
