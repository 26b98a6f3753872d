package resourcelock

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/entity"
)

// Handlers exposes the resource lock HTTP surface.
type Handlers struct {
	registry *entity.Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for resource locks.
func NewHandlers(registry *entity.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "lock_handlers")),
	}
}

// RegisterRoutes mounts the lock routes under /lock/:resource.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/lock/:resource")
	g.POST("/lock", h.httpLock)
	g.POST("/unlock", h.httpUnlock)
	g.GET("/check", h.httpCheck)
	g.GET("/history", h.httpHistory)
}

// service resolves the entity instance for the URL-decoded resource path.
func (h *Handlers) service(c *gin.Context) (*entity.Instance, *Service, bool) {
	resource, err := url.PathUnescape(c.Param("resource"))
	if err != nil || resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource path"})
		return nil, nil, false
	}
	inst, err := h.registry.Get(entity.KindResourceLock, resource)
	if err != nil {
		h.logger.Error("Failed to open lock entity", zap.String("resource", resource), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return inst, inst.Service().(*Service), true
}

func (h *Handlers) httpLock(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}

	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}

	var result *LockResult
	err := inst.Do(c.Request.Context(), "lock", func(ctx context.Context) error {
		var err error
		result, err = svc.Lock(ctx, &req)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpUnlock(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}

	var req UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}

	var result *UnlockResult
	err := inst.Do(c.Request.Context(), "unlock", func(ctx context.Context) error {
		var err error
		result, err = svc.Unlock(ctx, &req)
		return err
	})
	if errors.Is(err, ErrNotOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "lockedBy": result.LockedBy})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpCheck(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}

	var state *State
	err := inst.Do(c.Request.Context(), "check", func(ctx context.Context) error {
		var err error
		state, err = svc.Check(ctx)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpHistory(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}

	var history []*HistoryEntry
	err := inst.Do(c.Request.Context(), "history", func(ctx context.Context) error {
		var err error
		history, err = svc.History(ctx)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "total": len(history)})
}
