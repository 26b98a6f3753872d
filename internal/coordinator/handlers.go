package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/entity"
)

// Handlers exposes the coordinator HTTP surface.
type Handlers struct {
	registry *entity.Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for the coordinator singleton.
func NewHandlers(registry *entity.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "coordinator_handlers")),
	}
}

// RegisterRoutes mounts the coordinator routes under /coordinator.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/coordinator")
	g.GET("/agents", h.httpListAgents)
	g.POST("/agents", h.httpUpsertAgent)
	g.GET("/chat", h.httpGetChat)
	g.POST("/chat", h.httpPostChat)
	g.POST("/chat/:id/reactions", h.httpAddReaction)
	g.GET("/tasks", h.httpListTasks)
	g.POST("/tasks", h.httpUpsertTask)
	g.GET("/zones", h.httpListZones)
	g.POST("/zones", h.httpClaimZone)
	g.DELETE("/zones/:zoneId", h.httpReleaseZone)
	g.GET("/zones/check", h.httpCheckZone)
	g.GET("/claims", h.httpListClaims)
	g.POST("/claims", h.httpClaims)
	g.GET("/handoffs", h.httpListHandoffs)
	g.POST("/handoffs", h.httpHandoffs)
	g.GET("/work", h.httpWork)
	g.GET("/onboard", h.httpOnboard)
	g.GET("/session-resume", h.httpSessionResume)
}

// service resolves the coordinator singleton.
func (h *Handlers) service(c *gin.Context) (*entity.Instance, *Service, bool) {
	inst, err := h.registry.Singleton(entity.KindCoordinator)
	if err != nil {
		h.logger.Error("Failed to open coordinator entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return inst, inst.Service().(*Service), true
}

func (h *Handlers) httpListAgents(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var agents []*Agent
	err := inst.Do(c.Request.Context(), "agents.list", func(ctx context.Context) error {
		var err error
		agents, err = svc.ListAgents(ctx)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (h *Handlers) httpUpsertAgent(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req AgentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	var agent *Agent
	err := inst.Do(c.Request.Context(), "agents.upsert", func(ctx context.Context) error {
		var err error
		agent, err = svc.UpsertAgent(ctx, &req)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) httpGetChat(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	q := &ChatQuery{
		AgentID:   c.Query("agentId"),
		InboxOnly: c.Query("inbox") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Limit = n
		}
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		q.Since = t
	}
	var resp *ChatResponse
	err := inst.Do(c.Request.Context(), "chat.get", func(ctx context.Context) error {
		var err error
		resp, err = svc.GetChat(ctx, q)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpPostChat(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Author == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "author and message are required"})
		return
	}
	var msg *GroupMessage
	err := inst.Do(c.Request.Context(), "chat.post", func(ctx context.Context) error {
		var err error
		msg, err = svc.PostChat(ctx, &req)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handlers) httpAddReaction(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Emoji == "" || req.By == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji and by are required"})
		return
	}
	var msg *GroupMessage
	err := inst.Do(c.Request.Context(), "chat.react", func(ctx context.Context) error {
		var err error
		msg, err = svc.AddReaction(ctx, c.Param("id"), &req)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handlers) httpListTasks(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var tasks []*Task
	err := inst.Do(c.Request.Context(), "tasks.list", func(ctx context.Context) error {
		var err error
		tasks, err = svc.ListTasks(ctx, c.Query("status"), c.Query("assignee"))
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (h *Handlers) httpUpsertTask(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.ID == "" && req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	var task *Task
	err := inst.Do(c.Request.Context(), "tasks.upsert", func(ctx context.Context) error {
		var err error
		task, err = svc.UpsertTask(ctx, &req)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) httpListZones(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var zones []*Zone
	err := inst.Do(c.Request.Context(), "zones.list", func(ctx context.Context) error {
		var err error
		zones, err = svc.ListZones(ctx, c.Query("owner"))
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones, "total": len(zones)})
}

func (h *Handlers) httpClaimZone(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Path == "" || req.Owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path and owner are required"})
		return
	}
	var zone *Zone
	err := inst.Do(c.Request.Context(), "zones.claim", func(ctx context.Context) error {
		var err error
		zone, err = svc.ClaimZone(ctx, &req)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, zone)
}

func (h *Handlers) httpReleaseZone(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}
	err := inst.Do(c.Request.Context(), "zones.release", func(ctx context.Context) error {
		return svc.ReleaseZone(ctx, c.Param("zoneId"), owner)
	})
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found for owner"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpCheckZone(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	var zone *Zone
	err := inst.Do(c.Request.Context(), "zones.check", func(ctx context.Context) error {
		var err error
		zone, err = svc.CheckZone(ctx, path)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"inZone": zone != nil, "zone": zone})
}

func (h *Handlers) httpListClaims(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var claims []*Claim
	err := inst.Do(c.Request.Context(), "claims.list", func(ctx context.Context) error {
		var err error
		claims, err = svc.ListClaims(ctx, c.Query("includeStale") == "true")
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "total": len(claims)})
}

func (h *Handlers) httpClaims(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.What == "" || req.By == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "what and by are required"})
		return
	}

	switch req.Action {
	case "claim":
		var result *ClaimResult
		err := inst.Do(c.Request.Context(), "claims.claim", func(ctx context.Context) error {
			var err error
			result, err = svc.Claim(ctx, &req)
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
	case "release":
		err := inst.Do(c.Request.Context(), "claims.release", func(ctx context.Context) error {
			return svc.ReleaseClaim(ctx, req.What, req.By)
		})
		if errors.Is(err, ErrNotClaimOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be claim or release"})
	}
}

func (h *Handlers) httpListHandoffs(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	filter := HandoffFilter{
		ToAgent:   c.Query("toAgent"),
		FromAgent: c.Query("fromAgent"),
		Status:    c.Query("status"),
	}
	var handoffs []*Handoff
	err := inst.Do(c.Request.Context(), "handoffs.list", func(ctx context.Context) error {
		var err error
		handoffs, err = svc.ListHandoffs(ctx, filter)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handoffs": handoffs, "total": len(handoffs)})
}

func (h *Handlers) httpHandoffs(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req HandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var handoff *Handoff
	var opErr error
	switch req.Action {
	case "create":
		if req.FromAgent == "" || req.Title == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fromAgent and title are required"})
			return
		}
		opErr = inst.Do(c.Request.Context(), "handoffs.create", func(ctx context.Context) error {
			var err error
			handoff, err = svc.CreateHandoff(ctx, &req)
			return err
		})
	case "claim":
		if req.HandoffID == "" || req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "handoffId and agentId are required"})
			return
		}
		opErr = inst.Do(c.Request.Context(), "handoffs.claim", func(ctx context.Context) error {
			var err error
			handoff, err = svc.ClaimHandoff(ctx, req.HandoffID, req.AgentID)
			return err
		})
	case "complete":
		if req.HandoffID == "" || req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "handoffId and agentId are required"})
			return
		}
		opErr = inst.Do(c.Request.Context(), "handoffs.complete", func(ctx context.Context) error {
			var err error
			handoff, err = svc.CompleteHandoff(ctx, req.HandoffID, req.AgentID)
			return err
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be create, claim or complete"})
		return
	}

	var transition *TransitionError
	switch {
	case errors.As(opErr, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": transition.Reason})
	case errors.Is(opErr, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "handoff not found"})
	case opErr != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": opErr.Error()})
	default:
		c.JSON(http.StatusOK, handoff)
	}
}

func (h *Handlers) httpWork(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var resp *WorkResponse
	err := inst.Do(c.Request.Context(), "work", func(ctx context.Context) error {
		var err error
		resp, err = svc.Work(ctx, c.Query("agentId"))
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpOnboard(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	var onboarding *Onboarding
	err := inst.Do(c.Request.Context(), "onboard", func(ctx context.Context) error {
		var err error
		onboarding, err = svc.Onboard(ctx, agentID)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"onboarding": onboarding})
}

func (h *Handlers) httpSessionResume(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var resume *SessionResume
	err := inst.Do(c.Request.Context(), "session-resume", func(ctx context.Context) error {
		var err error
		resume, err = svc.Resume(ctx)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resume)
}
