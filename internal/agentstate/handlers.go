package agentstate

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

// Handlers exposes the per-agent HTTP surface under /agent/:agentId.
type Handlers struct {
	registry *entity.Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for agent state entities.
func NewHandlers(registry *entity.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "agentstate_handlers")),
	}
}

// RegisterRoutes mounts the agent routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/agent/:agentId")

	g.GET("/checkpoint", h.httpGetCheckpoint)
	g.POST("/checkpoint", h.httpSaveCheckpoint)

	g.GET("/messages", h.httpListDMs)
	g.POST("/messages", h.httpSendDM)
	g.PATCH("/messages", h.httpMarkRead)

	g.GET("/memory", h.httpSearchMemories)
	g.POST("/memory", h.httpSaveMemory)

	g.POST("/trace", h.httpStartTrace)
	g.GET("/trace/:sessionId", h.httpGetTrace)
	g.POST("/trace/:sessionId/step", h.httpLogStep)
	g.POST("/trace/:sessionId/complete", h.httpCompleteTrace)

	g.GET("/escalations", h.httpListEscalations)
	g.POST("/escalations/:escalationId/resolve", h.httpResolveEscalation)

	g.GET("/soul", h.httpGetSoul)
	g.POST("/soul/add-xp", h.httpAddXP)
	g.POST("/soul/update-from-trace", h.httpUpdateFromTrace)

	g.GET("/dashboard", h.httpDashboard)

	g.GET("/credentials", h.httpListCredentials)
	g.POST("/credentials", h.httpSetCredential)
	g.GET("/credentials/bundle", h.httpCredentialBundle)
	g.GET("/credentials/:key", h.httpGetCredential)
	g.DELETE("/credentials/:key", h.httpDeleteCredential)

	g.GET("/goals", h.httpListGoals)
	g.POST("/goals", h.httpCreateGoal)
	g.POST("/goals/:goalId/start", h.httpStartGoal)
	g.POST("/goals/:goalId/complete", h.httpCompleteGoal)
	g.POST("/goals/:goalId/fail", h.httpFailGoal)
	g.POST("/goals/:goalId/abandon", h.httpAbandonGoal)
	g.DELETE("/goals/:goalId", h.httpDeleteGoal)

	g.POST("/heartbeat", h.httpHeartbeat)
	g.GET("/health", h.httpHealth)
	g.POST("/shadow", h.httpShadow)
	g.GET("/shadow", h.httpGetShadow)
}

// service resolves the entity instance for the path's agent id.
func (h *Handlers) service(c *gin.Context) (*entity.Instance, *Service, bool) {
	agentID := c.Param("agentId")
	inst, err := h.registry.Get(entity.KindAgentState, agentID)
	if err != nil {
		h.logger.Error("Failed to open agent entity",
			zap.String("agent_id", agentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return inst, inst.Service().(*Service), true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- Checkpoint ---

func (h *Handlers) httpGetCheckpoint(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var cp *Checkpoint
	err := inst.Do(c.Request.Context(), "checkpoint.get", func(ctx context.Context) error {
		var err error
		cp, err = svc.GetCheckpoint(ctx)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"checkpoint": nil})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
}

func (h *Handlers) httpSaveCheckpoint(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var cp *Checkpoint
	err := inst.Do(c.Request.Context(), "checkpoint.save", func(ctx context.Context) error {
		var err error
		cp, err = svc.SaveCheckpoint(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "checkpoint": cp})
}

// --- Direct messages ---

func (h *Handlers) httpListDMs(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var msgs []*DirectMessage
	err := inst.Do(c.Request.Context(), "messages.list", func(ctx context.Context) error {
		var err error
		msgs, err = svc.ListDMs(ctx, unreadOnly, limit)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

func (h *Handlers) httpSendDM(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req DMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and message are required"})
		return
	}
	var m *DirectMessage
	err := inst.Do(c.Request.Context(), "messages.send", func(ctx context.Context) error {
		var err error
		m, err = svc.SendDM(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": m})
}

func (h *Handlers) httpMarkRead(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var updated int64
	err := inst.Do(c.Request.Context(), "messages.mark_read", func(ctx context.Context) error {
		var err error
		updated, err = svc.MarkRead(ctx, req.MessageIDs)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": updated})
}

// --- Memory ---

func (h *Handlers) httpSaveMemory(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req MemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	var m *Memory
	err := inst.Do(c.Request.Context(), "memory.save", func(ctx context.Context) error {
		var err error
		m, err = svc.SaveMemory(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "memory": m})
}

func (h *Handlers) httpSearchMemories(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	var memories []*Memory
	err := inst.Do(c.Request.Context(), "memory.search", func(ctx context.Context) error {
		var err error
		memories, err = svc.SearchMemories(ctx, c.Query("category"), c.Query("query"), limit)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories, "total": len(memories)})
}

// --- Work traces ---

func (h *Handlers) httpStartTrace(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req TraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	var t *WorkTrace
	err := inst.Do(c.Request.Context(), "trace.start", func(ctx context.Context) error {
		var err error
		t, err = svc.StartTrace(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "trace": t})
}

func (h *Handlers) httpGetTrace(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var (
		t     *WorkTrace
		steps []*WorkStep
	)
	err := inst.Do(c.Request.Context(), "trace.get", func(ctx context.Context) error {
		var err error
		t, steps, err = svc.GetTrace(ctx, c.Param("sessionId"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": t, "steps": steps})
}

func (h *Handlers) httpLogStep(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Tool == "" || req.Outcome == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool and outcome are required"})
		return
	}
	var resp *StepResponse
	err := inst.Do(c.Request.Context(), "trace.step", func(ctx context.Context) error {
		var err error
		resp, err = svc.LogStep(ctx, c.Param("sessionId"), &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpCompleteTrace(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var t *WorkTrace
	err := inst.Do(c.Request.Context(), "trace.complete", func(ctx context.Context) error {
		var err error
		t, err = svc.CompleteTrace(ctx, c.Param("sessionId"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "trace": t})
}

// --- Escalations ---

func (h *Handlers) httpListEscalations(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	pendingOnly := c.Query("pending") == "true"
	var escs []*Escalation
	err := inst.Do(c.Request.Context(), "escalations.list", func(ctx context.Context) error {
		var err error
		escs, err = svc.ListEscalations(ctx, c.Query("sessionId"), pendingOnly)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escs, "total": len(escs)})
}

func (h *Handlers) httpResolveEscalation(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = ResolvedBySelf
	}
	var esc *Escalation
	err := inst.Do(c.Request.Context(), "escalations.resolve", func(ctx context.Context) error {
		var err error
		esc, err = svc.ResolveEscalation(ctx, c.Param("escalationId"), &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "escalation": esc})
}

// --- Soul ---

func (h *Handlers) httpGetSoul(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var soul *Soul
	err := inst.Do(c.Request.Context(), "soul.get", func(ctx context.Context) error {
		var err error
		soul, err = svc.EnsureSoul(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"soul": soul})
}

func (h *Handlers) httpAddXP(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req AddXPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var soul *Soul
	err := inst.Do(c.Request.Context(), "soul.add_xp", func(ctx context.Context) error {
		var err error
		soul, err = svc.AddXP(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "soul": soul})
}

func (h *Handlers) httpUpdateFromTrace(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req UpdateFromTraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TraceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "traceId is required"})
		return
	}
	var soul *Soul
	err := inst.Do(c.Request.Context(), "soul.update_from_trace", func(ctx context.Context) error {
		var err error
		soul, err = svc.UpdateFromTrace(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "soul": soul})
}

func (h *Handlers) httpDashboard(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var d *Dashboard
	err := inst.Do(c.Request.Context(), "dashboard.get", func(ctx context.Context) error {
		var err error
		d, err = svc.GetDashboard(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- Credentials ---

func (h *Handlers) httpSetCredential(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Key == "" || req.Value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and value are required"})
		return
	}
	var cred *Credential
	err := inst.Do(c.Request.Context(), "credentials.set", func(ctx context.Context) error {
		var err error
		cred, err = svc.SetCredential(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "credential": cred})
}

func (h *Handlers) httpGetCredential(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var cred *Credential
	err := inst.Do(c.Request.Context(), "credentials.get", func(ctx context.Context) error {
		var err error
		cred, err = svc.GetCredential(ctx, c.Param("key"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": cred})
}

func (h *Handlers) httpListCredentials(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var creds []*Credential
	err := inst.Do(c.Request.Context(), "credentials.list", func(ctx context.Context) error {
		var err error
		creds, err = svc.ListCredentials(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds, "total": len(creds)})
}

func (h *Handlers) httpCredentialBundle(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var bundle map[string]string
	err := inst.Do(c.Request.Context(), "credentials.bundle", func(ctx context.Context) error {
		var err error
		bundle, err = svc.CredentialBundle(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": bundle})
}

func (h *Handlers) httpDeleteCredential(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	err := inst.Do(c.Request.Context(), "credentials.delete", func(ctx context.Context) error {
		return svc.DeleteCredential(ctx, c.Param("key"))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Goals ---

func (h *Handlers) httpCreateGoal(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req GoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	var g *Goal
	err := inst.Do(c.Request.Context(), "goals.create", func(ctx context.Context) error {
		var err error
		g, err = svc.CreateGoal(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "goal": g})
}

func (h *Handlers) httpListGoals(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var goals []*Goal
	err := inst.Do(c.Request.Context(), "goals.list", func(ctx context.Context) error {
		var err error
		goals, err = svc.ListGoals(ctx, c.Query("status"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals, "total": len(goals)})
}

// goalTransition handles the four lifecycle endpoints that share a shape.
func (h *Handlers) goalTransition(c *gin.Context, op string, apply func(ctx context.Context, svc *Service, id string) (*Goal, error)) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var g *Goal
	err := inst.Do(c.Request.Context(), op, func(ctx context.Context) error {
		var err error
		g, err = apply(ctx, svc, c.Param("goalId"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "goal": g})
}

func (h *Handlers) httpStartGoal(c *gin.Context) {
	h.goalTransition(c, "goals.start", func(ctx context.Context, svc *Service, id string) (*Goal, error) {
		return svc.StartGoal(ctx, id)
	})
}

func (h *Handlers) httpCompleteGoal(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)
	h.goalTransition(c, "goals.complete", func(ctx context.Context, svc *Service, id string) (*Goal, error) {
		return svc.CompleteGoal(ctx, id, req.Outcome)
	})
}

func (h *Handlers) httpFailGoal(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)
	h.goalTransition(c, "goals.fail", func(ctx context.Context, svc *Service, id string) (*Goal, error) {
		return svc.FailGoal(ctx, id, req.Outcome)
	})
}

func (h *Handlers) httpAbandonGoal(c *gin.Context) {
	h.goalTransition(c, "goals.abandon", func(ctx context.Context, svc *Service, id string) (*Goal, error) {
		return svc.AbandonGoal(ctx, id)
	})
}

func (h *Handlers) httpDeleteGoal(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	err := inst.Do(c.Request.Context(), "goals.delete", func(ctx context.Context) error {
		return svc.DeleteGoal(ctx, c.Param("goalId"))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Heartbeat / shadow ---

func (h *Handlers) httpHeartbeat(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)
	var status *HeartbeatStatus
	err := inst.Do(c.Request.Context(), "heartbeat.record", func(ctx context.Context) error {
		var err error
		status, err = svc.RecordHeartbeat(ctx, req.Note)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

func (h *Handlers) httpHealth(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var status *HeartbeatStatus
	err := inst.Do(c.Request.Context(), "health.get", func(ctx context.Context) error {
		var err error
		status, err = svc.Health(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) httpShadow(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var req ShadowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Action {
	case "register-shadow", "become-shadow", "takeover":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown shadow action: " + req.Action})
		return
	}
	var st *ShadowState
	err := inst.Do(c.Request.Context(), "shadow.update", func(ctx context.Context) error {
		var err error
		st, err = svc.Shadow(ctx, &req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "shadow": st})
}

func (h *Handlers) httpGetShadow(c *gin.Context) {
	inst, svc, ok := h.service(c)
	if !ok {
		return
	}
	var st *ShadowState
	err := inst.Do(c.Request.Context(), "shadow.get", func(ctx context.Context) error {
		var err error
		st, err = svc.GetShadow(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shadow": st})
}
