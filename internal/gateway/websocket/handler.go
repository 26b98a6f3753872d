package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agentstate"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/coordinator"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway upgrades entity endpoints to WebSocket and bridges sockets onto
// the event bus.
type Gateway struct {
	registry *entity.Registry
	hub      *Hub
	logger   *logger.Logger
}

// NewGateway creates the realtime gateway.
func NewGateway(registry *entity.Registry, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		hub:      NewHub(eventBus, log),
		logger:   log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// RegisterRoutes mounts the socket endpoints: /ws for the coordinator and
// /ws/agent/:agentId for a single agent's state.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", g.httpCoordinatorSocket)
	r.GET("/ws/agent/:agentId", g.httpAgentSocket)
}

// Close drops every live socket.
func (g *Gateway) Close() {
	g.hub.Close()
}

// agentIdentity tags the socket with the connecting agent, from the agentId
// query parameter or the X-Agent-Id header.
func agentIdentity(c *gin.Context) string {
	if id := c.Query("agentId"); id != "" {
		return id
	}
	return c.GetHeader("X-Agent-Id")
}

func (g *Gateway) httpCoordinatorSocket(c *gin.Context) {
	agentID := agentIdentity(c)

	inst, err := g.registry.Singleton(entity.KindCoordinator)
	if err != nil {
		g.logger.Error("Failed to open coordinator entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	svc := inst.Service().(*coordinator.Service)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	// Connecting marks the agent active.
	if agentID != "" {
		err := inst.Do(c.Request.Context(), "ws.connect", func(ctx context.Context) error {
			_, opErr := svc.UpsertAgent(ctx, &coordinator.AgentUpdate{AgentID: agentID, Status: coordinator.StatusActive})
			return opErr
		})
		if err != nil {
			g.logger.Warn("Failed to mark agent active on connect", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	dispatch := func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Type {
		case TypeChat:
			var req coordinator.ChatRequest
			if err := msg.ParsePayload(&req); err != nil {
				return nil, err
			}
			if req.Author == "" {
				req.Author = agentID
			}
			var posted *coordinator.GroupMessage
			err := inst.Do(ctx, "ws.chat", func(ctx context.Context) error {
				var opErr error
				posted, opErr = svc.PostChat(ctx, &req)
				return opErr
			})
			if err != nil {
				return nil, err
			}
			return NewMessage(TypeChat, posted)

		case TypeAgentUpdate:
			var req coordinator.AgentUpdate
			if err := msg.ParsePayload(&req); err != nil {
				return nil, err
			}
			if req.AgentID == "" {
				req.AgentID = agentID
			}
			var agent *coordinator.Agent
			err := inst.Do(ctx, "ws.agent_update", func(ctx context.Context) error {
				var opErr error
				agent, opErr = svc.UpsertAgent(ctx, &req)
				return opErr
			})
			if err != nil {
				return nil, err
			}
			return NewMessage(TypeAgentUpdate, agent)

		default:
			return nil, fmt.Errorf("unsupported message type %q", msg.Type)
		}
	}

	subject := events.EntitySubject(string(entity.KindCoordinator), "main")
	client := NewClient(agentID, subject, conn, g.hub, dispatch, g.logger)
	g.hub.Attach(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func (g *Gateway) httpAgentSocket(c *gin.Context) {
	agentID := c.Param("agentId")

	inst, err := g.registry.Get(entity.KindAgentState, agentID)
	if err != nil {
		g.logger.Error("Failed to open agentstate entity", zap.String("agent_id", agentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	svc := inst.Service().(*agentstate.Service)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	dispatch := func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Type {
		case TypeCheckpointSave:
			var req agentstate.CheckpointRequest
			if err := msg.ParsePayload(&req); err != nil {
				return nil, err
			}
			var cp *agentstate.Checkpoint
			err := inst.Do(ctx, "ws.checkpoint_save", func(ctx context.Context) error {
				var opErr error
				cp, opErr = svc.SaveCheckpoint(ctx, &req)
				return opErr
			})
			if err != nil {
				return nil, err
			}
			return NewMessage(TypeCheckpointSave, cp)

		default:
			return nil, fmt.Errorf("unsupported message type %q", msg.Type)
		}
	}

	subject := events.EntitySubject(string(entity.KindAgentState), agentID)
	client := NewClient(agentID, subject, conn, g.hub, dispatch, g.logger)
	g.hub.Attach(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
