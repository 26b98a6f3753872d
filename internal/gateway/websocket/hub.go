package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Hub tracks sockets by entity subject and fans bus events out to them. One
// bus subscription exists per subject with at least one live socket.
type Hub struct {
	bus bus.EventBus

	mu       sync.RWMutex
	subjects map[string]*subjectGroup

	logger *logger.Logger
}

type subjectGroup struct {
	clients map[*Client]bool
	sub     bus.Subscription
}

// NewHub creates the hub. The bus may be nil, in which case sockets still
// work but see no cross-process events.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:      eventBus,
		subjects: make(map[string]*subjectGroup),
		logger:   log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Attach binds a client to its entity subject, subscribing to the bus on the
// subject's first socket.
func (h *Hub) Attach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.subjects[client.subject]
	if !ok {
		group = &subjectGroup{clients: make(map[*Client]bool)}
		h.subjects[client.subject] = group
		if h.bus != nil {
			subject := client.subject
			sub, err := h.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
				h.fanOut(subject, ev)
				return nil
			})
			if err != nil {
				h.logger.Error("Failed to subscribe to subject", zap.String("subject", subject), zap.Error(err))
			} else {
				group.sub = sub
			}
		}
	}
	group.clients[client] = true
	h.logger.Debug("Socket attached",
		zap.String("subject", client.subject),
		zap.String("agent_id", client.agentID),
		zap.Int("sockets", len(group.clients)))
}

// Detach removes a client, closing its send channel and dropping the bus
// subscription when the subject has no sockets left.
func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.subjects[client.subject]
	if !ok || !group.clients[client] {
		return
	}
	delete(group.clients, client)
	close(client.send)
	if len(group.clients) == 0 {
		if group.sub != nil {
			if err := group.sub.Unsubscribe(); err != nil {
				h.logger.Warn("Failed to unsubscribe", zap.String("subject", client.subject), zap.Error(err))
			}
		}
		delete(h.subjects, client.subject)
	}
	h.logger.Debug("Socket detached", zap.String("subject", client.subject), zap.String("agent_id", client.agentID))
}

// fanOut delivers a bus event to the subject's sockets, skipping the socket
// whose agent produced it.
func (h *Hub) fanOut(subject string, ev *bus.Event) {
	msg := &Message{Type: ev.Type, Timestamp: ev.Timestamp}
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			h.logger.Error("Failed to marshal event payload", zap.String("type", ev.Type), zap.Error(err))
			return
		}
		msg.Payload = data
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	group, ok := h.subjects[subject]
	if !ok {
		return
	}
	for client := range group.clients {
		if ev.Source != "" && ev.Source == client.agentID {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Buffer full; the write pump will drop the socket.
		}
	}
}

// Close shuts every socket down and drops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subject, group := range h.subjects {
		if group.sub != nil {
			_ = group.sub.Unsubscribe()
		}
		for client := range group.clients {
			close(client.send)
		}
		delete(h.subjects, subject)
	}
}

// SocketCount returns the number of sockets bound to a subject.
func (h *Hub) SocketCount(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	group, ok := h.subjects[subject]
	if !ok {
		return 0
	}
	return len(group.clients)
}
