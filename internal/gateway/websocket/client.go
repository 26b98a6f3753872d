package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// dispatchFunc handles one inbound message for the socket's entity. A nil
// response means nothing to send back.
type dispatchFunc func(ctx context.Context, msg *Message) (*Message, error)

// Client is a single socket bound to one entity subject and tagged with the
// connecting agent's id.
type Client struct {
	agentID  string
	subject  string
	conn     *websocket.Conn
	hub      *Hub
	dispatch dispatchFunc
	send     chan []byte
	logger   *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(agentID, subject string, conn *websocket.Conn, hub *Hub, dispatch dispatchFunc, log *logger.Logger) *Client {
	return &Client{
		agentID:  agentID,
		subject:  subject,
		conn:     conn,
		hub:      hub,
		dispatch: dispatch,
		send:     make(chan []byte, 256),
		logger:   log.WithFields(zap.String("agent_id", agentID), zap.String("subject", subject)),
	}
}

// ReadPump pumps inbound messages through the dispatcher until the socket
// closes, then detaches from the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendMessage(errorMessage("invalid message format"))
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *Message) {
	c.logger.Debug("Received message", zap.String("type", msg.Type))

	// Application-level ping is answered on every socket.
	if msg.Type == TypePing {
		pong, _ := NewMessage(TypePong, nil)
		c.sendMessage(pong)
		return
	}

	resp, err := c.dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Dispatch error", zap.String("type", msg.Type), zap.Error(err))
		c.sendMessage(errorMessage(err.Error()))
		return
	}
	if resp != nil {
		c.sendMessage(resp)
	}
}

func (c *Client) sendMessage(msg *Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Socket send buffer full")
	}
}

// WritePump owns all writes to the connection: queued frames plus periodic
// protocol pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
