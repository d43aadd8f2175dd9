package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// SubscriptionMessage is sent by clients to narrow or widen their feed
type SubscriptionMessage struct {
	Action   string   `json:"action"` // subscribe, unsubscribe
	AgentIDs []string `json:"agent_ids"`
}

// Client represents a WebSocket client connection. A client with no agent
// subscriptions receives every event.
type Client struct {
	ID       string
	conn     *websocket.Conn
	agentIDs map[string]bool
	send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		agentIDs: make(map[string]bool),
		send:     make(chan []byte, 256),
		hub:      hub,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads subscription messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			c.Subscribe(subMsg.AgentIDs...)
		case "unsubscribe":
			c.Unsubscribe(subMsg.AgentIDs...)
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes queued events to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe limits the client's feed to events about the given agents
func (c *Client) Subscribe(agentIDs ...string) {
	c.mu.Lock()
	for _, id := range agentIDs {
		if id != "" {
			c.agentIDs[id] = true
		}
	}
	c.mu.Unlock()
	c.logger.Debug("Subscribed to agents", zap.Strings("agent_ids", agentIDs))
}

// Unsubscribe drops agents from the client's feed. Removing the last one
// returns the client to receiving every event.
func (c *Client) Unsubscribe(agentIDs ...string) {
	c.mu.Lock()
	for _, id := range agentIDs {
		delete(c.agentIDs, id)
	}
	c.mu.Unlock()
	c.logger.Debug("Unsubscribed from agents", zap.Strings("agent_ids", agentIDs))
}

// Wants reports whether an event about agentID should reach the client
func (c *Client) Wants(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.agentIDs) == 0 {
		return true
	}
	return c.agentIDs[agentID]
}
