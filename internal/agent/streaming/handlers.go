package streaming

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamEvents upgrades the request and streams bus events. The optional
// agent_id query parameter (comma separated) pre-subscribes the client.
// WS /api/v1/events/ws
func (h *WSHandler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	if ids := c.Query("agent_id"); ids != "" {
		client.Subscribe(strings.Split(ids, ",")...)
	}

	h.logger.Info("WebSocket connection established", zap.String("client_id", clientID))

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
