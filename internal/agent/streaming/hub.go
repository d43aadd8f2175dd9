// Package streaming fans agent and registry events out to WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
)

// Hub manages all WebSocket clients
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *bus.Event) {
	agentID, _ := event.Data["agent_id"].(string)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.Wants(agentID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client send buffer full, disconnecting", zap.String("client_id", client.ID))
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues event for every interested client. Events are dropped
// once the hub has stopped.
func (h *Hub) Broadcast(event *bus.Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Attach forwards every agent and registry event from eventBus to the hub.
// The returned function removes the subscriptions.
func (h *Hub) Attach(eventBus bus.EventBus) (func(), error) {
	forward := func(_ context.Context, event *bus.Event) error {
		h.Broadcast(event)
		return nil
	}

	var subs []bus.Subscription
	detach := func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				h.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
		}
	}

	for _, pattern := range []string{events.AllAgentEvents, events.AllRegistryEvents} {
		sub, err := eventBus.Subscribe(pattern, forward)
		if err != nil {
			detach()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return detach, nil
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
