package streaming

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type streamFixture struct {
	hub    *Hub
	bus    *bus.MemoryEventBus
	server *httptest.Server
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	log := logger.Nop()

	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	eventBus := bus.NewMemoryEventBus(log)
	detach, err := hub.Attach(eventBus)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/ws", NewWSHandler(hub, log).StreamEvents)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		detach()
		eventBus.Close()
		cancel()
	})
	return &streamFixture{hub: hub, bus: eventBus, server: server}
}

func (f *streamFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	before := f.hub.GetClientCount()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return f.hub.GetClientCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (f *streamFixture) publish(t *testing.T, eventType, agentID string) {
	t.Helper()
	event := bus.NewEvent(eventType, "test", map[string]interface{}{"agent_id": agentID})
	require.NoError(t, f.bus.Publish(context.Background(), events.BuildAgentSubject(eventType, agentID), event))
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event bus.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestHub_StreamsAgentAndRegistryEvents(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "")

	f.publish(t, events.AgentStarted, "a1")
	first := readEvent(t, conn)
	assert.Equal(t, events.AgentStarted, first.Type)
	assert.Equal(t, "a1", first.Data["agent_id"])

	f.publish(t, events.RegistryAgentExpired, "a2")
	second := readEvent(t, conn)
	assert.Equal(t, events.RegistryAgentExpired, second.Type)
}

func TestHub_AgentFilter(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "?agent_id=a1,a3")

	f.publish(t, events.AgentStarted, "a2")
	f.publish(t, events.AgentStopped, "a3")

	event := readEvent(t, conn)
	assert.Equal(t, "a3", event.Data["agent_id"])
}

func TestHub_SubscribeMessage(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "?agent_id=a1")

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "unsubscribe", AgentIDs: []string{"a1"}}))
	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "subscribe", AgentIDs: []string{"b1"}}))

	// Messages are processed in order; poll until the filter has switched.
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		for c := range f.hub.clients {
			return c.Wants("b1") && !c.Wants("a1")
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	f.publish(t, events.AgentStarted, "a1")
	f.publish(t, events.AgentStarted, "b1")

	event := readEvent(t, conn)
	assert.Equal(t, "b1", event.Data["agent_id"])
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "")

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return f.hub.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_Wants(t *testing.T) {
	c := NewClient("c1", nil, nil, logger.Nop())
	assert.True(t, c.Wants("anything"))

	c.Subscribe("a1", "")
	assert.True(t, c.Wants("a1"))
	assert.False(t, c.Wants("a2"))

	c.Unsubscribe("a1")
	assert.True(t, c.Wants("a2"))
}

func TestHub_BroadcastAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(bus.NewEvent(events.AgentStarted, "test", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after hub stopped")
	}
}
