package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func countOn(t *testing.T, b *MemoryEventBus, pattern string) *int32 {
	t.Helper()
	var count int32
	sub, err := b.Subscribe(pattern, func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return &count
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("agent.started.a1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("agent.started", "test", map[string]interface{}{"agent_id": "a1"})
	if err := bus.Publish(context.Background(), "agent.started.a1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Data["agent_id"] != "a1" {
			t.Errorf("Expected agent_id a1, got %v", e.Data["agent_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("agent.heartbeat.a1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("agent.heartbeat", "test", nil)
	_ = bus.Publish(context.Background(), "agent.heartbeat.a1", event)
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), "agent.heartbeat.a1", event)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "agent.started.a1", "agent.started.a1", true},
		{"exact mismatch", "agent.started.a1", "agent.started.a2", false},
		{"single token", "agent.*.a1", "agent.stopped.a1", true},
		{"single token needs a token", "agent.*.a1", "agent.a1", false},
		{"trailing one token", "agent.>", "agent.started", true},
		{"trailing many tokens", "agent.>", "agent.started.a1", true},
		{"trailing needs a token", "agent.>", "agent", false},
		{"other prefix", "registry.>", "agent.started.a1", false},
		{"longer subject", "agent.started", "agent.started.a1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMemoryEventBus(newTestLogger(t))
			defer bus.Close()

			count := countOn(t, bus, tt.pattern)
			if err := bus.Publish(context.Background(), tt.subject, NewEvent("x", "test", nil)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
			time.Sleep(50 * time.Millisecond)

			got := atomic.LoadInt32(count) == 1
			if got != tt.match {
				t.Errorf("pattern %q subject %q: expected match=%v, got %v", tt.pattern, tt.subject, tt.match, got)
			}
		})
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	count := countOn(t, bus, "agent.>")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), "agent.heartbeat.a1", NewEvent("agent.heartbeat", "test", nil))
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(count) < 50 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(count); got != 50 {
		t.Errorf("Expected 50 deliveries, got %d", got)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe("agent.>", func(ctx context.Context, event *Event) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after close")
	}
	if err := bus.Publish(context.Background(), "agent.started", NewEvent("x", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("agent.>", nil); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("agent.started", "lifecycle", map[string]interface{}{"agent_id": "a1"})

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Type != "agent.started" || event.Source != "lifecycle" {
		t.Errorf("Unexpected type/source: %s/%s", event.Type, event.Source)
	}
	if event.Timestamp.Before(before) {
		t.Error("Expected timestamp to be set to now")
	}
	if other := NewEvent("agent.started", "lifecycle", nil); other.ID == event.ID {
		t.Error("Expected unique event IDs")
	}
}
