package workload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/lifecycle"
	"github.com/kandev/agentd/internal/events/bus"
)

// DefaultTickInterval is used by tickers without an "interval" setting.
const DefaultTickInterval = 10 * time.Second

// Idle does nothing until stopped. Useful for agents that exist only to be
// discovered through the registry.
type Idle struct{}

func (Idle) Initialize(context.Context, *lifecycle.Agent) error { return nil }
func (Idle) Cleanup(context.Context, *lifecycle.Agent) error    { return nil }

func (Idle) Run(ctx context.Context, _ *lifecycle.Agent) error {
	<-ctx.Done()
	return ctx.Err()
}

// TickFunc is one unit of periodic work.
type TickFunc func(ctx context.Context, a *lifecycle.Agent) error

// Ticker calls Tick every Interval while the agent is running. Ticks are
// skipped while the agent is paused. Each tick is counted through
// Agent.RecordTask; a failing tick is logged and does not end the run.
type Ticker struct {
	Interval time.Duration
	Tick     TickFunc
}

func (t *Ticker) Initialize(context.Context, *lifecycle.Agent) error {
	if t.Interval <= 0 {
		return fmt.Errorf("ticker interval must be positive, got %s", t.Interval)
	}
	return nil
}

func (t *Ticker) Cleanup(context.Context, *lifecycle.Agent) error { return nil }

func (t *Ticker) Run(ctx context.Context, a *lifecycle.Agent) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if a.IsPaused() {
			continue
		}

		err := t.tick(ctx, a)
		a.RecordTask(err)
		if err != nil {
			a.Logger().Warn("tick failed", zap.Error(err))
		}
	}
}

func (t *Ticker) tick(ctx context.Context, a *lifecycle.Agent) error {
	if t.Tick == nil {
		a.Logger().Debug("tick")
		return nil
	}
	return t.Tick(ctx, a)
}

// Subscriber consumes bus events on Subject for as long as the agent runs.
// Every delivered event is counted as a task; events that arrive while the
// agent is paused are dropped.
type Subscriber struct {
	Bus     bus.EventBus
	Subject string
	Handler bus.EventHandler

	sub      bus.Subscription
	received atomic.Int64
}

// Received returns how many events the subscriber has handled.
func (s *Subscriber) Received() int64 { return s.received.Load() }

func (s *Subscriber) Initialize(_ context.Context, a *lifecycle.Agent) error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			a.Logger().Warn("failed to drop previous subscription", zap.Error(err))
		}
		s.sub = nil
	}
	sub, err := s.Bus.Subscribe(s.Subject, func(ctx context.Context, event *bus.Event) error {
		if !a.IsRunning() {
			return nil
		}
		s.received.Add(1)

		var err error
		if s.Handler != nil {
			err = s.Handler(ctx, event)
		}
		a.RecordTask(err)
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.Subject, err)
	}
	s.sub = sub
	a.Logger().Info("subscribed", zap.String("subject", s.Subject))
	return nil
}

func (s *Subscriber) Run(ctx context.Context, _ *lifecycle.Agent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *Subscriber) Cleanup(context.Context, *lifecycle.Agent) error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

// durationSetting reads a duration from agent metadata. Numbers are seconds;
// strings use time.ParseDuration.
func durationSetting(metadata map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	v, ok := metadata[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case string:
		d, err := time.ParseDuration(n)
		if err != nil {
			return 0, fmt.Errorf("metadata.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case time.Duration:
		return n, nil
	}
	return 0, fmt.Errorf("metadata.%s must be seconds or a duration string, got %T", key, v)
}
