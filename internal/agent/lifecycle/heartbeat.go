package lifecycle

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/events"
)

// heartbeatLoop records a heartbeat immediately and then once per interval
// until ctx is cancelled. Shutdown latency is bounded by one interval at
// most; in practice the timer wait is interrupted by ctx.
func (a *Agent) heartbeatLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		a.beat()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(interval)
		}
	}
}

func (a *Agent) beat() {
	now := a.now()

	a.mu.Lock()
	a.stats.LastHeartbeat = &now
	dir := a.directory
	a.mu.Unlock()

	if dir != nil {
		if err := dir.Heartbeat(a.id); stderrors.Is(err, registry.ErrNotFound) {
			// The entry carries the heartbeat just recorded.
			a.mu.RLock()
			a.reregisterLocked()
			a.mu.RUnlock()
		}
	}
	a.publish(events.AgentHeartbeat, map[string]interface{}{"timestamp": now})
}
