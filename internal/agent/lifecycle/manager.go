package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

var (
	// ErrAgentNotFound is returned for ids the manager does not hold.
	ErrAgentNotFound = stderrors.New("agent not managed")
	// ErrAlreadyManaged is returned when registering an id twice.
	ErrAlreadyManaged = stderrors.New("agent already managed")
)

const defaultStopConcurrency = 16

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(log *logger.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.logger = log.WithFields(zap.String("component", "agent-manager"))
		}
	}
}

// WithAutoRestart restarts agents whose run loop fails, after their
// RetryDelay, while their error count stays within MaxRetries.
func WithAutoRestart() ManagerOption {
	return func(m *Manager) { m.autoRestart = true }
}

// WithStopConcurrency bounds how many agents StopAll stops at once.
func WithStopConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.stopConcurrency = n
		}
	}
}

// WithExitFunc replaces os.Exit for signal-triggered shutdown.
func WithExitFunc(exit func(code int)) ManagerOption {
	return func(m *Manager) { m.exit = exit }
}

type managedAgent struct {
	agent *Agent
	seq   int
}

// Manager coordinates a fleet of agents. It holds references for bulk
// operations; agents can still be driven directly.
type Manager struct {
	logger          *logger.Logger
	autoRestart     bool
	stopConcurrency int
	exit            func(code int)

	mu      sync.RWMutex
	agents  map[string]*managedAgent
	order   []string
	nextSeq int

	hooksMu       sync.Mutex
	shutdownHooks []func(ctx context.Context) error

	// Pending auto-restarts
	restartMu sync.Mutex
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:          logger.Default().WithFields(zap.String("component", "agent-manager")),
		stopConcurrency: defaultStopConcurrency,
		exit:            osExit,
		agents:          make(map[string]*managedAgent),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a to the managed set.
func (m *Manager) Register(a *Agent) error {
	m.mu.Lock()
	if _, exists := m.agents[a.ID()]; exists {
		m.mu.Unlock()
		return errors.Conflict(fmt.Sprintf("agent '%s' is already managed", a.ID())).WithCause(ErrAlreadyManaged)
	}
	m.agents[a.ID()] = &managedAgent{agent: a, seq: m.nextSeq}
	m.nextSeq++
	m.order = append(m.order, a.ID())
	m.mu.Unlock()

	if m.autoRestart {
		a.OnError(func(failed *Agent, err error) error {
			m.scheduleRestart(failed, err)
			return nil
		})
	}

	m.logger.Info("managing agent", zap.String("agent_id", a.ID()))
	return nil
}

// Unregister removes an agent, stopping it first when it is active.
func (m *Manager) Unregister(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	switch a.Status() {
	case v1.AgentStatusIdle, v1.AgentStatusStopped:
	default:
		if err := a.Stop(ctx); err != nil && !stderrors.Is(err, ErrNotRunning) {
			m.logger.Warn("failed to stop agent before unregistering",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	for i, id := range m.order {
		if id == agentID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("stopped managing agent", zap.String("agent_id", agentID))
	return nil
}

// Get returns a managed agent.
func (m *Manager) Get(agentID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ma, exists := m.agents[agentID]
	if !exists {
		return nil, false
	}
	return ma.agent, true
}

// List returns managed agents in registration order.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.agents[id].agent)
	}
	return result
}

func (m *Manager) lookup(agentID string) (*Agent, error) {
	a, ok := m.Get(agentID)
	if !ok {
		m.logger.Warn("unknown agent id", zap.String("agent_id", agentID))
		return nil, errors.NotFound("agent", agentID).WithCause(ErrAgentNotFound)
	}
	return a, nil
}

// StartAgent starts one managed agent.
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	return a.Start(ctx)
}

// StopAgent stops one managed agent.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	return a.Stop(ctx)
}

// RestartAgent restarts one managed agent.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	return a.Restart(ctx)
}

// StartAll starts every managed agent and returns each outcome by id.
// Agents start after the managed agents they depend on; ties go to higher
// priority, then registration order. A failed dependency does not prevent
// its dependents from being attempted.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	return m.startMatching(ctx, func(*Agent) bool { return true })
}

// StartAutoStart starts the managed agents configured with auto_start.
func (m *Manager) StartAutoStart(ctx context.Context) map[string]error {
	return m.startMatching(ctx, func(a *Agent) bool { return a.Config().AutoStart })
}

func (m *Manager) startMatching(ctx context.Context, include func(*Agent) bool) map[string]error {
	m.mu.RLock()
	nodes := make([]*startNode, 0, len(m.order))
	byID := make(map[string]*Agent, len(m.order))
	for _, id := range m.order {
		ma := m.agents[id]
		if !include(ma.agent) {
			continue
		}
		cfg := ma.agent.Config()
		nodes = append(nodes, &startNode{id: id, priority: cfg.Priority, seq: ma.seq, deps: cfg.Dependencies})
		byID[id] = ma.agent
	}
	m.mu.RUnlock()

	order, unknown, cyclic := startOrder(nodes)
	for id, deps := range unknown {
		m.logger.Warn("agent depends on unmanaged agents",
			zap.String("agent_id", id),
			zap.Strings("dependencies", deps))
	}
	if len(cyclic) > 0 {
		m.logger.Warn("dependency cycle detected, starting remaining agents by priority",
			zap.Strings("agent_ids", cyclic))
	}

	results := make(map[string]error, len(order))
	for _, id := range order {
		err := byID[id].Start(ctx)
		results[id] = err
		if err != nil {
			m.logger.Error("failed to start agent", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return results
}

// StopAll stops every managed agent concurrently and returns each outcome
// by id. One agent's failure never affects the others.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	agents := m.List()

	var (
		resMu   sync.Mutex
		results = make(map[string]error, len(agents))
	)

	g := new(errgroup.Group)
	g.SetLimit(m.stopConcurrency)
	for _, a := range agents {
		g.Go(func() error {
			err := a.Stop(ctx)
			resMu.Lock()
			results[a.ID()] = err
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for id, err := range results {
		if err != nil && !stderrors.Is(err, ErrNotRunning) {
			m.logger.Error("failed to stop agent", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return results
}

// HealthyAgents returns the managed agents reporting healthy.
func (m *Manager) HealthyAgents() []*Agent {
	return m.filter((*Agent).IsHealthy)
}

// RunningAgents returns the managed agents in RUNNING.
func (m *Manager) RunningAgents() []*Agent {
	return m.filter((*Agent).IsRunning)
}

func (m *Manager) filter(keep func(*Agent) bool) []*Agent {
	var result []*Agent
	for _, a := range m.List() {
		if keep(a) {
			result = append(result, a)
		}
	}
	return result
}

// Statuses returns a status report per managed agent in registration order.
func (m *Manager) Statuses() []v1.AgentStatusReport {
	agents := m.List()
	reports := make([]v1.AgentStatusReport, 0, len(agents))
	for _, a := range agents {
		reports = append(reports, a.GetStatus())
	}
	return reports
}

// scheduleRestart restarts a failed agent after its retry delay, unless its
// retry budget is spent or the manager is closing.
func (m *Manager) scheduleRestart(a *Agent, cause error) {
	cfg := a.Config()
	errorCount := a.Statistics().ErrorCount
	if errorCount > int64(cfg.MaxRetries) {
		m.logger.Warn("retry budget exhausted, not restarting",
			zap.String("agent_id", a.ID()),
			zap.Int64("error_count", errorCount),
			zap.Int("max_retries", cfg.MaxRetries))
		return
	}

	m.restartMu.Lock()
	if m.closed {
		m.restartMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.restartMu.Unlock()

	m.logger.Info("scheduling agent restart",
		zap.String("agent_id", a.ID()),
		zap.Duration("delay", cfg.RetryDelay),
		zap.Error(cause))

	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
		}

		if current, ok := m.Get(a.ID()); !ok || current != a {
			return
		}
		if a.Status() != v1.AgentStatusError {
			return
		}
		if err := a.Restart(context.Background()); err != nil {
			m.logger.Error("automatic restart failed", zap.String("agent_id", a.ID()), zap.Error(err))
		}
	}()
}

// Close cancels pending automatic restarts and waits for them to exit.
// It does not stop agents; use StopAll or Shutdown.
func (m *Manager) Close() {
	m.restartMu.Lock()
	if m.closed {
		m.restartMu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	m.restartMu.Unlock()

	m.wg.Wait()
}
