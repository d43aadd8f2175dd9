// Package lifecycle runs supervised agents: it drives each agent's state
// machine, its worker and heartbeat goroutines, and coordinates fleets of
// agents through a Manager.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/agentconfig"
	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/common/tracing"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

const tracerName = "agentd/lifecycle"

var (
	// ErrAlreadyRunning is returned by Start on a running, starting or paused agent.
	ErrAlreadyRunning = stderrors.New("agent already running")
	// ErrNotRunning is returned by Stop on an idle, stopping or stopped agent.
	ErrNotRunning = stderrors.New("agent not running")
	// ErrNotPaused is returned by Resume on an agent that is not paused.
	ErrNotPaused = stderrors.New("agent not paused")
)

// Directory is the registry view an agent keeps up to date.
type Directory interface {
	Register(r registry.Registrant) error
	Unregister(agentID string) error
	UpdateStatus(agentID string, status v1.AgentStatus) error
	Heartbeat(agentID string) error
}

var _ Directory = (*registry.Registry)(nil)

type agentOptions struct {
	logger       *logger.Logger
	logDir       string
	directory    Directory
	autoRegister bool
	publisher    bus.Publisher
	now          func() time.Time
}

// Option configures an Agent.
type Option func(*agentOptions)

// WithLogger derives the agent logger from log instead of building one.
func WithLogger(log *logger.Logger) Option {
	return func(o *agentOptions) { o.logger = log }
}

// WithLogDir makes the agent also log to dir/<agent_id>.log.
func WithLogDir(dir string) Option {
	return func(o *agentOptions) { o.logDir = dir }
}

// WithDirectory registers the agent into d at construction and keeps its
// entry updated.
func WithDirectory(d Directory) Option {
	return func(o *agentOptions) { o.directory = d }
}

// WithAutoRegister registers the agent into registry.Default() unless
// WithDirectory supplied another directory.
func WithAutoRegister() Option {
	return func(o *agentOptions) { o.autoRegister = true }
}

// WithPublisher publishes agent.* events on pub.
func WithPublisher(pub bus.Publisher) Option {
	return func(o *agentOptions) { o.publisher = pub }
}

// WithClock replaces time.Now for timestamps and health checks.
func WithClock(now func() time.Time) Option {
	return func(o *agentOptions) { o.now = now }
}

// Agent supervises one Workload.
type Agent struct {
	id        string
	workload  Workload
	logger    *logger.Logger
	ownLogger bool
	directory Directory
	publisher bus.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	// lifecycleMu serializes Start, Stop and Restart.
	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	cfg        *agentconfig.AgentConfig
	status     v1.AgentStatus
	stats      v1.AgentStatistics
	createdAt  time.Time
	startedAt  *time.Time
	stoppedAt  *time.Time
	epochStart *time.Time // start of the uptime interval not yet added to TotalUptime
	lastError  string
	runID      string
	generation uint64
	cancel     context.CancelFunc
	workerDone chan struct{}
	beatDone   chan struct{}
	// initialized is set while the workload is initialized and Cleanup is
	// still owed, including after a run failure.
	initialized bool

	hooksMu sync.Mutex
	onStart []Hook
	onStop  []Hook
	onError []ErrorHook
}

// New creates an idle agent. cfg is copied; an invalid cfg is a
// CONFIGURATION_ERROR. Registration failures are logged, never returned.
func New(cfg *agentconfig.AgentConfig, workload Workload, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.ConfigurationError("agent config is required", nil)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, errors.ConfigurationError(fmt.Sprintf("invalid agent config %q: %v", cfg.ID, problems), nil)
	}
	if workload == nil {
		return nil, errors.ConfigurationError("workload is required", nil)
	}

	o := agentOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		id:        cfg.ID,
		workload:  workload,
		cfg:       cfg.Clone(),
		status:    v1.AgentStatusIdle,
		publisher: o.publisher,
		tracer:    tracing.Tracer(tracerName),
		now:       o.now,
	}
	a.cfg.Capabilities = agentconfig.UniqueOrdered(a.cfg.Capabilities)
	a.cfg.Dependencies = agentconfig.UniqueOrdered(a.cfg.Dependencies)
	a.createdAt = a.now()

	switch {
	case o.logger != nil:
		a.logger = o.logger.Named("agent." + cfg.ID).WithAgentID(cfg.ID)
	default:
		log, err := logger.NewAgentLogger(logger.AgentLoggerConfig{
			AgentID: cfg.ID,
			Level:   cfg.LogLevel,
			Dir:     o.logDir,
		})
		if err != nil {
			return nil, errors.ConfigurationError("failed to create agent logger", err)
		}
		a.logger = log
		a.ownLogger = true
	}

	a.directory = o.directory
	if a.directory == nil && o.autoRegister {
		a.directory = registry.Default()
	}
	if a.directory != nil {
		if err := a.directory.Register(a); err != nil {
			a.logger.Warn("failed to register agent", zap.Error(err))
		}
	}

	a.logger.Debug("agent created",
		zap.String("agent_type", cfg.Type),
		zap.Int("priority", cfg.Priority))
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Logger returns the agent-scoped logger, for use by workloads.
func (a *Agent) Logger() *logger.Logger { return a.logger }

// Config returns a copy of the agent's config.
func (a *Agent) Config() *agentconfig.AgentConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

// Status returns the current lifecycle status.
func (a *Agent) Status() v1.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// IsRunning reports whether the agent is running.
func (a *Agent) IsRunning() bool {
	return a.Status() == v1.AgentStatusRunning
}

// IsPaused reports whether the agent is paused. Workloads poll this to
// implement pause semantics.
func (a *Agent) IsPaused() bool {
	return a.Status() == v1.AgentStatusPaused
}

// RunID identifies the current (or last) run; it changes on every Start.
func (a *Agent) RunID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runID
}

// Statistics returns a copy of the agent's counters.
func (a *Agent) Statistics() v1.AgentStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statsLocked()
}

func (a *Agent) statsLocked() v1.AgentStatistics {
	s := a.stats
	if s.LastHeartbeat != nil {
		hb := *s.LastHeartbeat
		s.LastHeartbeat = &hb
	}
	return s
}

// Start initializes the workload and launches the worker and heartbeat
// goroutines. It returns once they are launched.
func (a *Agent) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	return a.start(ctx)
}

func (a *Agent) start(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "agent.start", trace.WithAttributes(
		attribute.String("agent.id", a.id)))
	defer span.End()

	a.mu.Lock()
	switch a.status {
	case v1.AgentStatusRunning, v1.AgentStatusStarting, v1.AgentStatusPaused:
		status := a.status
		a.mu.Unlock()
		a.logger.Warn("start ignored, agent already running", zap.String("status", string(status)))
		return errors.InvalidState(fmt.Sprintf("agent '%s' is %s", a.id, status)).WithCause(ErrAlreadyRunning)
	}
	a.setStatusLocked(v1.AgentStatusStarting)
	failedRun := a.initialized
	staleBeat := a.beatDone
	a.initialized = false
	a.cancel, a.workerDone, a.beatDone = nil, nil, nil
	a.mu.Unlock()

	if failedRun {
		a.cleanupFailedRun(ctx, staleBeat)
	}

	a.logger.Info("starting agent")

	if err := callRecovering(func() error { return a.workload.Initialize(ctx, a) }); err != nil {
		a.mu.Lock()
		a.recordErrorLocked(err)
		a.setStatusLocked(v1.AgentStatusError)
		a.mu.Unlock()

		a.logger.Error("agent initialization failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialize failed")
		a.publish(events.AgentFailed, map[string]interface{}{"phase": "initialize", "error": err.Error()})
		return errors.InitializationError(a.id, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	workerDone := make(chan struct{})
	var beatDone chan struct{}

	a.mu.Lock()
	now := a.now()
	a.initialized = true
	a.generation++
	gen := a.generation
	a.runID = uuid.New().String()
	a.cancel = cancel
	a.workerDone = workerDone
	a.startedAt = &now
	a.stoppedAt = nil
	a.epochStart = &now
	a.stats.StartCount++
	interval := a.cfg.HeartbeatInterval
	if interval > 0 {
		beatDone = make(chan struct{})
	}
	a.beatDone = beatDone
	// RUNNING is set before the worker launches so an immediate runtime
	// failure cannot be overwritten.
	a.setStatusLocked(v1.AgentStatusRunning)
	runID := a.runID
	a.mu.Unlock()

	go a.supervise(runCtx, gen, workerDone)
	if beatDone != nil {
		go a.heartbeatLoop(runCtx, interval, beatDone)
	}

	span.SetAttributes(attribute.String("agent.run_id", runID))
	a.logger.Info("agent started", zap.String("run_id", runID))
	a.publish(events.AgentStarted, nil)
	a.runHooks("start", &a.onStart)
	return nil
}

// supervise runs the workload and turns failures and panics into the ERROR
// state. A worker whose generation is stale (abandoned by a timed-out Stop)
// does not touch agent state.
func (a *Agent) supervise(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	err := callRecovering(func() error { return a.workload.Run(ctx, a) })
	stopping := ctx.Err() != nil

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		a.logger.Warn("abandoned worker exited", zap.Error(err))
		return
	}

	switch {
	case err == nil:
		a.mu.Unlock()
		if !stopping {
			a.logger.Info("workload finished")
		}
		return
	case stopping:
		a.mu.Unlock()
		if !stderrors.Is(err, context.Canceled) {
			a.logger.Warn("workload returned an error while stopping", zap.Error(err))
		}
		return
	}

	failure := errors.RuntimeFailure(a.id, err)
	a.recordErrorLocked(err)
	a.closeEpochLocked(a.now())
	a.setStatusLocked(v1.AgentStatusError)
	cancel := a.cancel
	a.mu.Unlock()

	// Stops the heartbeat; Stop will find the worker already finished.
	if cancel != nil {
		cancel()
	}

	fields := []zap.Field{zap.Error(err)}
	var p *PanicError
	if stderrors.As(err, &p) {
		fields = append(fields, zap.ByteString("stack", p.Stack))
	}
	a.logger.Error("agent run loop failed", fields...)
	a.publish(events.AgentFailed, map[string]interface{}{"phase": "run", "error": err.Error()})
	a.runErrorHooks(failure)
}

// Stop stops the agent, waiting up to the configured timeout for the worker.
func (a *Agent) Stop(ctx context.Context) error {
	return a.StopTimeout(ctx, a.Config().Timeout)
}

// StopTimeout cancels the run, waits up to timeout for the worker, then
// waits for the heartbeat goroutine and runs Cleanup. A worker that ignores
// cancellation is abandoned after timeout and the stop proceeds.
func (a *Agent) StopTimeout(ctx context.Context, timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	return a.stop(ctx, timeout)
}

func (a *Agent) stop(ctx context.Context, timeout time.Duration) error {
	ctx, span := a.tracer.Start(ctx, "agent.stop", trace.WithAttributes(
		attribute.String("agent.id", a.id)))
	defer span.End()

	a.mu.Lock()
	switch a.status {
	case v1.AgentStatusStopped, v1.AgentStatusStopping, v1.AgentStatusIdle:
		status := a.status
		a.mu.Unlock()
		a.logger.Warn("stop ignored, agent not running", zap.String("status", string(status)))
		return errors.InvalidState(fmt.Sprintf("agent '%s' is %s", a.id, status)).WithCause(ErrNotRunning)
	}
	a.setStatusLocked(v1.AgentStatusStopping)
	cancel, workerDone, beatDone := a.cancel, a.workerDone, a.beatDone
	a.cancel, a.workerDone, a.beatDone = nil, nil, nil
	a.initialized = false
	a.mu.Unlock()

	a.logger.Info("stopping agent", zap.Duration("timeout", timeout))

	if cancel != nil {
		cancel()
	}
	if workerDone != nil {
		timer := time.NewTimer(timeout)
		select {
		case <-workerDone:
		case <-timer.C:
			a.abandonWorker(timeout)
			span.AddEvent("shutdown timeout")
		case <-ctx.Done():
			a.abandonWorker(timeout)
			span.AddEvent("stop context done")
		}
		timer.Stop()
	}
	if beatDone != nil {
		<-beatDone
	}

	cleanupErr := callRecovering(func() error { return a.workload.Cleanup(ctx, a) })

	a.mu.Lock()
	now := a.now()
	a.closeEpochLocked(now)
	a.stoppedAt = &now
	if cleanupErr != nil {
		a.recordErrorLocked(cleanupErr)
		a.setStatusLocked(v1.AgentStatusError)
		a.mu.Unlock()

		a.logger.Error("agent cleanup failed", zap.Error(cleanupErr))
		span.RecordError(cleanupErr)
		span.SetStatus(codes.Error, "cleanup failed")
		a.publish(events.AgentFailed, map[string]interface{}{"phase": "cleanup", "error": cleanupErr.Error()})
		return errors.RuntimeFailure(a.id, cleanupErr)
	}
	a.stats.StopCount++
	a.setStatusLocked(v1.AgentStatusStopped)
	a.mu.Unlock()

	a.logger.Info("agent stopped")
	a.publish(events.AgentStopped, nil)
	a.runHooks("stop", &a.onStop)
	return nil
}

// cleanupFailedRun releases what the workload acquired for a run that
// ended in a runtime failure, before it is initialized again. The worker has
// already returned; only the heartbeat goroutine may still be exiting.
func (a *Agent) cleanupFailedRun(ctx context.Context, beatDone chan struct{}) {
	if beatDone != nil {
		<-beatDone
	}
	if err := callRecovering(func() error { return a.workload.Cleanup(ctx, a) }); err != nil {
		a.logger.Warn("cleanup of failed run returned an error", zap.Error(err))
	}
}

// abandonWorker detaches a worker that did not honor cancellation so its
// eventual return is ignored.
func (a *Agent) abandonWorker(timeout time.Duration) {
	a.mu.Lock()
	a.generation++
	a.mu.Unlock()
	a.logger.Warn("worker did not stop in time, abandoning it",
		zap.Error(errors.ShutdownTimeout(a.id, timeout.String())))
}

// Restart stops the agent (if running) and starts it again.
func (a *Agent) Restart(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	stopErr := a.stop(ctx, a.Config().Timeout)
	if stderrors.Is(stopErr, ErrNotRunning) {
		stopErr = nil
	}
	startErr := a.start(ctx)
	return stderrors.Join(stopErr, startErr)
}

// Pause moves a running agent to PAUSED. The workload decides what pausing
// means by polling IsPaused.
func (a *Agent) Pause() error {
	a.mu.Lock()
	if a.status != v1.AgentStatusRunning {
		status := a.status
		a.mu.Unlock()
		return errors.InvalidState(fmt.Sprintf("agent '%s' is %s", a.id, status)).WithCause(ErrNotRunning)
	}
	a.setStatusLocked(v1.AgentStatusPaused)
	a.mu.Unlock()

	a.logger.Info("agent paused")
	a.publish(events.AgentPaused, nil)
	return nil
}

// Resume moves a paused agent back to RUNNING.
func (a *Agent) Resume() error {
	a.mu.Lock()
	if a.status != v1.AgentStatusPaused {
		status := a.status
		a.mu.Unlock()
		return errors.InvalidState(fmt.Sprintf("agent '%s' is %s", a.id, status)).WithCause(ErrNotPaused)
	}
	a.setStatusLocked(v1.AgentStatusRunning)
	a.mu.Unlock()

	a.logger.Info("agent resumed")
	a.publish(events.AgentResumed, nil)
	return nil
}

// IsHealthy reports whether the agent is running, heartbeating on time and
// below its error budget. With heartbeating disabled a running agent within
// its error budget is healthy.
func (a *Agent) IsHealthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.healthyLocked(a.now())
}

func (a *Agent) healthyLocked(now time.Time) bool {
	if a.status != v1.AgentStatusRunning {
		return false
	}
	budget := int64(a.cfg.MaxRetries)
	if budget < 1 {
		budget = 1
	}
	if a.stats.ErrorCount >= budget {
		return false
	}
	if !a.cfg.HeartbeatEnabled() {
		return true
	}
	last := a.stats.LastHeartbeat
	if last == nil {
		last = a.startedAt
	}
	if last == nil {
		return false
	}
	return now.Sub(*last) <= 3*a.cfg.HeartbeatInterval
}

// GetStatus returns a snapshot of the agent. It never fails; failures show
// up as status ERROR with LastError set.
func (a *Agent) GetStatus() v1.AgentStatusReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	report := v1.AgentStatusReport{
		ID:           a.id,
		Name:         a.cfg.Name,
		Type:         a.cfg.Type,
		Status:       a.status,
		Healthy:      a.healthyLocked(now),
		Priority:     a.cfg.Priority,
		CreatedAt:    a.createdAt,
		Capabilities: append([]string{}, a.cfg.Capabilities...),
		Dependencies: append([]string{}, a.cfg.Dependencies...),
		Statistics:   a.statsLocked(),
		LastError:    a.lastError,
		Metadata:     make(map[string]interface{}, len(a.cfg.Metadata)),
	}
	for k, v := range a.cfg.Metadata {
		report.Metadata[k] = v
	}
	if a.startedAt != nil {
		t := *a.startedAt
		report.StartedAt = &t
	}
	if a.stoppedAt != nil {
		t := *a.stoppedAt
		report.StoppedAt = &t
	}
	if (a.status == v1.AgentStatusRunning || a.status == v1.AgentStatusPaused) && a.epochStart != nil {
		report.Uptime = now.Sub(*a.epochStart)
	}
	return report
}

// RegistryEntry implements registry.Registrant.
func (a *Agent) RegistryEntry() v1.RegistryEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registryEntryLocked()
}

func (a *Agent) registryEntryLocked() v1.RegistryEntry {
	e := v1.RegistryEntry{
		AgentID:      a.id,
		AgentName:    a.cfg.Name,
		AgentType:    a.cfg.Type,
		Status:       a.status,
		Priority:     a.cfg.Priority,
		Capabilities: append([]string{}, a.cfg.Capabilities...),
		Dependencies: append([]string{}, a.cfg.Dependencies...),
		Metadata:     make(map[string]interface{}, len(a.cfg.Metadata)),
	}
	for k, v := range a.cfg.Metadata {
		e.Metadata[k] = v
	}
	if endpoint, ok := a.cfg.Metadata["endpoint"].(string); ok {
		e.Endpoint = endpoint
	}
	if hb := a.stats.LastHeartbeat; hb != nil {
		t := *hb
		e.LastHeartbeat = &t
	}
	return e
}

// AddCapability adds capability if absent.
func (a *Agent) AddCapability(capability string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.cfg.Capabilities {
		if c == capability {
			return
		}
	}
	a.cfg.Capabilities = append(a.cfg.Capabilities, capability)
}

// RemoveCapability removes capability if present.
func (a *Agent) RemoveCapability(capability string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.cfg.Capabilities {
		if c == capability {
			a.cfg.Capabilities = append(a.cfg.Capabilities[:i], a.cfg.Capabilities[i+1:]...)
			return
		}
	}
}

// HasCapability reports whether the agent advertises capability.
func (a *Agent) HasCapability(capability string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.cfg.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// RecordTask counts a finished unit of work; a nil err counts as completed.
func (a *Agent) RecordTask(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.stats.TasksFailed++
		return
	}
	a.stats.TasksCompleted++
}

// Close releases the agent's log file, if it owns one. The agent should be
// stopped first.
func (a *Agent) Close() error {
	if !a.ownLogger {
		return nil
	}
	return a.logger.Close()
}

// setStatusLocked updates the status and mirrors it into the directory.
// Caller holds mu; the directory never calls back into the agent.
func (a *Agent) setStatusLocked(status v1.AgentStatus) {
	a.status = status
	if a.directory == nil {
		return
	}
	if err := a.directory.UpdateStatus(a.id, status); stderrors.Is(err, registry.ErrNotFound) {
		a.reregisterLocked()
	}
}

// entrySnapshot is a Registrant for an entry built while mu is held.
type entrySnapshot v1.RegistryEntry

func (e entrySnapshot) RegistryEntry() v1.RegistryEntry { return v1.RegistryEntry(e) }

// reregisterLocked puts the agent back into a directory that dropped it,
// after a stale sweep for example. Caller holds mu for reading or writing.
func (a *Agent) reregisterLocked() {
	if err := a.directory.Register(entrySnapshot(a.registryEntryLocked())); err != nil {
		a.logger.Warn("failed to re-register agent", zap.Error(err))
		return
	}
	a.logger.Info("re-registered agent")
}

func (a *Agent) recordErrorLocked(err error) {
	a.stats.ErrorCount++
	a.lastError = err.Error()
}

func (a *Agent) closeEpochLocked(now time.Time) {
	if a.epochStart == nil {
		return
	}
	a.stats.TotalUptime += now.Sub(*a.epochStart)
	a.epochStart = nil
}

func (a *Agent) publish(eventType string, extra map[string]interface{}) {
	if a.publisher == nil {
		return
	}

	a.mu.RLock()
	data := map[string]interface{}{
		"agent_id":   a.id,
		"agent_name": a.cfg.Name,
		"agent_type": a.cfg.Type,
		"status":     string(a.status),
		"run_id":     a.runID,
	}
	a.mu.RUnlock()
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "agent", data)
	if err := a.publisher.Publish(context.Background(), events.BuildAgentSubject(eventType, a.id), event); err != nil {
		a.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
