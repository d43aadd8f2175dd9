// Package registry provides the process-wide directory of known agents,
// their last reported status, heartbeats and capabilities.
package registry

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

// SnapshotVersion is written into every persisted snapshot.
const SnapshotVersion = "1.0"

var (
	// ErrAlreadyRegistered is returned when an agent id is already present.
	ErrAlreadyRegistered = stderrors.New("agent already registered")
	// ErrNotFound is returned for operations on an unknown agent id.
	ErrNotFound = stderrors.New("agent not registered")
)

// Registrant is anything that can describe itself as a registry entry.
type Registrant interface {
	RegistryEntry() v1.RegistryEntry
}

// Options holds the registry timing knobs.
type Options struct {
	CleanupInterval time.Duration
	StaleThreshold  time.Duration
	HealthWindow    time.Duration
	PersistInterval time.Duration
}

// DefaultOptions returns the default registry timings.
func DefaultOptions() Options {
	return Options{
		CleanupInterval: 60 * time.Second,
		StaleThreshold:  120 * time.Second,
		HealthWindow:    90 * time.Second,
		PersistInterval: 30 * time.Second,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.logger = log.WithFields(zap.String("component", "agent-registry"))
		}
	}
}

// WithStore enables persistence through store.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithPublisher publishes registry.* events on pub.
func WithPublisher(pub bus.Publisher) Option {
	return func(r *Registry) { r.publisher = pub }
}

// WithOptions overrides the timing knobs. Zero fields keep their defaults.
func WithOptions(opts Options) Option {
	return func(r *Registry) {
		if opts.CleanupInterval > 0 {
			r.opts.CleanupInterval = opts.CleanupInterval
		}
		if opts.StaleThreshold > 0 {
			r.opts.StaleThreshold = opts.StaleThreshold
		}
		if opts.HealthWindow > 0 {
			r.opts.HealthWindow = opts.HealthWindow
		}
		if opts.PersistInterval > 0 {
			r.opts.PersistInterval = opts.PersistInterval
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the directory of known agents. A single mutex guards the
// entry map, the insertion order and the sweep.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*v1.RegistryEntry
	order   []string
	dirty   bool
	// restored holds ids loaded from a snapshot that no live agent has
	// claimed yet. A live registration replaces them.
	restored map[string]bool

	opts      Options
	store     Store
	publisher bus.Publisher
	logger    *logger.Logger
	now       func() time.Time

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*v1.RegistryEntry),
		restored: make(map[string]bool),
		opts:     DefaultOptions(),
		logger:  logger.Default().WithFields(zap.String("component", "agent-registry")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Options returns the effective timing knobs.
func (r *Registry) Options() Options {
	return r.opts
}

// Register adds an agent's entry. A duplicate id leaves the first entry
// untouched and returns ErrAlreadyRegistered.
func (r *Registry) Register(a Registrant) error {
	return r.RegisterEntry(a.RegistryEntry())
}

// RegisterEntry adds a pre-built entry. An entry restored from a snapshot
// is replaced in place by the first live registration for its id.
func (r *Registry) RegisterEntry(entry v1.RegistryEntry) error {
	if entry.AgentID == "" {
		return errors.ValidationError("agent_id", "is required")
	}

	e := entry.Clone()
	e.RegistrationTime = r.now().UTC()
	if e.Status == "" {
		e.Status = v1.AgentStatusIdle
	}

	r.mu.Lock()
	_, exists := r.entries[e.AgentID]
	replaced := exists && r.restored[e.AgentID]
	if exists && !replaced {
		r.mu.Unlock()
		r.logger.Warn("agent already registered", zap.String("agent_id", e.AgentID))
		return errors.Conflict("agent '" + e.AgentID + "' is already registered").WithCause(ErrAlreadyRegistered)
	}
	r.entries[e.AgentID] = &e
	if replaced {
		delete(r.restored, e.AgentID)
	} else {
		r.order = append(r.order, e.AgentID)
	}
	r.dirty = true
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("agent_id", e.AgentID),
		zap.String("agent_type", e.AgentType),
		zap.Bool("replaced_restored", replaced))
	r.publish(events.RegistryAgentRegistered, e)
	return nil
}

// Unregister removes an agent's entry.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	e, exists := r.entries[agentID]
	if !exists {
		r.mu.Unlock()
		return r.miss("unregister", agentID)
	}
	r.removeLocked(agentID)
	removed := *e
	r.mu.Unlock()

	r.logger.Info("unregistered agent", zap.String("agent_id", agentID))
	r.publish(events.RegistryAgentUnregistered, removed)
	return nil
}

// UpdateStatus records an agent's latest lifecycle status.
func (r *Registry) UpdateStatus(agentID string, status v1.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[agentID]
	if !exists {
		return r.miss("update status", agentID)
	}
	e.Status = status
	r.dirty = true
	return nil
}

// Heartbeat refreshes an agent's last_heartbeat.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[agentID]
	if !exists {
		return r.miss("heartbeat", agentID)
	}
	now := r.now().UTC()
	e.LastHeartbeat = &now
	r.dirty = true
	return nil
}

// Get returns a copy of an agent's entry.
func (r *Registry) Get(agentID string) (v1.RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[agentID]
	if !exists {
		return v1.RegistryEntry{}, false
	}
	return e.Clone(), true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns every entry in registration order.
func (r *Registry) List() []v1.RegistryEntry {
	return r.filter(func(*v1.RegistryEntry) bool { return true })
}

// FindByType returns entries whose agent_type equals agentType.
func (r *Registry) FindByType(agentType string) []v1.RegistryEntry {
	return r.filter(func(e *v1.RegistryEntry) bool { return e.AgentType == agentType })
}

// FindByCapability returns entries advertising capability.
func (r *Registry) FindByCapability(capability string) []v1.RegistryEntry {
	return r.filter(func(e *v1.RegistryEntry) bool { return e.HasCapability(capability) })
}

// Healthy returns running entries whose last heartbeat is within the
// health window.
func (r *Registry) Healthy() []v1.RegistryEntry {
	cutoff := r.now().Add(-r.opts.HealthWindow)
	return r.filter(func(e *v1.RegistryEntry) bool {
		return e.Status == v1.AgentStatusRunning &&
			e.LastHeartbeat != nil &&
			e.LastHeartbeat.After(cutoff)
	})
}

func (r *Registry) filter(keep func(*v1.RegistryEntry) bool) []v1.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]v1.RegistryEntry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if keep(e) {
			result = append(result, e.Clone())
		}
	}
	return result
}

// CleanupStale removes entries whose last heartbeat is older than the stale
// threshold and returns their ids. Entries that never sent a heartbeat are
// kept.
func (r *Registry) CleanupStale() []string {
	cutoff := r.now().Add(-r.opts.StaleThreshold)

	r.mu.Lock()
	var expired []v1.RegistryEntry
	for _, id := range append([]string{}, r.order...) {
		e := r.entries[id]
		if e.LastHeartbeat == nil || !e.LastHeartbeat.Before(cutoff) {
			continue
		}
		expired = append(expired, *e)
		r.removeLocked(id)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		r.logger.Info("removed stale agent",
			zap.String("agent_id", e.AgentID),
			zap.Time("last_heartbeat", *e.LastHeartbeat))
		r.publish(events.RegistryAgentExpired, e)
		ids = append(ids, e.AgentID)
	}
	return ids
}

// removeLocked deletes id from the map and order slice. Caller holds mu.
func (r *Registry) removeLocked(agentID string) {
	delete(r.entries, agentID)
	delete(r.restored, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.dirty = true
}

func (r *Registry) miss(op, agentID string) error {
	r.logger.Warn("unknown agent id",
		zap.String("operation", op),
		zap.String("agent_id", agentID))
	return errors.NotFound("agent", agentID).WithCause(ErrNotFound)
}

func (r *Registry) publish(eventType string, e v1.RegistryEntry) {
	if r.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"agent_id":   e.AgentID,
		"agent_name": e.AgentName,
		"agent_type": e.AgentType,
		"status":     string(e.Status),
	}
	event := bus.NewEvent(eventType, "agent-registry", data)
	subject := events.BuildAgentSubject(eventType, e.AgentID)
	if err := r.publisher.Publish(context.Background(), subject, event); err != nil {
		r.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", e.AgentID),
			zap.Error(err))
	}
}

// Start loads the persisted snapshot (best effort) and launches the cleanup
// and persistence loops.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	if r.store != nil {
		if err := r.Load(ctx); err != nil {
			r.logger.Warn("failed to load registry snapshot, starting empty", zap.Error(err))
		}
	}

	r.logger.Info("starting agent registry",
		zap.Duration("cleanup_interval", r.opts.CleanupInterval),
		zap.Duration("stale_threshold", r.opts.StaleThreshold))

	r.wg.Add(1)
	go r.cleanupLoop(ctx)

	if r.store != nil {
		r.wg.Add(1)
		go r.persistLoop(ctx)
	}
	return nil
}

// Stop ends the background loops and writes a final snapshot.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("agent registry stopped")

	if r.store == nil {
		return nil
	}
	return r.Save(context.Background())
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if removed := r.CleanupStale(); len(removed) > 0 {
				r.logger.Debug("cleanup sweep finished", zap.Int("removed", len(removed)))
			}
		}
	}
}

func (r *Registry) persistLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			dirty := r.dirty
			r.mu.Unlock()
			if !dirty {
				continue
			}
			if err := r.Save(ctx); err != nil {
				r.logger.Error("failed to persist registry", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current contents in persisted form.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version:     SnapshotVersion,
		LastUpdated: r.now().UTC(),
		Agents:      make(map[string]v1.RegistryEntry, len(r.entries)),
	}
	for id, e := range r.entries {
		snap.Agents[id] = e.Clone()
	}
	return snap
}

// Save writes the current contents to the store.
func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	snap := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()

	if err := r.store.Save(ctx, snap); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	r.logger.Debug("persisted registry", zap.Int("agents", len(snap.Agents)))
	return nil
}

// Load merges the stored snapshot into the registry. Ids already present are
// kept as they are. Loaded entries are ordered by registration time and stay
// replaceable until a live agent registers under their id.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	snap, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil || len(snap.Agents) == 0 {
		return nil
	}

	loaded := make([]v1.RegistryEntry, 0, len(snap.Agents))
	for id, e := range snap.Agents {
		if e.AgentID == "" {
			e.AgentID = id
		}
		loaded = append(loaded, e)
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].RegistrationTime.Equal(loaded[j].RegistrationTime) {
			return loaded[i].AgentID < loaded[j].AgentID
		}
		return loaded[i].RegistrationTime.Before(loaded[j].RegistrationTime)
	})

	r.mu.Lock()
	count := 0
	for _, e := range loaded {
		if _, exists := r.entries[e.AgentID]; exists {
			continue
		}
		e := e.Clone()
		r.entries[e.AgentID] = &e
		r.order = append(r.order, e.AgentID)
		r.restored[e.AgentID] = true
		count++
	}
	r.mu.Unlock()

	r.logger.Info("loaded registry snapshot",
		zap.Int("agents", count),
		zap.Time("last_updated", snap.LastUpdated))
	return nil
}
