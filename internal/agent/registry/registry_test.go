package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/db"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	types    []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, event *bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.types = append(p.types, event.Type)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.types...)
}

type staticRegistrant v1.RegistryEntry

func (s staticRegistrant) RegistryEntry() v1.RegistryEntry {
	return v1.RegistryEntry(s)
}

func entry(id, agentType string, caps ...string) v1.RegistryEntry {
	return v1.RegistryEntry{
		AgentID:      id,
		AgentName:    "Agent " + id,
		AgentType:    agentType,
		Status:       v1.AgentStatusIdle,
		Priority:     5,
		Capabilities: caps,
		Metadata:     map[string]interface{}{"zone": "a"},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithLogger(logger.Nop()), WithClock(clock.Now)}, opts...)
	return New(opts...), clock
}

func ids(entries []v1.RegistryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.AgentID)
	}
	return out
}

func TestRegistry_RegisterRoundTrip(t *testing.T) {
	r, clock := newTestRegistry(t)

	require.NoError(t, r.Register(staticRegistrant(entry("a1", "worker"))))
	assert.Equal(t, []string{"a1"}, ids(r.FindByType("worker")))

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.RegistrationTime)
	assert.Nil(t, got.LastHeartbeat)

	require.NoError(t, r.Unregister("a1"))
	assert.Empty(t, r.FindByType("worker"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DuplicateKeepsFirst(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := entry("a1", "worker")
	require.NoError(t, r.RegisterEntry(first))

	second := entry("a1", "other")
	err := r.RegisterEntry(second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
	assert.True(t, apperrors.IsConflict(err))

	got, _ := r.Get("a1")
	assert.Equal(t, "worker", got.AgentType)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RequiresID(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Error(t, r.RegisterEntry(v1.RegistryEntry{AgentType: "worker"}))
}

func TestRegistry_UnknownIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	for name, err := range map[string]error{
		"unregister": r.Unregister("ghost"),
		"status":     r.UpdateStatus("ghost", v1.AgentStatusRunning),
		"heartbeat":  r.Heartbeat("ghost"),
	} {
		assert.True(t, errors.Is(err, ErrNotFound), name)
		assert.True(t, apperrors.IsNotFound(err), name)
	}

	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_SearchKeepsInsertionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, e := range []v1.RegistryEntry{
		entry("c", "worker", "search"),
		entry("a", "indexer", "search", "index"),
		entry("b", "worker"),
	} {
		require.NoError(t, r.RegisterEntry(e))
	}

	assert.Equal(t, []string{"c", "a", "b"}, ids(r.List()))
	assert.Equal(t, []string{"c", "b"}, ids(r.FindByType("worker")))
	assert.Equal(t, []string{"c", "a"}, ids(r.FindByCapability("search")))
	assert.Equal(t, []string{"a"}, ids(r.FindByCapability("index")))
	assert.Empty(t, r.FindByCapability("missing"))
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterEntry(entry("a1", "worker", "search")))

	got, _ := r.Get("a1")
	got.Capabilities[0] = "mutated"
	got.Metadata["zone"] = "b"

	again, _ := r.Get("a1")
	assert.Equal(t, "search", again.Capabilities[0])
	assert.Equal(t, "a", again.Metadata["zone"])
}

func TestRegistry_Healthy(t *testing.T) {
	r, clock := newTestRegistry(t, WithOptions(Options{HealthWindow: 90 * time.Second}))

	require.NoError(t, r.RegisterEntry(entry("fresh", "worker")))
	require.NoError(t, r.RegisterEntry(entry("old", "worker")))
	require.NoError(t, r.RegisterEntry(entry("idle", "worker")))
	require.NoError(t, r.RegisterEntry(entry("silent", "worker")))

	require.NoError(t, r.UpdateStatus("fresh", v1.AgentStatusRunning))
	require.NoError(t, r.UpdateStatus("old", v1.AgentStatusRunning))
	require.NoError(t, r.UpdateStatus("silent", v1.AgentStatusRunning))

	require.NoError(t, r.Heartbeat("old"))
	require.NoError(t, r.Heartbeat("idle"))
	clock.Advance(100 * time.Second)
	require.NoError(t, r.Heartbeat("fresh"))

	assert.Equal(t, []string{"fresh"}, ids(r.Healthy()))
}

func TestRegistry_CleanupStale(t *testing.T) {
	pub := &recordingPublisher{}
	r, clock := newTestRegistry(t,
		WithPublisher(pub),
		WithOptions(Options{StaleThreshold: 120 * time.Second}))

	require.NoError(t, r.RegisterEntry(entry("stale", "worker")))
	require.NoError(t, r.RegisterEntry(entry("fresh", "worker")))
	require.NoError(t, r.RegisterEntry(entry("never", "worker")))

	require.NoError(t, r.Heartbeat("stale"))
	clock.Advance(121 * time.Second)
	require.NoError(t, r.Heartbeat("fresh"))

	removed := r.CleanupStale()

	assert.Equal(t, []string{"stale"}, removed)
	assert.Equal(t, []string{"fresh", "never"}, ids(r.List()))
	assert.Contains(t, pub.Types(), events.RegistryAgentExpired)
}

func TestRegistry_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	r, _ := newTestRegistry(t, WithPublisher(pub))

	require.NoError(t, r.RegisterEntry(entry("a.1", "worker")))
	require.NoError(t, r.Unregister("a.1"))

	assert.Equal(t, []string{events.RegistryAgentRegistered, events.RegistryAgentUnregistered}, pub.Types())
	assert.Equal(t, "registry.agent_registered.a_1", pub.subjects[0])
}

func TestRegistry_CleanupLoopRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := New(
		WithLogger(logger.Nop()),
		WithOptions(Options{CleanupInterval: 10 * time.Millisecond, StaleThreshold: 20 * time.Millisecond}),
	)
	require.NoError(t, r.RegisterEntry(entry("a1", "worker")))
	require.NoError(t, r.Heartbeat("a1"))

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestRegistry_PersistsOnStopAndReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "registry.json")
	store := NewFileStore(path)

	r, _ := newTestRegistry(t, WithStore(store))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.RegisterEntry(entry("b", "worker", "search")))
	require.NoError(t, r.RegisterEntry(entry("a", "indexer")))
	require.NoError(t, r.Heartbeat("b"))
	require.NoError(t, r.Stop())

	_, err := os.Stat(path)
	require.NoError(t, err)

	reloaded, _ := newTestRegistry(t, WithStore(store))
	require.NoError(t, reloaded.Start(context.Background()))
	defer func() { _ = reloaded.Stop() }()

	assert.ElementsMatch(t, []string{"a", "b"}, ids(reloaded.List()))
	got, ok := reloaded.Get("b")
	require.True(t, ok)
	assert.Equal(t, []string{"search"}, got.Capabilities)
	require.NotNil(t, got.LastHeartbeat)
}

func TestRegistry_LiveRegistrationReplacesRestoredEntry(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "registry.json"))

	first, _ := newTestRegistry(t, WithStore(store))
	require.NoError(t, first.RegisterEntry(entry("a1", "worker", "old")))
	require.NoError(t, first.RegisterEntry(entry("a2", "worker")))
	require.NoError(t, first.Save(context.Background()))

	r, _ := newTestRegistry(t, WithStore(store))
	require.NoError(t, r.Load(context.Background()))

	require.NoError(t, r.RegisterEntry(entry("a1", "indexer", "new")))
	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "indexer", got.AgentType)
	assert.Equal(t, []string{"a1", "a2"}, ids(r.List()))
	assert.Equal(t, []string{"a1"}, ids(r.FindByCapability("new")))
	assert.Empty(t, r.FindByCapability("old"))

	// Once claimed, the id behaves like any live registration.
	err := r.RegisterEntry(entry("a1", "other"))
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestRegistry_CorruptSnapshotStartsEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	r, _ := newTestRegistry(t, WithStore(NewFileStore(path)))
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 0, r.Len())
	require.NoError(t, r.Stop())
}

func TestFileStore_MissingFile(t *testing.T) {
	snap, err := NewFileStore(filepath.Join(t.TempDir(), "none.json")).Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStore_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	store := NewFileStore(path)

	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterEntry(entry("a1", "worker", "search")))
	snap := r.Snapshot()
	require.NoError(t, store.Save(context.Background(), snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agent_type: worker")

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, loaded.Version)
	assert.Equal(t, "worker", loaded.Agents["a1"].AgentType)
	assert.True(t, loaded.LastUpdated.Equal(snap.LastUpdated))
}

func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)

	store, err := NewSQLStore(conn, true)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	empty, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, empty)

	r, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterEntry(entry("a1", "worker", "search")))
	require.NoError(t, r.RegisterEntry(entry("a2", "indexer")))
	require.NoError(t, r.Heartbeat("a1"))
	require.NoError(t, store.Save(context.Background(), r.Snapshot()))

	r2, _ := newTestRegistry(t)
	require.NoError(t, r2.RegisterEntry(entry("a2", "indexer")))
	require.NoError(t, store.Save(context.Background(), r2.Snapshot()))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, SnapshotVersion, snap.Version)

	got := snap.Agents["a2"]
	assert.Equal(t, "indexer", got.AgentType)
	assert.Equal(t, []string{}, got.Capabilities)
	assert.Nil(t, got.LastHeartbeat)
	assert.Equal(t, "a", got.Metadata["zone"])
}

func TestDefaultRegistry(t *testing.T) {
	defer func() { _ = ResetDefault() }()

	first := Default()
	assert.Same(t, first, Default())

	custom := New(WithLogger(logger.Nop()))
	SetDefault(custom)
	assert.Same(t, custom, Default())

	require.NoError(t, ResetDefault())
	assert.NotSame(t, custom, Default())
}
