package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentd/internal/agent/agentconfig"
	"github.com/kandev/agentd/internal/agent/lifecycle"
	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	manager  *lifecycle.Manager
	registry *registry.Registry
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.Nop()
	reg := registry.New(registry.WithLogger(log))
	manager := lifecycle.NewManager(lifecycle.WithManagerLogger(log))
	t.Cleanup(func() {
		manager.StopAll(context.Background())
		manager.Close()
	})
	return &apiFixture{
		manager:  manager,
		registry: reg,
		router:   NewRouter(manager, reg, nil, log),
	}
}

func (f *apiFixture) addAgent(t *testing.T, id, agentType string, w lifecycle.Workload, capabilities ...string) *lifecycle.Agent {
	t.Helper()
	cfg := agentconfig.New(id, "Agent "+id, agentType)
	cfg.HeartbeatInterval = 0
	cfg.Timeout = 2 * time.Second
	cfg.Capabilities = capabilities

	a, err := lifecycle.New(cfg, w, lifecycle.WithLogger(logger.Nop()), lifecycle.WithDirectory(f.registry))
	require.NoError(t, err)
	require.NoError(t, f.manager.Register(a))
	return a
}

func (f *apiFixture) do(t *testing.T, method, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var appErr errors.AppError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &appErr), w.Body.String())
	return appErr.Code
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)
	a := f.addAgent(t, "a1", "worker", lifecycle.WorkloadFuncs{})
	f.addAgent(t, "a2", "worker", lifecycle.WorkloadFuncs{})
	require.NoError(t, a.Start(context.Background()))

	var resp HealthResponse
	w := f.do(t, http.MethodGet, "/health", &resp)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Agents)
	assert.Equal(t, 1, resp.Running)
	assert.Equal(t, 1, resp.Healthy)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListAndGetAgents(t *testing.T) {
	f := newAPIFixture(t)
	f.addAgent(t, "a1", "worker", lifecycle.WorkloadFuncs{}, "search")
	f.addAgent(t, "a2", "indexer", lifecycle.WorkloadFuncs{})

	var list AgentsListResponse
	w := f.do(t, http.MethodGet, "/api/v1/agents", &list)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "a1", list.Agents[0].ID)
	assert.Equal(t, v1.AgentStatusIdle, list.Agents[0].Status)

	var report v1.AgentStatusReport
	w = f.do(t, http.MethodGet, "/api/v1/agents/a1", &report)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Agent a1", report.Name)
	assert.Equal(t, []string{"search"}, report.Capabilities)

	w = f.do(t, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeNotFound, errorCode(t, w))
}

func TestAgentActions(t *testing.T) {
	f := newAPIFixture(t)
	a := f.addAgent(t, "a1", "worker", lifecycle.WorkloadFuncs{})

	var resp ActionResponse
	w := f.do(t, http.MethodPost, "/api/v1/agents/a1/start", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.AgentStatusRunning, resp.Status)
	assert.True(t, a.IsRunning())

	w = f.do(t, http.MethodPost, "/api/v1/agents/a1/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.ErrCodeInvalidState, errorCode(t, w))

	w = f.do(t, http.MethodPost, "/api/v1/agents/a1/restart", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), a.Statistics().StartCount)

	w = f.do(t, http.MethodPost, "/api/v1/agents/a1/stop", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, v1.AgentStatusStopped, resp.Status)

	w = f.do(t, http.MethodPost, "/api/v1/agents/a1/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/agents/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartFailureIsReported(t *testing.T) {
	f := newAPIFixture(t)
	f.addAgent(t, "broken", "worker", lifecycle.WorkloadFuncs{
		InitializeFunc: func(context.Context, *lifecycle.Agent) error {
			return assert.AnError
		},
	})

	w := f.do(t, http.MethodPost, "/api/v1/agents/broken/start", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errors.ErrCodeInitialization, errorCode(t, w))
}

func TestRegistryEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	a1 := f.addAgent(t, "a1", "worker", lifecycle.WorkloadFuncs{}, "search", "index")
	f.addAgent(t, "a2", "worker", lifecycle.WorkloadFuncs{}, "index")
	f.addAgent(t, "a3", "reporter", lifecycle.WorkloadFuncs{}, "search")
	require.NoError(t, a1.Start(context.Background()))
	require.NoError(t, f.registry.Heartbeat("a1"))

	var list RegistryListResponse
	w := f.do(t, http.MethodGet, "/api/v1/registry", &list)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, list.Total)

	w = f.do(t, http.MethodGet, "/api/v1/registry/healthy", &list)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "a1", list.Agents[0].AgentID)
	assert.Equal(t, v1.AgentStatusRunning, list.Agents[0].Status)

	var entry v1.RegistryEntry
	w = f.do(t, http.MethodGet, "/api/v1/registry/agents/a3", &entry)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reporter", entry.AgentType)

	w = f.do(t, http.MethodGet, "/api/v1/registry/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchRegistry(t *testing.T) {
	f := newAPIFixture(t)
	f.addAgent(t, "a1", "worker", lifecycle.WorkloadFuncs{}, "search", "index")
	f.addAgent(t, "a2", "worker", lifecycle.WorkloadFuncs{}, "index")
	f.addAgent(t, "a3", "reporter", lifecycle.WorkloadFuncs{}, "search")

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"by type", "type=worker", []string{"a1", "a2"}},
		{"by capability", "capability=search", []string{"a1", "a3"}},
		{"both", "type=worker&capability=search", []string{"a1"}},
		{"no match", "type=nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var list RegistryListResponse
			w := f.do(t, http.MethodGet, "/api/v1/registry/search?"+tt.query, &list)
			require.Equal(t, http.StatusOK, w.Code)

			ids := make([]string, 0, len(list.Agents))
			for _, e := range list.Agents {
				ids = append(ids, e.AgentID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), list.Total)
		})
	}

	w := f.do(t, http.MethodGet, "/api/v1/registry/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeBadRequest, errorCode(t, w))
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodOptions, "/api/v1/agents", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(logger.Nop()))
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), errors.ErrCodeInternalError)
}

func TestErrorHandler(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(logger.Nop()))
	router.GET("/missing", func(c *gin.Context) { _ = c.Error(errors.NotFound("thing", "x")) })
	router.GET("/plain", func(c *gin.Context) { _ = c.Error(assert.AnError) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), errors.ErrCodeNotFound)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
