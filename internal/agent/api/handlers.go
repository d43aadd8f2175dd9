package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/lifecycle"
	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/common/logger"
	v1 "github.com/kandev/agentd/pkg/api/v1"
)

// AgentManager is the part of lifecycle.Manager the API drives
type AgentManager interface {
	Get(agentID string) (*lifecycle.Agent, bool)
	List() []*lifecycle.Agent
	Statuses() []v1.AgentStatusReport
	RunningAgents() []*lifecycle.Agent
	HealthyAgents() []*lifecycle.Agent
	StartAgent(ctx context.Context, agentID string) error
	StopAgent(ctx context.Context, agentID string) error
	RestartAgent(ctx context.Context, agentID string) error
}

// RegistryReader is the query side of registry.Registry
type RegistryReader interface {
	Get(agentID string) (v1.RegistryEntry, bool)
	List() []v1.RegistryEntry
	Healthy() []v1.RegistryEntry
	FindByType(agentType string) []v1.RegistryEntry
	FindByCapability(capability string) []v1.RegistryEntry
}

// Handler contains HTTP handlers for the agentd API
type Handler struct {
	manager  AgentManager
	registry RegistryReader
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(manager AgentManager, reg RegistryReader, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "agent-api")),
	}
}

// HealthCheck reports daemon liveness plus agent counts. The status is
// "degraded" when a running agent is unhealthy.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Agents:    len(h.manager.List()),
		Running:   len(h.manager.RunningAgents()),
		Healthy:   len(h.manager.HealthyAgents()),
	}
	if resp.Healthy < resp.Running {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

// ListAgents returns the status of every managed agent
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	statuses := h.manager.Statuses()
	c.JSON(http.StatusOK, AgentsListResponse{Agents: statuses, Total: len(statuses)})
}

// GetAgent returns one agent's status
// GET /api/v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")
	a, found := h.manager.Get(agentID)
	if !found {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, a.GetStatus())
}

// StartAgent starts a managed agent
// POST /api/v1/agents/:id/start
func (h *Handler) StartAgent(c *gin.Context) {
	h.action(c, "started", h.manager.StartAgent)
}

// StopAgent stops a managed agent
// POST /api/v1/agents/:id/stop
func (h *Handler) StopAgent(c *gin.Context) {
	h.action(c, "stopped", h.manager.StopAgent)
}

// RestartAgent restarts a managed agent
// POST /api/v1/agents/:id/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	h.action(c, "restarted", h.manager.RestartAgent)
}

func (h *Handler) action(c *gin.Context, verb string, op func(context.Context, string) error) {
	agentID := c.Param("id")
	if err := op(c.Request.Context(), agentID); err != nil {
		h.logger.Warn("agent action failed",
			zap.String("agent_id", agentID),
			zap.String("action", verb),
			zap.Error(err))
		h.respondError(c, err, "agent action failed")
		return
	}

	resp := ActionResponse{Message: "agent " + verb, AgentID: agentID}
	if a, ok := h.manager.Get(agentID); ok {
		resp.Status = a.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// ListRegistry returns every registry entry
// GET /api/v1/registry
func (h *Handler) ListRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, registryList(h.registry.List()))
}

// GetRegistryEntry returns one registry entry
// GET /api/v1/registry/agents/:id
func (h *Handler) GetRegistryEntry(c *gin.Context) {
	agentID := c.Param("id")
	entry, found := h.registry.Get(agentID)
	if !found {
		appErr := errors.NotFound("registry entry", agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListHealthy returns running entries with a recent heartbeat
// GET /api/v1/registry/healthy
func (h *Handler) ListHealthy(c *gin.Context) {
	c.JSON(http.StatusOK, registryList(h.registry.Healthy()))
}

// SearchRegistry filters entries by type and/or capability. When both are
// given an entry must match both.
// GET /api/v1/registry/search?type=&capability=
func (h *Handler) SearchRegistry(c *gin.Context) {
	agentType := c.Query("type")
	capability := c.Query("capability")

	var entries []v1.RegistryEntry
	switch {
	case agentType != "" && capability != "":
		for _, e := range h.registry.FindByType(agentType) {
			if e.HasCapability(capability) {
				entries = append(entries, e)
			}
		}
	case agentType != "":
		entries = h.registry.FindByType(agentType)
	case capability != "":
		entries = h.registry.FindByCapability(capability)
	default:
		appErr := errors.BadRequest("type or capability query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, registryList(entries))
}

func registryList(entries []v1.RegistryEntry) RegistryListResponse {
	if entries == nil {
		entries = []v1.RegistryEntry{}
	}
	return RegistryListResponse{Agents: entries, Total: len(entries)}
}

func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError(message, err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}
