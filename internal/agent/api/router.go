package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentd/internal/agent/streaming"
	"github.com/kandev/agentd/internal/common/logger"
)

// SetupRoutes configures the agent and registry API routes.
// router should be the /api/v1 group
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/:id", handler.GetAgent)
		agents.POST("/:id/start", handler.StartAgent)
		agents.POST("/:id/stop", handler.StopAgent)
		agents.POST("/:id/restart", handler.RestartAgent)
	}

	reg := router.Group("/registry")
	{
		reg.GET("", handler.ListRegistry)
		reg.GET("/healthy", handler.ListHealthy)
		reg.GET("/search", handler.SearchRegistry)
		reg.GET("/agents/:id", handler.GetRegistryEntry)
	}
}

// NewRouter builds the agentd HTTP engine. The event stream route is only
// mounted when hub is non-nil.
func NewRouter(manager AgentManager, reg RegistryReader, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(OtelTracing("agentd"))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	handler := NewHandler(manager, reg, log)
	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	SetupRoutes(v1, handler)

	if hub != nil {
		v1.GET("/events/ws", streaming.NewWSHandler(hub, log).StreamEvents)
	}
	return router
}
