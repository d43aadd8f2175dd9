// Package api provides the agentd HTTP API: agent status and control, and
// registry discovery.
package api

import (
	"time"

	v1 "github.com/kandev/agentd/pkg/api/v1"
)

// AgentsListResponse for listing managed agents
type AgentsListResponse struct {
	Agents []v1.AgentStatusReport `json:"agents"`
	Total  int                    `json:"total"`
}

// RegistryListResponse for registry queries
type RegistryListResponse struct {
	Agents []v1.RegistryEntry `json:"agents"`
	Total  int                `json:"total"`
}

// ActionResponse is returned by start, stop and restart
type ActionResponse struct {
	Message string         `json:"message"`
	AgentID string         `json:"agent_id"`
	Status  v1.AgentStatus `json:"status"`
}

// HealthResponse for health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Agents    int       `json:"agents"`
	Running   int       `json:"running"`
	Healthy   int       `json:"healthy"`
}
