// Package events provides event types and utilities for the agentd event system.
package events

import "strings"

// Event types for agent lifecycle
const (
	AgentStarted   = "agent.started"
	AgentStopped   = "agent.stopped"
	AgentFailed    = "agent.error"
	AgentPaused    = "agent.paused"
	AgentResumed   = "agent.resumed"
	AgentHeartbeat = "agent.heartbeat"
)

// Event types for the agent registry
const (
	RegistryAgentRegistered   = "registry.agent_registered"
	RegistryAgentUnregistered = "registry.agent_unregistered"
	RegistryAgentExpired      = "registry.agent_expired"
)

// Subscription patterns covering every agent or registry event.
const (
	AllAgentEvents    = "agent.>"
	AllRegistryEvents = "registry.>"
)

// BuildAgentSubject returns the subject an event about agentID is published on,
// e.g. "agent.started.worker-1". Dots in the id are replaced so the id stays a
// single subject token.
func BuildAgentSubject(eventType, agentID string) string {
	return eventType + "." + strings.ReplaceAll(agentID, ".", "_")
}
