package v1

import "time"

// AgentStatus represents the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusError    AgentStatus = "error"
	AgentStatusPaused   AgentStatus = "paused"
)

// Valid reports whether s is one of the known statuses
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusStarting, AgentStatusRunning, AgentStatusStopping,
		AgentStatusStopped, AgentStatusError, AgentStatusPaused:
		return true
	}
	return false
}

// AgentStatistics is a point-in-time copy of an agent's counters
type AgentStatistics struct {
	StartCount     int64         `json:"start_count"`
	StopCount      int64         `json:"stop_count"`
	ErrorCount     int64         `json:"error_count"`
	TotalUptime    time.Duration `json:"total_uptime"`
	LastHeartbeat  *time.Time    `json:"last_heartbeat,omitempty"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
}

// AgentStatusReport is the read-only view of an agent returned by status queries
type AgentStatusReport struct {
	ID           string                 `json:"agent_id"`
	Name         string                 `json:"agent_name"`
	Type         string                 `json:"agent_type"`
	Status       AgentStatus            `json:"status"`
	Healthy      bool                   `json:"healthy"`
	Priority     int                    `json:"priority"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	StoppedAt    *time.Time             `json:"stopped_at,omitempty"`
	Uptime       time.Duration          `json:"uptime"`
	Capabilities []string               `json:"capabilities"`
	Dependencies []string               `json:"dependencies"`
	Statistics   AgentStatistics        `json:"statistics"`
	LastError    string                 `json:"last_error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RegistryEntry is the registry's last-known view of an agent
type RegistryEntry struct {
	AgentID          string                 `json:"agent_id" yaml:"agent_id"`
	AgentName        string                 `json:"agent_name" yaml:"agent_name"`
	AgentType        string                 `json:"agent_type" yaml:"agent_type"`
	Status           AgentStatus            `json:"status" yaml:"status"`
	Priority         int                    `json:"priority" yaml:"priority"`
	Capabilities     []string               `json:"capabilities" yaml:"capabilities"`
	Dependencies     []string               `json:"dependencies" yaml:"dependencies"`
	Endpoint         string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	LastHeartbeat    *time.Time             `json:"last_heartbeat" yaml:"last_heartbeat"`
	RegistrationTime time.Time              `json:"registration_time" yaml:"registration_time"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether the entry advertises capability
func (e *RegistryEntry) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry
func (e RegistryEntry) Clone() RegistryEntry {
	cp := e
	cp.Capabilities = append([]string{}, e.Capabilities...)
	cp.Dependencies = append([]string{}, e.Dependencies...)
	if e.LastHeartbeat != nil {
		hb := *e.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
