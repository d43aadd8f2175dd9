// Package agentconfig defines the per-agent configuration record and its
// validation and file loading.
package agentconfig

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied by New and by file loading when a field is absent.
const (
	DefaultPriority          = 5
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTimeout           = 30 * time.Second
	DefaultLogLevel          = "INFO"

	MinPriority = 1
	MaxPriority = 10
)

// LogLevels lists the accepted log_level values.
var LogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// AgentConfig describes an agent's identity and tunables.
// ID is immutable once the agent is created.
type AgentConfig struct {
	ID                string                 `mapstructure:"agent_id" json:"agent_id"`
	Name              string                 `mapstructure:"agent_name" json:"agent_name"`
	Type              string                 `mapstructure:"agent_type" json:"agent_type"`
	Priority          int                    `mapstructure:"priority" json:"priority"`
	AutoStart         bool                   `mapstructure:"auto_start" json:"auto_start"`
	MaxRetries        int                    `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay        time.Duration          `mapstructure:"retry_delay" json:"retry_delay"`
	HeartbeatInterval time.Duration          `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	Timeout           time.Duration          `mapstructure:"timeout" json:"timeout"`
	Capabilities      []string               `mapstructure:"capabilities" json:"capabilities"`
	Dependencies      []string               `mapstructure:"dependencies" json:"dependencies"`
	LogLevel          string                 `mapstructure:"log_level" json:"log_level"`
	Metadata          map[string]interface{} `mapstructure:"metadata" json:"metadata"`
}

// New returns a config with every tunable set to its default.
func New(id, name, agentType string) *AgentConfig {
	return &AgentConfig{
		ID:                id,
		Name:              name,
		Type:              agentType,
		Priority:          DefaultPriority,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Timeout:           DefaultTimeout,
		Capabilities:      []string{},
		Dependencies:      []string{},
		LogLevel:          DefaultLogLevel,
		Metadata:          map[string]interface{}{},
	}
}

// Validate returns human-readable problems with the config; empty means valid.
func (c *AgentConfig) Validate() []string {
	var errs []string

	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, "agent_id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "agent_name is required")
	}
	if strings.TrimSpace(c.Type) == "" {
		errs = append(errs, "agent_type is required")
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		errs = append(errs, fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries must be non-negative")
	}
	if c.RetryDelay < 0 {
		errs = append(errs, "retry_delay must be non-negative")
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, "heartbeat_interval must be non-negative")
	}
	if c.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if !validLogLevel(c.LogLevel) {
		errs = append(errs, "log_level must be one of: "+strings.Join(LogLevels, ", "))
	}

	return errs
}

// HeartbeatEnabled reports whether the agent should emit heartbeats.
func (c *AgentConfig) HeartbeatEnabled() bool {
	return c.HeartbeatInterval > 0
}

// Clone returns a deep copy so callers can't mutate a running agent's config.
func (c *AgentConfig) Clone() *AgentConfig {
	cp := *c
	cp.Capabilities = append([]string{}, c.Capabilities...)
	cp.Dependencies = append([]string{}, c.Dependencies...)
	cp.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// normalize removes duplicate set members and fills nil containers.
func (c *AgentConfig) normalize() {
	c.Capabilities = UniqueOrdered(c.Capabilities)
	c.Dependencies = UniqueOrdered(c.Dependencies)
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
}

// UniqueOrdered drops duplicates while keeping first-seen order.
func UniqueOrdered(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func validLogLevel(level string) bool {
	level = strings.ToUpper(strings.TrimSpace(level))
	for _, l := range LogLevels {
		if l == level {
			return true
		}
	}
	return false
}
