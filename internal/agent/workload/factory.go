// Package workload holds the built-in workloads agentd can run from config
// files, and the factory that maps an agent_type to one of them.
package workload

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kandev/agentd/internal/agent/agentconfig"
	"github.com/kandev/agentd/internal/agent/lifecycle"
	"github.com/kandev/agentd/internal/common/errors"
	"github.com/kandev/agentd/internal/events/bus"
)

// Built-in agent types.
const (
	TypeIdle       = "idle"
	TypeTicker     = "ticker"
	TypeSubscriber = "subscriber"
)

// Constructor builds the workload for one agent config.
type Constructor func(cfg *agentconfig.AgentConfig) (lifecycle.Workload, error)

// Factory maps agent types to workload constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// NewDefaultFactory returns a factory with the built-in types. The subscriber
// type is only available when eventBus is non-nil.
func NewDefaultFactory(eventBus bus.EventBus) *Factory {
	f := NewFactory()
	f.Register(TypeIdle, func(*agentconfig.AgentConfig) (lifecycle.Workload, error) {
		return Idle{}, nil
	})
	f.Register(TypeTicker, func(cfg *agentconfig.AgentConfig) (lifecycle.Workload, error) {
		interval, err := durationSetting(cfg.Metadata, "interval", DefaultTickInterval)
		if err != nil {
			return nil, err
		}
		return &Ticker{Interval: interval}, nil
	})
	if eventBus != nil {
		f.Register(TypeSubscriber, func(cfg *agentconfig.AgentConfig) (lifecycle.Workload, error) {
			subject, _ := cfg.Metadata["subject"].(string)
			if subject == "" {
				return nil, fmt.Errorf("metadata.subject is required for %s agents", TypeSubscriber)
			}
			return &Subscriber{Bus: eventBus, Subject: subject}, nil
		})
	}
	return f
}

// Register binds agentType to c, replacing any previous binding.
func (f *Factory) Register(agentType string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[agentType] = c
}

// Types returns the registered agent types, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds the workload for cfg. Unknown types and constructor failures
// are CONFIGURATION_ERRORs.
func (f *Factory) New(cfg *agentconfig.AgentConfig) (lifecycle.Workload, error) {
	f.mu.RLock()
	c, ok := f.constructors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.ConfigurationError(
			fmt.Sprintf("agent '%s': unknown agent type '%s'", cfg.ID, cfg.Type), nil)
	}

	w, err := c(cfg)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("agent '%s'", cfg.ID), err)
	}
	return w, nil
}
