package registry

import (
	"context"
	"time"

	v1 "github.com/kandev/agentd/pkg/api/v1"
)

// Snapshot is the persisted form of the registry.
type Snapshot struct {
	Version     string                      `json:"version" yaml:"version"`
	LastUpdated time.Time                   `json:"last_updated" yaml:"last_updated"`
	Agents      map[string]v1.RegistryEntry `json:"agents" yaml:"agents"`
}

// Store persists registry snapshots.
// Load returns (nil, nil) when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}
