package registry

import (
	"fmt"
	"strings"

	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/db"
	"github.com/kandev/agentd/internal/events/bus"
)

// Provide builds the registry and its configured store. The returned cleanup
// closes the store; call Stop on the registry first.
func Provide(cfg *config.Config, pub bus.Publisher, log *logger.Logger) (*Registry, func() error, error) {
	store, err := NewStore(cfg.Registry, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	opts := []Option{
		WithLogger(log),
		WithOptions(Options{
			CleanupInterval: cfg.Registry.CleanupIntervalDuration(),
			StaleThreshold:  cfg.Registry.StaleThresholdDuration(),
			HealthWindow:    cfg.Registry.HealthWindowDuration(),
			PersistInterval: cfg.Registry.PersistIntervalDuration(),
		}),
	}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	if store != nil {
		opts = append(opts, WithStore(store))
	}

	cleanup := func() error {
		if store == nil {
			return nil
		}
		return store.Close()
	}
	return New(opts...), cleanup, nil
}

// NewStore returns the Store selected by cfg.Store, or nil for "none".
func NewStore(cfg config.RegistryConfig, dbCfg config.DatabaseConfig) (Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		conn, err := db.OpenSQLite(dbCfg.Path)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(conn, true)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return store, nil
	case "postgres":
		conn, err := db.OpenPostgres(dbCfg.DSN(), dbCfg.MaxConns, dbCfg.MinConns)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(conn, true)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown registry store %q", cfg.Store)
	}
}
