package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/agentconfig"
	"github.com/kandev/agentd/internal/agent/api"
	"github.com/kandev/agentd/internal/agent/lifecycle"
	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/agent/streaming"
	"github.com/kandev/agentd/internal/agent/workload"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/common/tracing"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	log.Info("Starting agentd...")

	ctx, cancel := context.WithCancel(context.Background())

	// 3. Tracing (no-op without an endpoint)
	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	// 4. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus

	// 5. Registry
	reg, closeStore, err := registry.Provide(cfg, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize agent registry", zap.Error(err))
	}
	registry.SetDefault(reg)
	if err := reg.Start(ctx); err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}
	log.Info("Agent registry started", zap.Int("entries", reg.Len()))

	// 6. Agents
	managerOpts := []lifecycle.ManagerOption{lifecycle.WithManagerLogger(log)}
	if cfg.Agents.AutoRestart {
		managerOpts = append(managerOpts, lifecycle.WithAutoRestart())
	}
	manager := lifecycle.NewManager(managerOpts...)
	loadAgents(cfg, manager, reg, eventBus, log)

	// 7. Event streaming
	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	detachHub, err := hub.Attach(eventBus)
	if err != nil {
		log.Fatal("Failed to attach event stream", zap.Error(err))
	}

	// 8. HTTP server
	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      api.NewRouter(manager, reg, hub, log),
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		}
		go func() {
			log.Info("HTTP server listening", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	// 9. Shutdown hooks run after every agent has stopped
	manager.OnShutdown(func(ctx context.Context) error {
		if server == nil {
			return nil
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})
	manager.OnShutdown(func(context.Context) error {
		detachHub()
		cancel()
		return nil
	})
	manager.OnShutdown(func(context.Context) error {
		for _, a := range manager.List() {
			_ = a.Close()
		}
		return nil
	})
	manager.OnShutdown(func(context.Context) error {
		if err := reg.Stop(); err != nil {
			return err
		}
		return closeStore()
	})
	manager.OnShutdown(func(context.Context) error { return closeBus() })
	manager.OnShutdown(func(ctx context.Context) error {
		shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
		defer cancelShutdown()
		return tracing.Shutdown(shutdownCtx)
	})
	manager.OnShutdown(func(context.Context) error {
		log.Info("agentd stopped")
		_ = log.Sync()
		return nil
	})

	// 10. Start auto_start agents, then wait for a signal
	for id, err := range manager.StartAutoStart(ctx) {
		if err == nil {
			log.Info("Agent started", zap.String("agent_id", id))
		}
	}

	manager.HandleSignals(ctx)

	if err := <-serverErr; err != nil {
		log.Error("HTTP server failed", zap.Error(err))
		manager.Shutdown(context.Background())
		os.Exit(1)
	}
}

// loadAgents builds one agent per config file and hands it to the manager.
// Agents that cannot be built are logged and skipped.
func loadAgents(cfg *config.Config, manager *lifecycle.Manager, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) {
	configs, err := agentconfig.LoadDirectory(cfg.Agents.ConfigDir, log)
	if err != nil {
		log.Warn("No agent configurations loaded", zap.Error(err))
		return
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	factory := workload.NewDefaultFactory(eventBus)
	for _, id := range ids {
		agentCfg := configs[id]

		w, err := factory.New(agentCfg)
		if err != nil {
			log.Error("Skipping agent", zap.String("agent_id", id), zap.Error(err))
			continue
		}

		a, err := lifecycle.New(agentCfg, w,
			lifecycle.WithLogDir(cfg.Logging.AgentDir),
			lifecycle.WithDirectory(reg),
			lifecycle.WithPublisher(eventBus),
		)
		if err != nil {
			log.Error("Skipping agent", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		if err := manager.Register(a); err != nil {
			log.Error("Skipping agent", zap.String("agent_id", id), zap.Error(err))
			_ = a.Close()
		}
	}
	log.Info("Loaded agents", zap.Int("count", len(manager.List())), zap.Strings("types", factory.Types()))
}
