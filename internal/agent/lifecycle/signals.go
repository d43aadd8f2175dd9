package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

func osExit(code int) { os.Exit(code) }

// OnShutdown registers fn to run during Shutdown, after all agents stopped.
func (m *Manager) OnShutdown(fn func(ctx context.Context) error) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, fn)
}

// Shutdown stops every agent, runs the shutdown hooks in registration order
// and cancels pending restarts.
func (m *Manager) Shutdown(ctx context.Context) map[string]error {
	m.logger.Info("shutting down agents")
	results := m.StopAll(ctx)

	m.hooksMu.Lock()
	hooks := append([]func(context.Context) error(nil), m.shutdownHooks...)
	m.hooksMu.Unlock()

	for i, fn := range hooks {
		if err := callRecovering(func() error { return fn(ctx) }); err != nil {
			m.logger.Error("shutdown hook failed", zap.Int("index", i), zap.Error(err))
		}
	}

	m.Close()
	return results
}

// HandleSignals calls Shutdown and then exits with status 0 when one of
// sigs (SIGINT and SIGTERM by default) arrives. The returned function
// detaches the handler.
func (m *Manager) HandleSignals(ctx context.Context, sigs ...os.Signal) (detach func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-ch:
			m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			m.Shutdown(context.WithoutCancel(ctx))
			m.exit(0)
		case <-done:
		case <-ctx.Done():
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
			wg.Wait()
		})
	}
}
