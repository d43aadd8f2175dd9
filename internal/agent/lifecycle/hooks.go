package lifecycle

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// Hook is invoked after a successful start or stop.
type Hook func(a *Agent) error

// ErrorHook is invoked when the workload's Run fails or panics.
type ErrorHook func(a *Agent, err error) error

// OnStart registers h to run after each successful Start.
func (a *Agent) OnStart(h Hook) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.onStart = append(a.onStart, h)
}

// OnStop registers h to run after each successful Stop.
func (a *Agent) OnStop(h Hook) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.onStop = append(a.onStop, h)
}

// OnError registers h to run after a runtime failure.
func (a *Agent) OnError(h ErrorHook) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.onError = append(a.onError, h)
}

// runHooks calls a snapshot of hooks, so a hook may register more hooks
// without affecting this pass. Errors and panics are logged and swallowed.
func (a *Agent) runHooks(kind string, hooks *[]Hook) {
	a.hooksMu.Lock()
	snapshot := append([]Hook(nil), (*hooks)...)
	a.hooksMu.Unlock()

	for i, h := range snapshot {
		err := callRecovering(func() error { return h(a) })
		if err != nil {
			a.logger.Error("agent hook failed",
				zap.String("hook", kind),
				zap.Int("index", i),
				zap.Error(err))
		}
	}
}

func (a *Agent) runErrorHooks(cause error) {
	a.hooksMu.Lock()
	snapshot := append([]ErrorHook(nil), a.onError...)
	a.hooksMu.Unlock()

	for i, h := range snapshot {
		err := callRecovering(func() error { return h(a, cause) })
		if err != nil {
			a.logger.Error("agent hook failed",
				zap.String("hook", "error"),
				zap.Int("index", i),
				zap.Error(err))
		}
	}
}

// PanicError is returned in place of a recovered panic.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func callRecovering(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
