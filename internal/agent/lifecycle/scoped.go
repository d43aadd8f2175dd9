package lifecycle

import (
	"context"
	"errors"
)

// Run starts a, calls fn, and always stops a afterwards, including when fn
// panics (the panic is re-raised after the stop). fn's error wins over the
// stop error. Stopping an agent that fn already stopped is not an error.
func Run(ctx context.Context, a *Agent, fn func(ctx context.Context, a *Agent) error) (err error) {
	if err := a.Start(ctx); err != nil {
		return err
	}

	defer func() {
		r := recover()
		stopErr := a.Stop(context.WithoutCancel(ctx))
		if r != nil {
			panic(r)
		}
		if err == nil && !errors.Is(stopErr, ErrNotRunning) {
			err = stopErr
		}
	}()

	return fn(ctx, a)
}
