package lifecycle

import "context"

// Workload is the unit of work an Agent supervises.
//
// Run must return once ctx is cancelled; cancellation is the only stop
// signal an agent sends. A Run that ignores ctx makes Stop wait for the
// configured timeout and then abandon the goroutine.
type Workload interface {
	Initialize(ctx context.Context, a *Agent) error
	Run(ctx context.Context, a *Agent) error
	Cleanup(ctx context.Context, a *Agent) error
}

// WorkloadFuncs adapts plain functions to Workload. Nil fields are no-ops;
// a nil RunFunc blocks until the agent is stopped.
type WorkloadFuncs struct {
	InitializeFunc func(ctx context.Context, a *Agent) error
	RunFunc        func(ctx context.Context, a *Agent) error
	CleanupFunc    func(ctx context.Context, a *Agent) error
}

var _ Workload = WorkloadFuncs{}

func (w WorkloadFuncs) Initialize(ctx context.Context, a *Agent) error {
	if w.InitializeFunc == nil {
		return nil
	}
	return w.InitializeFunc(ctx, a)
}

func (w WorkloadFuncs) Run(ctx context.Context, a *Agent) error {
	if w.RunFunc == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.RunFunc(ctx, a)
}

func (w WorkloadFuncs) Cleanup(ctx context.Context, a *Agent) error {
	if w.CleanupFunc == nil {
		return nil
	}
	return w.CleanupFunc(ctx, a)
}
