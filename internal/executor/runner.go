package executor

import (
	"context"
	"fmt"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Runner executes one kind of task action. Run returns the attempt's
// output; a plain error is retryable, an error wrapped by Permanent is
// not.
type Runner interface {
	Run(ctx context.Context, t *task.Task) (string, error)
}

// FuncRunner dispatches func actions to registered handlers.
type FuncRunner struct {
	registry *Registry
}

// NewFuncRunner creates a runner backed by the given registry.
func NewFuncRunner(registry *Registry) *FuncRunner {
	return &FuncRunner{registry: registry}
}

// Run looks up the task's target handler and invokes it with the task
// payload. A missing handler is a permanent failure; so is a panicking
// handler, which must not take down the worker.
func (r *FuncRunner) Run(ctx context.Context, t *task.Task) (out string, err error) {
	fn, ok := r.registry.Get(t.Action.Target)
	if !ok {
		return "", Permanent(fmt.Errorf("no handler registered for %q", t.Action.Target))
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("handler %q panicked: %v", t.Action.Target, rec))
		}
	}()
	return fn(ctx, t.Action.Payload)
}
