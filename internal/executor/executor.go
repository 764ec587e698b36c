// Package executor runs claimed tasks and commits their outcomes. It owns
// the running half of the task state machine: ready tasks are claimed into
// running, executed through a per-action-kind circuit breaker, and moved
// to succeeded, retrying, or failed based on the result and the remaining
// attempt budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

// ErrBreakerOpen reports that the task's action kind has an open circuit
// breaker; the task was skipped without consuming an attempt.
var ErrBreakerOpen = errors.New("circuit breaker open")

const commitTimeout = 30 * time.Second

// Executor claims ready tasks, runs their actions, and commits outcomes
// through the store's compare-and-swap transitions. One executor serves
// one worker goroutine; CancelRunning may be called from any goroutine.
type Executor struct {
	store    store.Store
	runners  map[task.ActionKind]Runner
	breakers *BreakerRegistry
	policy   RetryPolicy
	bus      *events.Bus
	metrics  *metrics.Set
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Options configures an Executor. Store and Runners are required; the
// other collaborators default to working instances when nil.
type Options struct {
	Store    store.Store
	Runners  map[task.ActionKind]Runner
	Breakers *BreakerRegistry
	Policy   RetryPolicy
	Bus      *events.Bus
	Metrics  *metrics.Set
	Logger   *zap.Logger
	Now      func() time.Time
}

// New creates an Executor from opts.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry(DefaultBreakerSettings(), opts.Logger)
	}
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSet()
	}

	return &Executor{
		store:    opts.Store,
		runners:  opts.Runners,
		breakers: opts.Breakers,
		policy:   opts.Policy,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		running:  make(map[string]context.CancelFunc),
	}
}

// TryRun claims t (ready to running), executes its action, and commits
// the resulting transition. The returned task reflects the stored row
// after the final commit.
//
// An ErrBreakerOpen result means the task was skipped before claiming; a
// stale state error means another writer took the task first. Neither
// consumes an attempt.
func (e *Executor) TryRun(ctx context.Context, t *task.Task) (*task.Task, error) {
	runner, ok := e.runners[t.Action.Kind]
	if !ok {
		// Unknown kinds can only come from a hand-edited store. They can
		// never run, so fail them instead of reconsidering them forever.
		return e.failUnrunnable(ctx, t, fmt.Sprintf("no runner for action kind %q", t.Action.Kind))
	}
	if e.breakers.Open(t.Action.Kind) {
		return nil, fmt.Errorf("action kind %q: %w", t.Action.Kind, ErrBreakerOpen)
	}

	started := e.now()
	claimed, err := e.transitionWithRetry(ctx, t.ID, task.StatusReady, task.StatusRunning, func(tk *task.Task) {
		tk.AttemptCount++
		tk.StartedAt = &started
		tk.BeginAttempt(started)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task started",
		zap.String("task_id", claimed.ID),
		zap.String("name", claimed.Name),
		zap.Int("attempt", claimed.AttemptCount),
		zap.Int("max_attempts", claimed.MaxAttempts))
	e.metrics.TaskStarted()
	e.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        claimed.ID,
		Name:      claimed.Name,
		Attempt:   claimed.AttemptCount,
		Timestamp: started,
	})

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[claimed.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, claimed.ID)
		e.mu.Unlock()
	}()

	var output string
	_, runErr := e.breakers.Get(claimed.Action.Kind).Execute(func() (interface{}, error) {
		out, err := runner.Run(runCtx, claimed)
		output = out
		return nil, err
	})

	finished := e.now()
	switch {
	case runErr == nil:
		return e.commitSuccess(ctx, claimed, output, started, finished)
	case ctx.Err() != nil:
		return e.commitInterrupted(ctx, claimed, output, finished)
	default:
		return e.commitFailure(ctx, claimed, output, runErr, finished)
	}
}

// CancelRunning aborts the in-flight run for id, if any. Callers flip the
// row's status to cancelled first; the interrupted run's own commit then
// loses the compare-and-swap and leaves the cancellation in place.
func (e *Executor) CancelRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[id]; ok {
		cancel()
		return true
	}
	return false
}

func (e *Executor) commitSuccess(ctx context.Context, claimed *task.Task, output string, started, finished time.Time) (*task.Task, error) {
	cctx, cancel := commitContext(ctx)
	defer cancel()

	updated, err := e.transitionWithRetry(cctx, claimed.ID, task.StatusRunning, task.StatusSucceeded, func(tk *task.Task) {
		tk.CompletedAt = &finished
		tk.LastError = ""
		tk.NextRetryAt = nil
		tk.EndAttempt(finished, task.AttemptSucceeded, output, "")
	})
	if err != nil {
		return e.resolveStale(cctx, claimed.ID, err)
	}

	duration := finished.Sub(started)
	e.logger.Info("task succeeded",
		zap.String("task_id", claimed.ID),
		zap.String("name", claimed.Name),
		zap.Duration("duration", duration))
	e.metrics.TaskSucceeded(duration)
	e.bus.Publish(events.TopicTask, events.TaskSucceededEvent{
		ID:        claimed.ID,
		Name:      claimed.Name,
		Duration:  duration,
		Timestamp: finished,
	})
	return updated, nil
}

func (e *Executor) commitInterrupted(ctx context.Context, claimed *task.Task, output string, finished time.Time) (*task.Task, error) {
	cctx, cancel := commitContext(ctx)
	defer cancel()

	const msg = "interrupted by shutdown"
	updated, err := e.transitionWithRetry(cctx, claimed.ID, task.StatusRunning, task.StatusRetrying, func(tk *task.Task) {
		// Immediate retry eligibility: an interruption is not a failure,
		// so no backoff applies. The attempt is refunded too, so the
		// retake reuses its number and the count stays within budget.
		retryAt := finished
		tk.NextRetryAt = &retryAt
		tk.LastError = msg
		if tk.AttemptCount > 0 {
			tk.AttemptCount--
		}
		tk.EndAttempt(finished, task.AttemptInterrupted, output, msg)
	})
	if err != nil {
		return e.resolveStale(cctx, claimed.ID, err)
	}

	e.logger.Warn("task interrupted by shutdown",
		zap.String("task_id", claimed.ID),
		zap.String("name", claimed.Name),
		zap.Int("attempt", claimed.AttemptCount))
	return updated, nil
}

func (e *Executor) commitFailure(ctx context.Context, claimed *task.Task, output string, runErr error, finished time.Time) (*task.Task, error) {
	cctx, cancel := commitContext(ctx)
	defer cancel()

	permanent := IsPermanent(runErr)
	exhausted := claimed.AttemptCount >= claimed.MaxAttempts
	msg := runErr.Error()

	if permanent || exhausted {
		updated, err := e.transitionWithRetry(cctx, claimed.ID, task.StatusRunning, task.StatusFailed, func(tk *task.Task) {
			tk.CompletedAt = &finished
			tk.LastError = msg
			tk.NextRetryAt = nil
			tk.EndAttempt(finished, task.AttemptFailed, output, msg)
		})
		if err != nil {
			return e.resolveStale(cctx, claimed.ID, err)
		}

		e.logger.Error("task failed",
			zap.String("task_id", claimed.ID),
			zap.String("name", claimed.Name),
			zap.Int("attempt", claimed.AttemptCount),
			zap.Bool("permanent", permanent),
			zap.String("error", msg))
		e.metrics.TaskFailed()
		e.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        claimed.ID,
			Name:      claimed.Name,
			Attempt:   claimed.AttemptCount,
			Err:       msg,
			Timestamp: finished,
		})
		return updated, nil
	}

	retryAt := finished.Add(e.policy.Delay(claimed.AttemptCount))
	updated, err := e.transitionWithRetry(cctx, claimed.ID, task.StatusRunning, task.StatusRetrying, func(tk *task.Task) {
		tk.NextRetryAt = &retryAt
		tk.LastError = msg
		tk.EndAttempt(finished, task.AttemptRetrying, output, msg)
	})
	if err != nil {
		return e.resolveStale(cctx, claimed.ID, err)
	}

	e.logger.Warn("task attempt failed, retry scheduled",
		zap.String("task_id", claimed.ID),
		zap.String("name", claimed.Name),
		zap.Int("attempt", claimed.AttemptCount),
		zap.Time("next_retry", retryAt),
		zap.String("error", msg))
	e.metrics.TaskRetried()
	e.bus.Publish(events.TopicTask, events.TaskRetryingEvent{
		ID:        claimed.ID,
		Name:      claimed.Name,
		Attempt:   claimed.AttemptCount,
		Err:       msg,
		NextRetry: retryAt,
		Timestamp: finished,
	})
	return updated, nil
}

// failUnrunnable claims a task that has no runner and fails it through
// the regular state machine so the row records what happened.
func (e *Executor) failUnrunnable(ctx context.Context, t *task.Task, reason string) (*task.Task, error) {
	started := e.now()
	claimed, err := e.transitionWithRetry(ctx, t.ID, task.StatusReady, task.StatusRunning, func(tk *task.Task) {
		tk.AttemptCount++
		tk.StartedAt = &started
		tk.BeginAttempt(started)
	})
	if err != nil {
		return nil, err
	}
	return e.commitFailure(ctx, claimed, "", Permanent(errors.New(reason)), e.now())
}

// resolveStale maps a lost commit race to the row's current state. The
// only writer that can beat an outcome commit is a cancellation, so the
// row already carries its final state.
func (e *Executor) resolveStale(ctx context.Context, id string, err error) (*task.Task, error) {
	if !errors.Is(err, store.ErrStaleState) {
		return nil, err
	}
	current, getErr := e.store.Get(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("resolving lost commit for task %s: %w", id, getErr)
	}
	e.logger.Info("task outcome superseded",
		zap.String("task_id", id),
		zap.String("status", string(current.Status)))
	return current, nil
}

// transitionWithRetry wraps Store.Transition in exponential backoff for
// transient store contention. Semantic errors (stale state, illegal
// transition, missing row, corruption) are never retried.
func (e *Executor) transitionWithRetry(ctx context.Context, id string, expected, next task.Status, mutate store.Mutator) (*task.Task, error) {
	var updated *task.Task

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		t, err := e.store.Transition(ctx, id, expected, next, mutate)
		if err != nil {
			if errors.Is(err, store.ErrStaleState) ||
				errors.Is(err, store.ErrIllegalTransition) ||
				errors.Is(err, store.ErrNotFound) ||
				errors.Is(err, store.ErrCorrupted) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		updated = t
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 10 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return updated, nil
}

// commitContext detaches an outcome commit from the surrounding
// cancellation so results reached before shutdown still get recorded,
// bounded so a wedged store cannot hang termination.
func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}
