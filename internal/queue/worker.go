package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/resolver"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

// ErrHalted reports that the worker stopped because a task landed in
// failed while RunOptions.StopOnError was set.
var ErrHalted = errors.New("worker halted after task failure")

// RunOptions configures a worker run.
type RunOptions struct {
	// StopOnError halts the loop after any task reaches failed. The
	// failed task stays recorded; nothing else is touched.
	StopOnError bool
}

// Run executes tasks until ctx is cancelled. Tasks run one at a time in
// scheduling order; between tasks the worker promotes newly unblocked
// work. Returns nil on a normal shutdown, ErrHalted when StopOnError
// tripped, or a store corruption error.
//
// One Run per Queue: a second concurrent call errors immediately.
func (q *Queue) Run(ctx context.Context, opts RunOptions) error {
	if !q.working.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer q.working.Store(false)

	if err := q.recoverInterrupted(ctx); err != nil {
		return err
	}

	q.logger.Info("worker started",
		zap.Duration("poll_interval", q.poll),
		zap.Bool("stop_on_error", opts.StopOnError))

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if err := q.drain(ctx, opts); err != nil {
			q.logger.Error("worker halted", zap.Error(err))
			return err
		}

		select {
		case <-ctx.Done():
			q.logger.Info("worker stopped")
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Start launches Run on a background goroutine for embedding. Stop cancels
// it and returns Run's error.
func (q *Queue) Start(ctx context.Context, opts RunOptions) error {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.stopFn != nil {
		return errors.New("worker already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.stopFn = cancel
	q.done = make(chan struct{})

	go func(done chan struct{}) {
		q.runErr = q.Run(runCtx, opts)
		close(done)
	}(q.done)
	return nil
}

// Stop shuts down a started worker and waits for the in-flight task, if
// any, to commit its outcome. Safe to call when never started.
func (q *Queue) Stop() error {
	q.startMu.Lock()
	if q.stopFn == nil {
		q.startMu.Unlock()
		return nil
	}
	cancel := q.stopFn
	done := q.done
	q.stopFn = nil
	q.done = nil
	q.startMu.Unlock()

	cancel()
	<-done
	return q.runErr
}

// drain runs ready tasks back to back until none remain or ctx is
// cancelled. Individual task failures are recorded and the loop moves on;
// only store corruption (or StopOnError) stops it.
func (q *Queue) drain(ctx context.Context, opts RunOptions) error {
	ranAny := false
	skipKinds := make(map[task.ActionKind]bool)

	for {
		if ctx.Err() != nil {
			return nil
		}

		snapshot, err := q.promote(ctx)
		if err != nil {
			if errors.Is(err, store.ErrCorrupted) {
				return err
			}
			// Transient store trouble (a CLI process holding the file
			// lock); the next tick retries.
			q.logger.Warn("drain pass failed", zap.Error(err))
			return nil
		}
		q.recordDepth(snapshot)

		next := scheduler.Next(filterKinds(snapshot, skipKinds))
		if next == nil {
			if ranAny {
				q.publishDrained(snapshot)
			}
			return nil
		}

		done, err := q.exec.TryRun(ctx, next)
		switch {
		case err == nil:
			ranAny = true
			if opts.StopOnError && done != nil && done.Status == task.StatusFailed {
				return fmt.Errorf("task %s (%s): %w", done.ID, done.Name, ErrHalted)
			}
		case errors.Is(err, executor.ErrBreakerOpen):
			// Leave this kind's candidates ready and keep draining the
			// other kinds; the breaker probes again after its cooldown.
			skipKinds[next.Action.Kind] = true
			q.logger.Warn("skipping action kind while breaker is open",
				zap.String("kind", string(next.Action.Kind)),
				zap.String("task_id", next.ID))
		case errors.Is(err, store.ErrStaleState):
			// Another process claimed the task first; the next pass sees
			// the fresh state.
		case errors.Is(err, store.ErrCorrupted):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			q.logger.Error("task execution error",
				zap.String("task_id", next.ID),
				zap.Error(err))
			return nil
		}
	}
}

// recoverInterrupted sweeps tasks stuck in running from a previous crash
// into retrying with immediate eligibility, so they re-run instead of
// being silently lost.
func (q *Queue) recoverInterrupted(ctx context.Context) error {
	stuck, err := q.store.List(ctx, store.Filter{Statuses: []task.Status{task.StatusRunning}})
	if err != nil {
		return fmt.Errorf("scanning for interrupted tasks: %w", err)
	}

	for _, t := range stuck {
		now := q.now().UTC()
		const msg = "interrupted by restart"
		_, err := q.store.Transition(ctx, t.ID, task.StatusRunning, task.StatusRetrying, func(tk *task.Task) {
			// Refund the cut-short attempt so the retake reuses its
			// number instead of eating into the budget.
			retryAt := now
			tk.NextRetryAt = &retryAt
			tk.LastError = msg
			if tk.AttemptCount > 0 {
				tk.AttemptCount--
			}
			tk.EndAttempt(now, task.AttemptInterrupted, "", msg)
		})
		if err != nil {
			// A concurrent worker got there first, or owns the task for
			// real; either way it is no longer ours to recover.
			if errors.Is(err, store.ErrStaleState) {
				continue
			}
			return fmt.Errorf("recovering interrupted task %s: %w", t.ID, err)
		}
		q.logger.Warn("recovered task interrupted by earlier shutdown",
			zap.String("task_id", t.ID),
			zap.String("name", t.Name),
			zap.Int("attempt", t.AttemptCount))
	}
	return nil
}

func (q *Queue) publishDrained(snapshot []*task.Task) {
	remaining := 0
	for _, t := range snapshot {
		if !t.Status.Terminal() {
			remaining++
		}
	}
	blocked := len(resolver.BlockedTasks(snapshot))

	q.logger.Info("queue drained",
		zap.Int("remaining", remaining),
		zap.Int("blocked", blocked))
	q.bus.Publish(events.TopicQueue, events.QueueDrainedEvent{
		Remaining: remaining,
		Blocked:   blocked,
		Timestamp: q.now().UTC(),
	})
}

// filterKinds drops ready tasks whose action kind is in skip. With no
// kinds to skip it returns tasks unchanged.
func filterKinds(tasks []*task.Task, skip map[task.ActionKind]bool) []*task.Task {
	if len(skip) == 0 {
		return tasks
	}
	kept := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusReady && skip[t.Action.Kind] {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
