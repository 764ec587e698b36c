// Package queue is the public face of conveyor: enqueue, inspect, retry,
// cancel, and clear tasks, plus the single background worker that drains
// the queue in priority order. All state lives in the injected store;
// a Queue holds no task data of its own, so several processes can share
// one state directory.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/resolver"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 3
)

// Executor runs claimed tasks. Satisfied by executor.Executor.
type Executor interface {
	TryRun(ctx context.Context, t *task.Task) (*task.Task, error)
	CancelRunning(id string) bool
}

// Options configures a Queue. Store and Executor are required; the rest
// default to working instances when zero.
type Options struct {
	Store    store.Store
	Executor Executor
	Bus      *events.Bus
	Metrics  *metrics.Set
	Logger   *zap.Logger

	// PollInterval bounds how long a due retry or an enqueue from another
	// process waits before the worker notices it.
	PollInterval time.Duration

	// DefaultMaxAttempts applies to enqueue requests that leave
	// MaxAttempts unset.
	DefaultMaxAttempts int

	Now func() time.Time
}

// Queue exposes the task queue operations and owns the worker loop.
type Queue struct {
	store       store.Store
	exec        Executor
	bus         *events.Bus
	metrics     *metrics.Set
	logger      *zap.Logger
	now         func() time.Time
	poll        time.Duration
	maxAttempts int

	// wake nudges the worker without waiting out the poll interval.
	wake chan struct{}

	working atomic.Bool

	startMu sync.Mutex
	stopFn  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// New creates a Queue from opts.
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSet()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Queue{
		store:       opts.Store,
		exec:        opts.Executor,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		poll:        opts.PollInterval,
		maxAttempts: opts.DefaultMaxAttempts,
		wake:        make(chan struct{}, 1),
	}
}

// Bus returns the event bus shared by the queue and its executor.
func (q *Queue) Bus() *events.Bus { return q.bus }

// EnqueueRequest describes a task to add to the queue.
type EnqueueRequest struct {
	Name        string
	Description string
	Priority    task.Priority
	Action      task.Action
	DependsOn   []string
	MaxAttempts int
}

// Enqueue validates req, assigns an ID and timestamps, persists the task,
// and returns it. Dependency-free tasks (and tasks whose dependencies have
// all already succeeded) come back ready; the rest stay queued until their
// dependencies complete.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*task.Task, error) {
	now := q.now().UTC()
	t := &task.Task{
		ID:           task.NewID(),
		Name:         req.Name,
		Description:  req.Description,
		Priority:     req.Priority,
		Status:       task.StatusQueued,
		Dependencies: dedupe(req.DependsOn),
		Action:       req.Action,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = q.maxAttempts
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	// The check-then-put pair is not atomic across processes, but a
	// concurrent enqueue cannot close a cycle: the new ID is unknown to
	// anyone else until Put returns, so nothing can depend on it yet.
	// A dependency removed between the check and the put is caught by
	// Put's own existence check.
	snapshot, err := q.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	if err := resolver.Check(snapshot, t); err != nil {
		return nil, err
	}
	if err := q.store.Put(ctx, t); err != nil {
		return nil, err
	}

	q.logger.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("name", t.Name),
		zap.String("priority", string(t.Priority)),
		zap.Int("dependencies", len(t.Dependencies)))
	q.metrics.TaskEnqueued()
	q.bus.Publish(events.TopicTask, events.TaskEnqueuedEvent{
		ID:           t.ID,
		Name:         t.Name,
		Priority:     string(t.Priority),
		Dependencies: t.Dependencies,
		Timestamp:    now,
	})

	if _, err := q.promote(ctx); err != nil {
		q.logger.Warn("promotion after enqueue failed", zap.Error(err))
	}
	q.wakeWorker()

	return q.store.Get(ctx, t.ID)
}

// Status returns the current state of one task.
func (q *Queue) Status(ctx context.Context, id string) (*task.Task, error) {
	return q.store.Get(ctx, id)
}

// ListFilter narrows List results.
type ListFilter struct {
	Statuses   []task.Status
	Priorities []task.Priority

	// Blocked keeps only queued tasks waiting on a dependency that can
	// never succeed.
	Blocked bool

	// OlderThan keeps only tasks last updated before now minus this.
	OlderThan time.Duration
}

// List returns tasks matching f in scheduling order.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*task.Task, error) {
	tasks, err := q.store.List(ctx, store.Filter{
		Statuses:   f.Statuses,
		Priorities: f.Priorities,
		OlderThan:  f.OlderThan,
	})
	if err != nil {
		return nil, err
	}

	if f.Blocked {
		// Blocked status depends on dependencies the filter may have
		// excluded, so compute it over the full snapshot.
		full, err := q.store.List(ctx, store.Filter{})
		if err != nil {
			return nil, err
		}
		blocked := make(map[string]bool)
		for _, t := range resolver.BlockedTasks(full) {
			blocked[t.ID] = true
		}
		kept := tasks[:0]
		for _, t := range tasks {
			if blocked[t.ID] {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}

	return scheduler.Order(tasks), nil
}

// Retry puts a failed task back in the queue with a fresh attempt budget.
// The attempt history is kept for auditing.
func (q *Queue) Retry(ctx context.Context, id string) (*task.Task, error) {
	current, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != task.StatusFailed {
		return nil, fmt.Errorf("task %s is %s, only failed tasks can be requeued: %w",
			id, current.Status, store.ErrIllegalTransition)
	}

	_, err = q.store.Transition(ctx, id, task.StatusFailed, task.StatusQueued, func(tk *task.Task) {
		tk.AttemptCount = 0
		tk.LastError = ""
		tk.NextRetryAt = nil
		tk.StartedAt = nil
		tk.CompletedAt = nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("task requeued",
		zap.String("task_id", current.ID),
		zap.String("name", current.Name))
	q.bus.Publish(events.TopicTask, events.TaskRequeuedEvent{
		ID:        current.ID,
		Name:      current.Name,
		Timestamp: q.now().UTC(),
	})

	if _, err := q.promote(ctx); err != nil {
		q.logger.Warn("promotion after requeue failed", zap.Error(err))
	}
	q.wakeWorker()

	return q.store.Get(ctx, id)
}

// Cancel moves a non-terminal task to cancelled. A running task's action
// is cancelled cooperatively through its context; the abandoned attempt's
// own outcome commit then loses the compare-and-swap and is discarded.
// Cancelling an already terminal task is an error.
func (q *Queue) Cancel(ctx context.Context, id string) (*task.Task, error) {
	// The status can move between the read and the swap (queued becomes
	// ready, ready becomes running), so retry against the fresh status a
	// few times before giving up.
	for i := 0; i < 3; i++ {
		current, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, fmt.Errorf("task %s is already %s: %w", id, current.Status, store.ErrStaleState)
		}

		wasRunning := current.Status == task.StatusRunning
		now := q.now().UTC()
		cancelled, err := q.store.Transition(ctx, id, current.Status, task.StatusCancelled, func(tk *task.Task) {
			tk.CompletedAt = &now
			tk.NextRetryAt = nil
			if wasRunning {
				tk.EndAttempt(now, task.AttemptCancelled, "", "cancelled by operator")
			}
		})
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if wasRunning {
			q.exec.CancelRunning(id)
		}

		q.logger.Info("task cancelled",
			zap.String("task_id", cancelled.ID),
			zap.String("name", cancelled.Name),
			zap.Bool("was_running", wasRunning))
		q.metrics.TaskCancelled()
		q.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID:        cancelled.ID,
			Name:      cancelled.Name,
			Timestamp: now,
		})
		return cancelled, nil
	}
	return nil, fmt.Errorf("task %s kept changing state during cancellation: %w", id, store.ErrStaleState)
}

// Clear removes terminal tasks last updated before now minus olderThan.
// Zero olderThan means no age cutoff; empty statuses means all three
// terminal statuses. Tasks that a surviving task still depends on are
// kept so the survivor's dependency list stays resolvable. Returns the
// number of tasks removed.
func (q *Queue) Clear(ctx context.Context, olderThan time.Duration, statuses []task.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = task.TerminalStatuses()
	}
	for _, s := range statuses {
		if !s.Terminal() {
			return 0, fmt.Errorf("cannot clear %s tasks: %w", s, store.ErrNotTerminal)
		}
	}

	snapshot, err := q.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("loading tasks: %w", err)
	}

	now := q.now().UTC()
	f := store.Filter{Statuses: statuses, OlderThan: olderThan}
	removable := make(map[string]bool)
	for _, t := range snapshot {
		if f.Match(t, now) {
			removable[t.ID] = true
		}
	}

	// Keep anything a survivor depends on. Dropping one candidate can
	// expose another (a kept dependent is itself a survivor), so shrink
	// to a fixed point.
	for changed := true; changed; {
		changed = false
		for _, t := range snapshot {
			if removable[t.ID] {
				continue
			}
			for _, dep := range t.Dependencies {
				if removable[dep] {
					delete(removable, dep)
					changed = true
				}
			}
		}
	}

	if len(removable) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(removable))
	for id := range removable {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, err := q.store.Remove(ctx, ids); err != nil {
		return 0, err
	}
	q.logger.Info("cleared tasks", zap.Int("count", len(ids)))
	return len(ids), nil
}

// promote advances every task whose waiting condition has passed: queued
// tasks with all dependencies succeeded and retrying tasks whose backoff
// has elapsed become ready. Returns the snapshot with the promotions
// applied.
func (q *Queue) promote(ctx context.Context) ([]*task.Task, error) {
	snapshot, err := q.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}

	byID := resolver.Index(snapshot)
	now := q.now().UTC()
	for i, t := range snapshot {
		var promoted *task.Task
		var err error
		switch {
		case resolver.Ready(t, byID):
			promoted, err = q.store.Transition(ctx, t.ID, task.StatusQueued, task.StatusReady, nil)
		case t.Status == task.StatusRetrying && retryDue(t, now):
			promoted, err = q.store.Transition(ctx, t.ID, task.StatusRetrying, task.StatusReady, func(tk *task.Task) {
				tk.NextRetryAt = nil
			})
		default:
			continue
		}
		if err != nil {
			// Another process moved the task first; its new status is
			// whatever that process decided.
			if errors.Is(err, store.ErrStaleState) {
				continue
			}
			return nil, fmt.Errorf("promoting task %s: %w", t.ID, err)
		}

		snapshot[i] = promoted
		byID[promoted.ID] = promoted
		q.logger.Debug("task ready",
			zap.String("task_id", promoted.ID),
			zap.String("name", promoted.Name))
		q.bus.Publish(events.TopicTask, events.TaskReadyEvent{
			ID:        promoted.ID,
			Name:      promoted.Name,
			Timestamp: now,
		})
	}
	return snapshot, nil
}

// retryDue reports whether a retrying task's backoff has elapsed. A
// missing eligibility time counts as due so a hand-edited row cannot
// wait forever.
func retryDue(t *task.Task, now time.Time) bool {
	return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
}

func (q *Queue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) recordDepth(snapshot []*task.Task) {
	// Seed every status so emptied ones drop back to zero.
	counts := map[string]int{
		string(task.StatusQueued):    0,
		string(task.StatusReady):     0,
		string(task.StatusRunning):   0,
		string(task.StatusSucceeded): 0,
		string(task.StatusFailed):    0,
		string(task.StatusRetrying):  0,
		string(task.StatusCancelled): 0,
	}
	for _, t := range snapshot {
		counts[string(t.Status)]++
	}
	q.metrics.SetDepth(counts)
}

// dedupe drops repeated IDs, keeping first occurrences in order.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
