package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

type env struct {
	q   *Queue
	st  store.Store
	reg *executor.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newEnvWithStore(t, st)
}

func newEnvWithStore(t *testing.T, st store.Store) *env {
	t.Helper()
	reg := executor.NewRegistry()
	bus := events.NewBus()
	set := metrics.NewSet()
	exec := executor.New(executor.Options{
		Store:    st,
		Runners:  map[task.ActionKind]executor.Runner{task.KindFunc: executor.NewFuncRunner(reg)},
		Policy:   executor.RetryPolicy{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		Breakers: executor.NewBreakerRegistry(executor.BreakerSettings{TripAfter: 1000, Cooldown: time.Hour}, nil),
		Bus:      bus,
		Metrics:  set,
	})
	q := New(Options{
		Store:        st,
		Executor:     exec,
		Bus:          bus,
		Metrics:      set,
		PollInterval: 20 * time.Millisecond,
	})

	e := &env{q: q, st: st, reg: reg}
	t.Cleanup(func() { _ = q.Stop() })
	return e
}

func (e *env) enqueue(t *testing.T, name, target string, priority task.Priority, deps []string, maxAttempts int) *task.Task {
	t.Helper()
	got, err := e.q.Enqueue(context.Background(), EnqueueRequest{
		Name:        name,
		Priority:    priority,
		Action:      task.Action{Kind: task.KindFunc, Target: target},
		DependsOn:   deps,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) error = %v", name, err)
	}
	return got
}

func (e *env) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.q.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", id, err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := e.q.Status(context.Background(), id)
	t.Fatalf("task %s stuck in %s, want %s", id, got.Status, want)
	return nil
}

func TestEnqueueDependencyFreeIsReady(t *testing.T) {
	e := newEnv(t)

	first := e.enqueue(t, "standalone", "noop", task.PriorityMedium, nil, 0)
	if first.Status != task.StatusReady {
		t.Errorf("dependency-free task status = %s, want ready", first.Status)
	}

	second := e.enqueue(t, "dependent", "noop", task.PriorityMedium, []string{first.ID}, 0)
	if second.Status != task.StatusQueued {
		t.Errorf("dependent task status = %s, want queued until %s succeeds", second.Status, first.ID)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	e := newEnv(t)

	got := e.enqueue(t, "minimal", "noop", "", nil, 0)
	if got.Priority != task.PriorityMedium {
		t.Errorf("Priority = %s, want medium default", got.Priority)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3 default", got.MaxAttempts)
	}
	if got.ID == "" || got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("identity fields not stamped: %+v", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{
			name: "empty name",
			req: EnqueueRequest{
				Action: task.Action{Kind: task.KindFunc, Target: "noop"},
			},
		},
		{
			name: "unknown priority",
			req: EnqueueRequest{
				Name:     "t",
				Priority: "urgent",
				Action:   task.Action{Kind: task.KindFunc, Target: "noop"},
			},
		},
		{
			name: "func action with args",
			req: EnqueueRequest{
				Name:   "t",
				Action: task.Action{Kind: task.KindFunc, Target: "noop", Args: []string{"-v"}},
			},
		},
		{
			name: "negative max attempts",
			req: EnqueueRequest{
				Name:        "t",
				Action:      task.Action{Kind: task.KindFunc, Target: "noop"},
				MaxAttempts: -1,
			},
		},
		{
			name: "dependency not an id",
			req: EnqueueRequest{
				Name:      "t",
				Action:    task.Action{Kind: task.KindFunc, Target: "noop"},
				DependsOn: []string{"not-a-uuid"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.q.Enqueue(ctx, tt.req); err == nil {
				t.Fatal("Enqueue() accepted an invalid request")
			}
		})
	}
}

func TestEnqueueUnknownDependencyRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.enqueue(t, "existing", "noop", task.PriorityMedium, nil, 0)

	_, err := e.q.Enqueue(ctx, EnqueueRequest{
		Name:      "orphan",
		Action:    task.Action{Kind: task.KindFunc, Target: "noop"},
		DependsOn: []string{task.NewID()},
	})
	if err == nil {
		t.Fatal("Enqueue() accepted a dependency on a non-existent task")
	}

	// The rejected task must leave no trace.
	all, err := e.q.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("store has %d tasks after rejected enqueue, want 1", len(all))
	}
}

func TestEnqueueDeduplicatesDependencies(t *testing.T) {
	e := newEnv(t)

	dep := e.enqueue(t, "dep", "noop", task.PriorityMedium, nil, 0)
	got := e.enqueue(t, "dup-deps", "noop", task.PriorityMedium, []string{dep.ID, dep.ID}, 0)
	if len(got.Dependencies) != 1 {
		t.Errorf("Dependencies = %v, want the duplicate collapsed", got.Dependencies)
	}
}

func TestWorkerRunsTaskToSuccess(t *testing.T) {
	e := newEnv(t)
	e.reg.Register("greet", func(ctx context.Context, payload []byte) (string, error) {
		return "hello", nil
	})

	drained := e.q.Bus().Subscribe(events.TopicQueue, 4)

	tk := e.enqueue(t, "greeter", "greet", task.PriorityMedium, nil, 0)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := e.waitStatus(t, tk.ID, task.StatusSucceeded)
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if len(got.History) != 1 || got.History[0].Output != "hello" {
		t.Errorf("History = %+v, want one attempt with the handler output", got.History)
	}

	select {
	case ev := <-drained:
		de, ok := ev.(events.QueueDrainedEvent)
		if !ok {
			t.Fatalf("queue topic delivered %T", ev)
		}
		if de.Remaining != 0 || de.Blocked != 0 {
			t.Errorf("drained event = %+v, want empty queue", de)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no drained event after the queue emptied")
	}
}

func TestWorkerExhaustsRetries(t *testing.T) {
	e := newEnv(t)
	e.reg.Register("always-fails", func(ctx context.Context, payload []byte) (string, error) {
		return "", errors.New("transient trouble")
	})

	tk := e.enqueue(t, "doomed", "always-fails", task.PriorityMedium, nil, 3)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := e.waitStatus(t, tk.ID, task.StatusFailed)
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want exactly 3", got.AttemptCount)
	}
	if got.NextRetryAt != nil {
		t.Error("NextRetryAt still set on a terminal task")
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if len(got.History) != 3 {
		t.Fatalf("History len = %d, want 3", len(got.History))
	}
	for i, a := range got.History {
		want := task.AttemptRetrying
		if i == 2 {
			want = task.AttemptFailed
		}
		if a.Outcome != want {
			t.Errorf("History[%d].Outcome = %s, want %s", i, a.Outcome, want)
		}
	}
}

func TestCancelQueuedTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	parent := e.enqueue(t, "parent", "noop", task.PriorityMedium, nil, 0)
	child := e.enqueue(t, "child", "noop", task.PriorityMedium, []string{parent.ID}, 0)

	cancelled, err := e.q.Cancel(ctx, child.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Error("CompletedAt not stamped on cancellation")
	}
	if len(cancelled.History) != 0 {
		t.Errorf("History = %+v for a task that never ran", cancelled.History)
	}

	// The cancelled task must never surface as runnable.
	snapshot, err := e.q.promote(ctx)
	if err != nil {
		t.Fatalf("promote() error = %v", err)
	}
	next := scheduler.Next(snapshot)
	if next == nil || next.ID != parent.ID {
		t.Errorf("Next() = %v, want the unaffected parent", next)
	}

	if _, err := e.q.Cancel(ctx, child.ID); !errors.Is(err, store.ErrStaleState) {
		t.Errorf("second Cancel() = %v, want ErrStaleState", err)
	}
}

func TestFailedDependencyBlocksDependent(t *testing.T) {
	e := newEnv(t)
	e.reg.Register("explode", func(ctx context.Context, payload []byte) (string, error) {
		return "", executor.Permanent(errors.New("unrecoverable"))
	})

	parent := e.enqueue(t, "parent", "explode", task.PriorityMedium, nil, 1)
	child := e.enqueue(t, "child", "noop", task.PriorityMedium, []string{parent.ID}, 0)

	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	e.waitStatus(t, parent.ID, task.StatusFailed)

	// Give the worker several promotion passes to prove the child stays put.
	time.Sleep(150 * time.Millisecond)

	got, err := e.q.Status(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Fatalf("child status = %s, want queued forever behind a failed dependency", got.Status)
	}

	blocked, err := e.q.List(context.Background(), ListFilter{Blocked: true})
	if err != nil {
		t.Fatalf("List(blocked) error = %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != child.ID {
		t.Errorf("blocked list = %v, want just the child", ids(blocked))
	}
}

func TestExecutionOrderFollowsPriorityAndDependencies(t *testing.T) {
	e := newEnv(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) executor.HandlerFunc {
		return func(ctx context.Context, payload []byte) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return "", nil
		}
	}
	e.reg.Register("run-a", record("a"))
	e.reg.Register("run-b", record("b"))
	e.reg.Register("run-c", record("c"))

	a := e.enqueue(t, "a", "run-a", task.PriorityCritical, nil, 0)
	b := e.enqueue(t, "b", "run-b", task.PriorityHigh, nil, 0)
	c := e.enqueue(t, "c", "run-c", task.PriorityLow, []string{a.ID}, 0)

	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	e.waitStatus(t, a.ID, task.StatusSucceeded)
	e.waitStatus(t, b.ID, task.StatusSucceeded)
	e.waitStatus(t, c.ID, task.StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	e := newEnv(t)
	var allow atomic.Bool
	e.reg.Register("gated", func(ctx context.Context, payload []byte) (string, error) {
		if allow.Load() {
			return "through", nil
		}
		return "", executor.Permanent(errors.New("gate closed"))
	})

	tk := e.enqueue(t, "gated-task", "gated", task.PriorityMedium, nil, 1)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	e.waitStatus(t, tk.ID, task.StatusFailed)

	// Park the worker so the requeued snapshot can be inspected before
	// anything claims it.
	if err := e.q.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	requeued, err := e.q.Retry(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if requeued.Status != task.StatusReady {
		t.Errorf("status = %s after requeue, want ready", requeued.Status)
	}
	if requeued.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d after requeue, want 0", requeued.AttemptCount)
	}
	if requeued.LastError != "" || requeued.CompletedAt != nil || requeued.NextRetryAt != nil {
		t.Errorf("failure residue not cleared: %+v", requeued)
	}
	if len(requeued.History) != 1 {
		t.Errorf("History len = %d, the audit trail should survive a requeue", len(requeued.History))
	}

	allow.Store(true)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	got := e.waitStatus(t, tk.ID, task.StatusSucceeded)
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d after the retried run, want 1", got.AttemptCount)
	}
	if len(got.History) != 2 {
		t.Errorf("History len = %d, want the failed and the successful attempt", len(got.History))
	}

	if _, err := e.q.Retry(context.Background(), tk.ID); !errors.Is(err, store.ErrIllegalTransition) {
		t.Errorf("Retry() on a succeeded task = %v, want ErrIllegalTransition", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{}, 1)
	e.reg.Register("hang", func(ctx context.Context, payload []byte) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	e.reg.Register("after", func(ctx context.Context, payload []byte) (string, error) {
		return "", nil
	})

	tk := e.enqueue(t, "hanging", "hang", task.PriorityMedium, nil, 0)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancelled, err := e.q.Cancel(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if len(cancelled.History) != 1 || cancelled.History[0].Outcome != task.AttemptCancelled {
		t.Errorf("History = %+v, want the aborted attempt recorded", cancelled.History)
	}

	// The worker must shrug the cancellation off and keep serving.
	next := e.enqueue(t, "aftermath", "after", task.PriorityMedium, nil, 0)
	e.waitStatus(t, next.ID, task.StatusSucceeded)

	got, err := e.q.Status(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("cancelled task later moved to %s", got.Status)
	}
}

func TestClearKeepsReferencedDependencies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	parent := e.enqueue(t, "parent", "noop", task.PriorityMedium, nil, 0)
	child := e.enqueue(t, "child", "noop", task.PriorityMedium, []string{parent.ID}, 0)

	if _, err := e.q.Cancel(ctx, parent.ID); err != nil {
		t.Fatalf("Cancel(parent) error = %v", err)
	}

	// The queued child still references the parent, so nothing clears.
	n, err := e.q.Clear(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Clear() removed %d tasks while a survivor depended on one", n)
	}

	if _, err := e.q.Cancel(ctx, child.ID); err != nil {
		t.Fatalf("Cancel(child) error = %v", err)
	}

	// Too recent for an age cutoff.
	n, err = e.q.Clear(ctx, time.Hour, nil)
	if err != nil {
		t.Fatalf("Clear(1h) error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Clear(1h) removed %d fresh tasks", n)
	}

	n, err = e.q.Clear(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Clear() = %d, want both terminal tasks gone", n)
	}

	all, err := e.q.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("tasks left after clear: %v", ids(all))
	}
}

func TestClearRejectsNonTerminalStatuses(t *testing.T) {
	e := newEnv(t)
	_, err := e.q.Clear(context.Background(), 0, []task.Status{task.StatusRunning})
	if !errors.Is(err, store.ErrNotTerminal) {
		t.Fatalf("Clear(running) = %v, want ErrNotTerminal", err)
	}
}

func TestWorkerRecoversInterruptedTask(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// Seed a task abandoned mid-run by a previous process.
	now := time.Now().UTC()
	stuck := &task.Task{
		ID:          task.NewID(),
		Name:        "stuck",
		Priority:    task.PriorityMedium,
		Status:      task.StatusQueued,
		Action:      task.Action{Kind: task.KindFunc, Target: "recover-ok"},
		MaxAttempts: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.Put(ctx, stuck); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := st.Transition(ctx, stuck.ID, task.StatusQueued, task.StatusReady, nil); err != nil {
		t.Fatalf("promote error = %v", err)
	}
	if _, err := st.Transition(ctx, stuck.ID, task.StatusReady, task.StatusRunning, func(tk *task.Task) {
		tk.AttemptCount = 1
		tk.StartedAt = &now
		tk.BeginAttempt(now)
	}); err != nil {
		t.Fatalf("claim error = %v", err)
	}

	e := newEnvWithStore(t, st)
	e.reg.Register("recover-ok", func(ctx context.Context, payload []byte) (string, error) {
		return "second time lucky", nil
	})
	if err := e.q.Start(ctx, RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := e.waitStatus(t, stuck.ID, task.StatusSucceeded)
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, the retaken attempt should not exceed the budget", got.AttemptCount)
	}
	if len(got.History) != 2 {
		t.Fatalf("History len = %d, want interrupted then succeeded", len(got.History))
	}
	if got.History[0].Outcome != task.AttemptInterrupted || !strings.Contains(got.History[0].Error, "interrupted by restart") {
		t.Errorf("History[0] = %+v, want the interruption recorded", got.History[0])
	}
	if got.History[1].Outcome != task.AttemptSucceeded || got.History[1].Number != 1 {
		t.Errorf("History[1] = %+v, want the retake of attempt 1", got.History[1])
	}
}

func TestRunStopsOnErrorWhenAsked(t *testing.T) {
	e := newEnv(t)
	e.reg.Register("fatal", func(ctx context.Context, payload []byte) (string, error) {
		return "", executor.Permanent(errors.New("no point continuing"))
	})

	tk := e.enqueue(t, "fatal-task", "fatal", task.PriorityMedium, nil, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.q.Run(context.Background(), RunOptions{StopOnError: true})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHalted) {
			t.Fatalf("Run() = %v, want ErrHalted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() kept going after a failed task")
	}

	got, err := e.q.Status(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("task status = %s, want the failure preserved", got.Status)
	}
}

func TestSecondRunRefused(t *testing.T) {
	e := newEnv(t)
	if err := e.q.Start(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait until the background Run holds the worker slot.
	deadline := time.Now().Add(2 * time.Second)
	for !e.q.working.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.q.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatal("second Run() did not refuse")
	}
	if err := e.q.Start(context.Background(), RunOptions{}); err == nil {
		t.Fatal("second Start() did not refuse")
	}
	if err := e.q.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func ids(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
