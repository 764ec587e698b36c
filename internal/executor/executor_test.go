package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

type fixture struct {
	exec    *Executor
	store   store.Store
	reg     *Registry
	current time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		reg:     NewRegistry(),
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.exec = New(Options{
		Store:    st,
		Runners:  map[task.ActionKind]Runner{task.KindFunc: NewFuncRunner(f.reg)},
		Policy:   RetryPolicy{Base: 5 * time.Second, Max: 5 * time.Minute},
		Breakers: NewBreakerRegistry(BreakerSettings{TripAfter: 100, Cooldown: time.Hour}, nil),
		Now:      func() time.Time { return f.current },
	})
	return f
}

// withBreakers builds a second executor over the same store and registry
// with its own breaker settings.
func (f *fixture) withBreakers(settings BreakerSettings) *Executor {
	return New(Options{
		Store:    f.store,
		Runners:  map[task.ActionKind]Runner{task.KindFunc: NewFuncRunner(f.reg)},
		Policy:   RetryPolicy{Base: 5 * time.Second, Max: 5 * time.Minute},
		Breakers: NewBreakerRegistry(settings, nil),
		Now:      func() time.Time { return f.current },
	})
}

func (f *fixture) seed(t *testing.T, tsk *task.Task) *task.Task {
	t.Helper()
	ctx := context.Background()
	if tsk.Priority == "" {
		tsk.Priority = task.PriorityMedium
	}
	tsk.Status = task.StatusQueued
	tsk.CreatedAt = f.current
	tsk.UpdatedAt = f.current
	if err := f.store.Put(ctx, tsk); err != nil {
		t.Fatalf("Put(%s) error = %v", tsk.ID, err)
	}
	return tsk
}

func (f *fixture) seedReady(t *testing.T, id string, maxAttempts int, target string) *task.Task {
	t.Helper()
	f.seed(t, &task.Task{
		ID:          id,
		Name:        id,
		Action:      task.Action{Kind: task.KindFunc, Target: target},
		MaxAttempts: maxAttempts,
	})
	ready, err := f.store.Transition(context.Background(), id, task.StatusQueued, task.StatusReady, nil)
	if err != nil {
		t.Fatalf("promoting %s: %v", id, err)
	}
	return ready
}

func (f *fixture) promote(t *testing.T, id string) *task.Task {
	t.Helper()
	ready, err := f.store.Transition(context.Background(), id, task.StatusRetrying, task.StatusReady, nil)
	if err != nil {
		t.Fatalf("promoting retry %s: %v", id, err)
	}
	return ready
}

func TestTryRunSuccess(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("ok", func(ctx context.Context, payload []byte) (string, error) {
		return "did the thing", nil
	})
	ready := f.seedReady(t, "s1", 3, "ok")

	got, err := f.exec.TryRun(context.Background(), ready)
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.NextRetryAt != nil {
		t.Error("NextRetryAt set on success")
	}
	if len(got.History) != 1 {
		t.Fatalf("History len = %d, want 1", len(got.History))
	}
	a := got.History[0]
	if a.Outcome != task.AttemptSucceeded || a.Output != "did the thing" || a.FinishedAt == nil {
		t.Errorf("attempt record = %+v", a)
	}
}

func TestTryRunSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("flaky", func(ctx context.Context, payload []byte) (string, error) {
		return "", errors.New("transient blip")
	})
	ready := f.seedReady(t, "r1", 3, "flaky")

	got, err := f.exec.TryRun(context.Background(), ready)
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if got.Status != task.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.LastError != "transient blip" {
		t.Errorf("LastError = %q", got.LastError)
	}
	wantRetry := f.current.Add(5 * time.Second)
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(wantRetry) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, wantRetry)
	}
	if len(got.History) != 1 || got.History[0].Outcome != task.AttemptRetrying {
		t.Errorf("History = %+v", got.History)
	}
}

func TestTryRunPermanentFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("doomed", func(ctx context.Context, payload []byte) (string, error) {
		return "", Permanent(errors.New("bad config"))
	})
	ready := f.seedReady(t, "p1", 3, "doomed")

	got, err := f.exec.TryRun(context.Background(), ready)
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, permanent failures must not retry", got.AttemptCount)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal failure")
	}
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("always-fails", func(ctx context.Context, payload []byte) (string, error) {
		return "", errors.New("still broken")
	})
	current := f.seedReady(t, "x1", 3, "always-fails")

	policy := RetryPolicy{Base: 5 * time.Second, Max: 5 * time.Minute}
	for attempt := 1; attempt <= 3; attempt++ {
		got, err := f.exec.TryRun(context.Background(), current)
		if err != nil {
			t.Fatalf("attempt %d: TryRun() error = %v", attempt, err)
		}
		if got.AttemptCount != attempt {
			t.Fatalf("attempt %d: AttemptCount = %d", attempt, got.AttemptCount)
		}
		if attempt < 3 {
			if got.Status != task.StatusRetrying {
				t.Fatalf("attempt %d: status = %s, want retrying", attempt, got.Status)
			}
			wantRetry := f.current.Add(policy.Delay(attempt))
			if got.NextRetryAt == nil || !got.NextRetryAt.Equal(wantRetry) {
				t.Errorf("attempt %d: NextRetryAt = %v, want %v", attempt, got.NextRetryAt, wantRetry)
			}
			current = f.promote(t, "x1")
		} else {
			if got.Status != task.StatusFailed {
				t.Fatalf("final attempt: status = %s, want failed", got.Status)
			}
			if len(got.History) != 3 {
				t.Errorf("History len = %d, want 3", len(got.History))
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
	}
}

func TestBreakerSkipsWithoutConsumingAttempts(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("broken-backend", func(ctx context.Context, payload []byte) (string, error) {
		return "", errors.New("connection refused")
	})
	exec := f.withBreakers(BreakerSettings{TripAfter: 1, Cooldown: time.Hour})
	ready := f.seedReady(t, "b1", 5, "broken-backend")

	got, err := exec.TryRun(context.Background(), ready)
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if got.Status != task.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}

	ready = f.promote(t, "b1")
	_, err = exec.TryRun(context.Background(), ready)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("TryRun() with open breaker = %v, want ErrBreakerOpen", err)
	}

	after, err := f.store.Get(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Status != task.StatusReady {
		t.Errorf("status after skip = %s, want ready", after.Status)
	}
	if after.AttemptCount != 1 {
		t.Errorf("AttemptCount after skip = %d, want 1", after.AttemptCount)
	}
}

func TestTryRunLosesClaimRace(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("ok", func(ctx context.Context, payload []byte) (string, error) {
		return "", nil
	})
	// Still queued: the claim's ready expectation cannot hold.
	tsk := f.seed(t, &task.Task{
		ID:          "race1",
		Name:        "race1",
		Action:      task.Action{Kind: task.KindFunc, Target: "ok"},
		MaxAttempts: 3,
	})

	_, err := f.exec.TryRun(context.Background(), tsk)
	if !errors.Is(err, store.ErrStaleState) {
		t.Fatalf("TryRun() = %v, want ErrStaleState", err)
	}

	after, _ := f.store.Get(context.Background(), "race1")
	if after.AttemptCount != 0 {
		t.Errorf("lost claim consumed an attempt: %d", after.AttemptCount)
	}
}

func TestCancelSupersedesOutcome(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.reg.Register("blocker", func(ctx context.Context, payload []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	ready := f.seedReady(t, "c1", 3, "blocker")

	type result struct {
		tsk *task.Task
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		tsk, err := f.exec.TryRun(context.Background(), ready)
		resCh <- result{tsk, err}
	}()

	<-started

	// Flip the row the way Queue.Cancel does, then abort the run.
	now := f.current.Add(time.Second)
	_, err := f.store.Transition(context.Background(), "c1", task.StatusRunning, task.StatusCancelled, func(tk *task.Task) {
		tk.CompletedAt = &now
		tk.EndAttempt(now, task.AttemptCancelled, "", "cancelled by operator")
	})
	if err != nil {
		t.Fatalf("cancel transition error = %v", err)
	}
	if !f.exec.CancelRunning("c1") {
		t.Fatal("CancelRunning() found no in-flight run")
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("TryRun() error = %v", res.err)
		}
		if res.tsk.Status != task.StatusCancelled {
			t.Errorf("status = %s, want cancelled", res.tsk.Status)
		}
		if len(res.tsk.History) != 1 || res.tsk.History[0].Outcome != task.AttemptCancelled {
			t.Errorf("History = %+v, want one cancelled attempt", res.tsk.History)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TryRun() did not return after cancellation")
	}

	if f.exec.CancelRunning("c1") {
		t.Error("CancelRunning() still tracks a finished run")
	}
}

func TestShutdownInterruptsRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.reg.Register("long-haul", func(ctx context.Context, payload []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	ready := f.seedReady(t, "i1", 3, "long-haul")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		tsk *task.Task
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		tsk, err := f.exec.TryRun(ctx, ready)
		resCh <- result{tsk, err}
	}()

	<-started
	cancel()

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("TryRun() error = %v", res.err)
		}
		if res.tsk.Status != task.StatusRetrying {
			t.Errorf("status = %s, want retrying after interruption", res.tsk.Status)
		}
		if res.tsk.NextRetryAt == nil {
			t.Error("interrupted task has no retry eligibility time")
		}
		if res.tsk.AttemptCount != 0 {
			t.Errorf("AttemptCount = %d, interrupted attempts should be refunded", res.tsk.AttemptCount)
		}
		if len(res.tsk.History) != 1 || res.tsk.History[0].Outcome != task.AttemptInterrupted {
			t.Errorf("History = %+v, want one interrupted attempt", res.tsk.History)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TryRun() did not return after shutdown")
	}
}

func TestNoRunnerForKind(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &task.Task{
		ID:          "k1",
		Name:        "k1",
		Action:      task.Action{Kind: task.KindShell, Target: "true"},
		MaxAttempts: 3,
	})
	ready, err := f.store.Transition(context.Background(), "k1", task.StatusQueued, task.StatusReady, nil)
	if err != nil {
		t.Fatalf("promote error = %v", err)
	}

	got, err := f.exec.TryRun(context.Background(), ready)
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "no runner for action kind") {
		t.Errorf("LastError = %q", got.LastError)
	}
}
