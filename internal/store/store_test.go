package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/task"
)

var contractBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func contractTask(id string, created time.Time) *task.Task {
	return &task.Task{
		ID:          id,
		Name:        "build " + id,
		Priority:    task.PriorityMedium,
		Status:      task.StatusQueued,
		Action:      task.Action{Kind: task.KindShell, Target: "true"},
		MaxAttempts: 3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func mustPut(t *testing.T, s Store, tasks ...*task.Task) {
	t.Helper()
	for _, tsk := range tasks {
		if err := s.Put(context.Background(), tsk); err != nil {
			t.Fatalf("Put(%s) error = %v", tsk.ID, err)
		}
	}
}

func listIDs(t *testing.T, s Store, f Filter) []string {
	t.Helper()
	tasks, err := s.List(context.Background(), f)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, tsk := range tasks {
		ids = append(ids, tsk.ID)
	}
	return ids
}

func wantIDs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got IDs %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got IDs %v, want %v", got, want)
		}
	}
}

// runContract exercises the Store interface semantics that every backend
// must satisfy. open returns a fresh empty store per subtest.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put and get round trip", func(t *testing.T) {
		s := open(t)
		dep := contractTask("dep-1", contractBase)
		dep.Status = task.StatusSucceeded

		tsk := contractTask("main-1", contractBase.Add(time.Minute))
		tsk.Description = "compiles the artifact"
		tsk.Priority = task.PriorityHigh
		tsk.Dependencies = []string{"dep-1"}
		tsk.Action = task.Action{
			Kind:   task.KindShell,
			Target: "sh",
			Args:   []string{"-c", "exit 0"},
		}
		mustPut(t, s, dep, tsk)

		got, err := s.Get(ctx, "main-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Name != tsk.Name || got.Description != tsk.Description {
			t.Errorf("Get() = %q/%q, want %q/%q", got.Name, got.Description, tsk.Name, tsk.Description)
		}
		if got.Priority != task.PriorityHigh || got.Status != task.StatusQueued {
			t.Errorf("Get() priority/status = %s/%s", got.Priority, got.Status)
		}
		if len(got.Dependencies) != 1 || got.Dependencies[0] != "dep-1" {
			t.Errorf("Get() dependencies = %v", got.Dependencies)
		}
		if got.Action.Kind != task.KindShell || got.Action.Target != "sh" || len(got.Action.Args) != 2 {
			t.Errorf("Get() action = %+v", got.Action)
		}
		if !got.CreatedAt.Equal(tsk.CreatedAt) {
			t.Errorf("Get() created_at = %v, want %v", got.CreatedAt, tsk.CreatedAt)
		}
	})

	t.Run("payload round trip", func(t *testing.T) {
		s := open(t)
		tsk := contractTask("func-1", contractBase)
		tsk.Action = task.Action{
			Kind:    task.KindFunc,
			Target:  "report.generate",
			Payload: json.RawMessage(`{"week":34,"full":true}`),
		}
		mustPut(t, s, tsk)

		got, err := s.Get(ctx, "func-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		var decoded struct {
			Week int  `json:"week"`
			Full bool `json:"full"`
		}
		if err := json.Unmarshal(got.Action.Payload, &decoded); err != nil {
			t.Fatalf("payload did not survive: %v", err)
		}
		if decoded.Week != 34 || !decoded.Full {
			t.Errorf("payload = %+v", decoded)
		}
	})

	t.Run("attempt history round trip", func(t *testing.T) {
		s := open(t)
		finished := contractBase.Add(30 * time.Second)
		tsk := contractTask("hist-1", contractBase)
		tsk.AttemptCount = 1
		tsk.History = []task.Attempt{{
			Number:     1,
			StartedAt:  contractBase,
			FinishedAt: &finished,
			Outcome:    task.AttemptFailed,
			Output:     "partial output",
			Error:      "exit status 1",
		}}
		mustPut(t, s, tsk)

		got, err := s.Get(ctx, "hist-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(got.History) != 1 {
			t.Fatalf("History len = %d, want 1", len(got.History))
		}
		a := got.History[0]
		if a.Number != 1 || a.Outcome != task.AttemptFailed || a.Error != "exit status 1" {
			t.Errorf("attempt = %+v", a)
		}
		if a.FinishedAt == nil || !a.FinishedAt.Equal(finished) {
			t.Errorf("attempt finished_at = %v, want %v", a.FinishedAt, finished)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s := open(t)
		mustPut(t, s, contractTask("dup-1", contractBase))
		err := s.Put(ctx, contractTask("dup-1", contractBase))
		if !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("Put() = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("dependency must exist at put", func(t *testing.T) {
		s := open(t)
		tsk := contractTask("orphan-1", contractBase)
		tsk.Dependencies = []string{"no-such-task"}
		err := s.Put(ctx, tsk)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Put() = %v, want ErrNotFound", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get() = %v, want ErrNotFound", err)
		}
	})

	t.Run("list orders by creation time then id", func(t *testing.T) {
		s := open(t)
		mustPut(t, s,
			contractTask("late", contractBase.Add(2*time.Hour)),
			contractTask("tie-b", contractBase),
			contractTask("tie-a", contractBase),
			contractTask("mid", contractBase.Add(time.Hour)),
		)
		wantIDs(t, listIDs(t, s, Filter{}), []string{"tie-a", "tie-b", "mid", "late"})
	})

	t.Run("list filters", func(t *testing.T) {
		s := open(t)
		done := contractTask("done-1", time.Now().UTC().Add(-48*time.Hour))
		done.Status = task.StatusSucceeded
		urgent := contractTask("urgent-1", time.Now().UTC().Add(-47*time.Hour))
		urgent.Priority = task.PriorityCritical
		fresh := contractTask("fresh-1", time.Now().UTC())
		mustPut(t, s, done, urgent, fresh)

		wantIDs(t, listIDs(t, s, Filter{Statuses: []task.Status{task.StatusSucceeded}}), []string{"done-1"})
		wantIDs(t, listIDs(t, s, Filter{Priorities: []task.Priority{task.PriorityCritical}}), []string{"urgent-1"})
		wantIDs(t, listIDs(t, s, Filter{NewerThan: time.Hour}), []string{"fresh-1"})
		wantIDs(t, listIDs(t, s, Filter{OlderThan: 24 * time.Hour}), []string{"done-1", "urgent-1"})
	})

	t.Run("transition compare and swap", func(t *testing.T) {
		s := open(t)
		mustPut(t, s, contractTask("cas-1", contractBase))

		got, err := s.Transition(ctx, "cas-1", task.StatusQueued, task.StatusReady, nil)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if got.Status != task.StatusReady {
			t.Errorf("Transition() status = %s, want ready", got.Status)
		}

		// The same expectation again must fail: the task is no longer queued.
		_, err = s.Transition(ctx, "cas-1", task.StatusQueued, task.StatusReady, nil)
		if !errors.Is(err, ErrStaleState) {
			t.Fatalf("Transition() = %v, want ErrStaleState", err)
		}
		var stale *StaleStateError
		if !errors.As(err, &stale) {
			t.Fatalf("Transition() error is %T, want *StaleStateError", err)
		}
		if stale.Expected != task.StatusQueued || stale.Actual != task.StatusReady {
			t.Errorf("stale detail = %+v", stale)
		}

		// Store state must be unchanged by the failed call.
		after, err := s.Get(ctx, "cas-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if after.Status != task.StatusReady {
			t.Errorf("status after failed CAS = %s, want ready", after.Status)
		}
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		s := open(t)
		mustPut(t, s, contractTask("illegal-1", contractBase))
		_, err := s.Transition(ctx, "illegal-1", task.StatusQueued, task.StatusSucceeded, nil)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("Transition() = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("transition missing task", func(t *testing.T) {
		s := open(t)
		_, err := s.Transition(ctx, "ghost", task.StatusQueued, task.StatusReady, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Transition() = %v, want ErrNotFound", err)
		}
	})

	t.Run("mutator changes are persisted", func(t *testing.T) {
		s := open(t)
		mustPut(t, s, contractTask("mut-1", contractBase))
		if _, err := s.Transition(ctx, "mut-1", task.StatusQueued, task.StatusReady, nil); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}

		started := contractBase.Add(time.Hour)
		_, err := s.Transition(ctx, "mut-1", task.StatusReady, task.StatusRunning, func(tsk *task.Task) {
			tsk.AttemptCount++
			tsk.StartedAt = &started
			tsk.BeginAttempt(started)
		})
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}

		got, err := s.Get(ctx, "mut-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.AttemptCount != 1 {
			t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
		}
		if len(got.History) != 1 || got.History[0].Number != 1 {
			t.Errorf("History = %+v, want one open attempt", got.History)
		}
	})

	t.Run("remove terminal tasks", func(t *testing.T) {
		s := open(t)
		done := contractTask("rm-done", contractBase)
		done.Status = task.StatusSucceeded
		mustPut(t, s, done)

		n, err := s.Remove(ctx, []string{"rm-done", "never-existed"})
		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if n != 1 {
			t.Errorf("Remove() = %d, want 1", n)
		}
		if _, err := s.Get(ctx, "rm-done"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after remove = %v, want ErrNotFound", err)
		}
	})

	t.Run("remove refuses non-terminal", func(t *testing.T) {
		s := open(t)
		mustPut(t, s, contractTask("rm-queued", contractBase))
		_, err := s.Remove(ctx, []string{"rm-queued"})
		if !errors.Is(err, ErrNotTerminal) {
			t.Fatalf("Remove() = %v, want ErrNotTerminal", err)
		}
		if _, err := s.Get(ctx, "rm-queued"); err != nil {
			t.Errorf("task should have survived the refused remove: %v", err)
		}
	})

	t.Run("remove refuses referenced dependency", func(t *testing.T) {
		s := open(t)
		dep := contractTask("rm-dep", contractBase)
		dep.Status = task.StatusSucceeded
		child := contractTask("rm-child", contractBase.Add(time.Minute))
		child.Dependencies = []string{"rm-dep"}
		mustPut(t, s, dep, child)

		_, err := s.Remove(ctx, []string{"rm-dep"})
		if !errors.Is(err, ErrHasDependents) {
			t.Fatalf("Remove() = %v, want ErrHasDependents", err)
		}
	})

	t.Run("remove dependency and dependent together", func(t *testing.T) {
		s := open(t)
		dep := contractTask("rm-both-a", contractBase)
		dep.Status = task.StatusSucceeded
		child := contractTask("rm-both-b", contractBase.Add(time.Minute))
		child.Status = task.StatusSucceeded
		child.Dependencies = []string{"rm-both-a"}
		mustPut(t, s, dep, child)

		n, err := s.Remove(ctx, []string{"rm-both-a", "rm-both-b"})
		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if n != 2 {
			t.Errorf("Remove() = %d, want 2", n)
		}
	})

	t.Run("returned tasks are caller owned", func(t *testing.T) {
		s := open(t)
		tsk := contractTask("own-1", contractBase)
		tsk.Dependencies = nil
		mustPut(t, s, tsk)

		got, err := s.Get(ctx, "own-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		got.Name = "clobbered"
		got.Status = task.StatusFailed

		again, err := s.Get(ctx, "own-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if again.Name != "build own-1" || again.Status != task.StatusQueued {
			t.Errorf("mutating a returned task leaked into the store: %q/%s", again.Name, again.Status)
		}
	})
}
