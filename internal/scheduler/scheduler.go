// Package scheduler orders tasks for execution. The order is a pure
// function of the task set: priority rank first, then creation time, then
// ID, so any two schedulers looking at the same store state agree on what
// runs next.
package scheduler

import (
	"sort"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Less reports whether a runs before b: higher priority first, then older
// creation time, then smaller ID. No two tasks compare equal because IDs
// are unique.
func Less(a, b *task.Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Order returns a new slice with the tasks sorted into execution order.
// The input is never mutated.
func Order(tasks []*task.Task) []*task.Task {
	out := append([]*task.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Next returns the ready task that should run first, or nil when nothing
// is ready.
func Next(tasks []*task.Task) *task.Task {
	var best *task.Task
	for _, t := range tasks {
		if t.Status != task.StatusReady {
			continue
		}
		if best == nil || Less(t, best) {
			best = t
		}
	}
	return best
}
