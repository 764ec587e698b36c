package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Filter narrows List results. The zero value matches every task.
type Filter struct {
	Statuses   []task.Status   // match any of these statuses
	Priorities []task.Priority // match any of these priorities
	OlderThan  time.Duration   // match tasks last updated at least this long ago
	NewerThan  time.Duration   // match tasks last updated at most this long ago
}

// Match reports whether t passes the filter at the given instant. Age is
// measured from updated_at, so retention sweeps spare recently finished
// tasks however old their enqueue.
func (f Filter) Match(t *task.Task, now time.Time) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, t.Priority) {
		return false
	}
	age := now.Sub(t.UpdatedAt)
	if f.OlderThan > 0 && age < f.OlderThan {
		return false
	}
	if f.NewerThan > 0 && age > f.NewerThan {
		return false
	}
	return true
}

func containsStatus(set []task.Status, s task.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(set []task.Priority, p task.Priority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}

// Mutator adjusts task fields during a transition. It runs after the status
// compare succeeds and before the mutation is persisted.
type Mutator func(*task.Task)

// Store is the persistence contract for the queue. Implementations persist
// every mutation durably before returning, and reads hand back caller-owned
// copies. List results are ordered by creation time, then ID.
type Store interface {
	// Put inserts a new task. Returns ErrDuplicateID when the ID exists.
	Put(ctx context.Context, t *task.Task) error

	// Get fetches one task by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*task.Task, error)

	// List returns all tasks passing the filter.
	List(ctx context.Context, f Filter) ([]*task.Task, error)

	// Transition applies a compare-and-swap status change. It fails with a
	// *StaleStateError when the current status differs from expected, and
	// with ErrIllegalTransition when the edge is not in the lifecycle table.
	// The mutator, if any, runs on the task after the status flips.
	Transition(ctx context.Context, id string, expected, next task.Status, mutate Mutator) (*task.Task, error)

	// Remove deletes tasks by ID and reports how many were deleted. Missing
	// IDs are skipped. A non-terminal ID aborts the whole batch with
	// ErrNotTerminal; an ID still referenced by a surviving task aborts
	// with ErrHasDependents.
	Remove(ctx context.Context, ids []string) (int, error)

	Close() error
}

// applyTransition validates and applies a status change in place.
// UpdatedAt is stamped on success.
func applyTransition(t *task.Task, expected, next task.Status, mutate Mutator, now time.Time) error {
	if t.Status != expected {
		return &StaleStateError{ID: t.ID, Expected: expected, Actual: t.Status}
	}
	if !task.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}
	t.Status = next
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = now
	return nil
}

// sortTasks orders tasks by creation time, then ID, matching the List
// contract for every backend.
func sortTasks(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
