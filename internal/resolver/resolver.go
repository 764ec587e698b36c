// Package resolver validates task dependency graphs and computes which
// tasks are runnable. It is stateless: every function operates on a
// snapshot of tasks loaded from the store.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/conveyorhq/conveyor/internal/task"
)

var (
	// ErrCyclicDependency reports that an insert would close a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency reports a dependency on a task ID not in the store.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError carries the IDs participating in a detected cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// Index builds an ID lookup map over a snapshot.
func Index(tasks []*task.Task) map[string]*task.Task {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// Check validates that adding candidate to the snapshot keeps the graph
// fully referenced and acyclic. It must pass before the candidate is
// persisted; on failure the store is left untouched by the caller.
func Check(snapshot []*task.Task, candidate *task.Task) error {
	byID := Index(snapshot)

	for _, dep := range candidate.Dependencies {
		if dep == candidate.ID {
			return &CycleError{Path: []string{candidate.ID, candidate.ID}}
		}
		if _, ok := byID[dep]; !ok {
			return fmt.Errorf("task %q depends on non-existent task %q: %w", candidate.ID, dep, ErrUnknownDependency)
		}
	}

	combined := make([]*task.Task, 0, len(snapshot)+1)
	combined = append(combined, snapshot...)
	combined = append(combined, candidate)
	if _, err := Validate(combined); err != nil {
		return err
	}
	return nil
}

// Validate runs a topological sort over the snapshot using
// gammazero/toposort. Returns ordered task IDs, or an error naming the
// cycle participants when the graph is not a DAG. Dependencies on IDs
// missing from the snapshot are also rejected.
func Validate(tasks []*task.Task) ([]string, error) {
	byID := Index(tasks)

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on non-existent task %q: %w", t.ID, dep, ErrUnknownDependency)
			}
		}
	}

	// Build edges for topological sort. Edge (dep, id) means dep must
	// come before id; tasks without dependencies get an edge from nil so
	// the sort still includes them.
	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Dependencies {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if path := findCycle(tasks, byID); len(path) > 0 {
			return nil, &CycleError{Path: path}
		}
		return nil, fmt.Errorf("%v: %w", err, ErrCyclicDependency)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks: %w", len(tasks)-len(order), ErrCyclicDependency)
	}
	return order, nil
}

// findCycle walks dependency edges depth-first and returns the first
// cycle it encounters, closed (first ID repeated at the end).
func findCycle(tasks []*task.Task, byID map[string]*task.Task) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		t := byID[id]
		if t != nil {
			for _, dep := range t.Dependencies {
				switch color[dep] {
				case gray:
					// Found the back edge; slice the path from dep onward.
					for i, v := range stack {
						if v == dep {
							return append(append([]string(nil), stack[i:]...), dep)
						}
					}
				case white:
					if path := visit(dep); path != nil {
						return path
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if path := visit(t.ID); path != nil {
				return path
			}
		}
	}
	return nil
}

// Ready reports whether t is queued with every dependency succeeded.
func Ready(t *task.Task, byID map[string]*task.Task) bool {
	if t.Status != task.StatusQueued {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusSucceeded {
			return false
		}
	}
	return true
}

// Blocked reports whether t is queued behind a dependency that can never
// succeed. A failed or cancelled dependency blocks its dependents until an
// operator retries or removes it; a dependency missing from the snapshot
// blocks forever.
func Blocked(t *task.Task, byID map[string]*task.Task) bool {
	if t.Status != task.StatusQueued {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return true
		}
		if d.Status == task.StatusFailed || d.Status == task.StatusCancelled {
			return true
		}
	}
	return false
}

// ReadyTasks returns the queued tasks from the snapshot whose dependencies
// are all satisfied.
func ReadyTasks(snapshot []*task.Task) []*task.Task {
	byID := Index(snapshot)
	ready := []*task.Task{}
	for _, t := range snapshot {
		if Ready(t, byID) {
			ready = append(ready, t)
		}
	}
	return ready
}

// BlockedTasks returns the queued tasks from the snapshot waiting on a
// dependency that can never succeed.
func BlockedTasks(snapshot []*task.Task) []*task.Task {
	byID := Index(snapshot)
	blocked := []*task.Task{}
	for _, t := range snapshot {
		if Blocked(t, byID) {
			blocked = append(blocked, t)
		}
	}
	return blocked
}
