package store

import (
	"errors"
	"fmt"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Sentinel errors returned by Store implementations. Callers match them
// with errors.Is; the typed wrappers below carry detail.
var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already exists")
	ErrStaleState        = errors.New("task status changed concurrently")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotTerminal       = errors.New("task not in a terminal status")
	ErrHasDependents     = errors.New("task still referenced by other tasks")
	ErrCorrupted         = errors.New("store corrupted")
)

// StaleStateError reports a compare-and-swap failure: the task's status was
// not the one the caller expected.
type StaleStateError struct {
	ID       string
	Expected task.Status
	Actual   task.Status
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("task %s: expected status %q, found %q", e.ID, e.Expected, e.Actual)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

// CorruptionError reports a store whose contents failed verification and
// could not be recovered from backup.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store %s corrupted: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }
