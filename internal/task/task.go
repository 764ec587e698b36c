package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"    // Waiting for dependencies
	StatusReady     Status = "ready"     // Dependencies satisfied, waiting for the worker
	StatusRunning   Status = "running"   // Currently executing
	StatusSucceeded Status = "succeeded" // Finished successfully
	StatusFailed    Status = "failed"    // Failed permanently or exhausted its attempt budget
	StatusRetrying  Status = "retrying"  // Failed transiently, waiting out backoff
	StatusCancelled Status = "cancelled" // Explicitly cancelled
)

// Terminal reports whether the status is final. Terminal tasks never run
// again without an explicit requeue.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusReady, StatusRunning, StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// TerminalStatuses returns the three terminal statuses.
func TerminalStatuses() []Status {
	return []Status{StatusSucceeded, StatusFailed, StatusCancelled}
}

// Priority determines scheduling order between unrelated tasks.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the scheduling ordinal for the priority. Lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority converts a string to a Priority.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// ActionKind tags the variant of an Action.
type ActionKind string

const (
	KindShell ActionKind = "shell" // Run an external command
	KindFunc  ActionKind = "func"  // Invoke a registered handler function
)

// Action describes what a task executes. It is a tagged variant: Kind
// selects the interpretation of the remaining fields.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind" toml:"kind" validate:"required,oneof=shell func"`

	// Target is the executable path for shell actions, or the registered
	// handler name for func actions.
	Target string `json:"target" yaml:"target" toml:"target" validate:"required"`

	// Args is the argument list passed to shell actions.
	Args []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`

	// Payload is opaque input handed to func action handlers.
	Payload json.RawMessage `json:"payload,omitempty" yaml:"payload,omitempty" toml:"payload,omitempty"`
}

// Attempt outcome labels recorded in a task's history.
const (
	AttemptSucceeded   = "succeeded"
	AttemptFailed      = "failed"
	AttemptRetrying    = "retrying"
	AttemptCancelled   = "cancelled"
	AttemptInterrupted = "interrupted"
)

// Attempt records one execution attempt for auditing.
type Attempt struct {
	Number     int        `json:"number" yaml:"number" toml:"number"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at" toml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty" toml:"finished_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty" yaml:"outcome,omitempty" toml:"outcome,omitempty"`
	Output     string     `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

// Task is a unit of work in the queue.
type Task struct {
	ID           string     `json:"id" yaml:"id" toml:"id" validate:"required,uuid"`
	Name         string     `json:"name" yaml:"name" toml:"name" validate:"required,min=1,max=200"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Priority     Priority   `json:"priority" yaml:"priority" toml:"priority" validate:"required,oneof=critical high medium low"`
	Status       Status     `json:"status" yaml:"status" toml:"status"`
	Dependencies []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty" validate:"omitempty,dive,uuid"`
	Action       Action     `json:"action" yaml:"action" toml:"action"`
	AttemptCount int        `json:"attempt_count" yaml:"attempt_count" toml:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=1,lte=100"`
	LastError    string     `json:"last_error,omitempty" yaml:"last_error,omitempty" toml:"last_error,omitempty"`
	History      []Attempt  `json:"history,omitempty" yaml:"history,omitempty" toml:"history,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at" toml:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty" toml:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty" toml:"completed_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty" toml:"next_retry_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Action.Args != nil {
		cp.Action.Args = append([]string(nil), t.Action.Args...)
	}
	if t.Action.Payload != nil {
		cp.Action.Payload = append(json.RawMessage(nil), t.Action.Payload...)
	}
	if t.History != nil {
		cp.History = make([]Attempt, len(t.History))
		for i, a := range t.History {
			cp.History[i] = a
			if a.FinishedAt != nil {
				ft := *a.FinishedAt
				cp.History[i].FinishedAt = &ft
			}
		}
	}
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.NextRetryAt = cloneTime(t.NextRetryAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// BeginAttempt opens a new attempt record. Callers increment AttemptCount
// in the same mutation so the record number matches the running attempt.
func (t *Task) BeginAttempt(now time.Time) {
	t.History = append(t.History, Attempt{
		Number:    t.AttemptCount,
		StartedAt: now,
	})
}

// EndAttempt closes the most recent open attempt record. It is a no-op when
// no attempt is open, which happens after a manual requeue cleared history.
func (t *Task) EndAttempt(now time.Time, outcome, output, errMsg string) {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].FinishedAt == nil {
			finished := now
			t.History[i].FinishedAt = &finished
			t.History[i].Outcome = outcome
			t.History[i].Output = output
			t.History[i].Error = errMsg
			return
		}
	}
}

// transitions lists the legal status edges. Terminal statuses have no
// outgoing edges except the manual failed->queued requeue.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusReady, StatusCancelled},
	StatusReady:    {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusReady, StatusCancelled},
	StatusFailed:   {StatusQueued},
}

// CanTransition reports whether moving from one status to another follows a
// legal lifecycle edge.
func CanTransition(from, next Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}
