package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicQueue = "queue"
)

// Event type constants
const (
	EventTypeTaskEnqueued  = "task.enqueued"
	EventTypeTaskReady     = "task.ready"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskSucceeded = "task.succeeded"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskRequeued  = "task.requeued"
	EventTypeQueueDrained  = "queue.drained"
)

// TaskEnqueuedEvent is published when a task is accepted into the queue.
type TaskEnqueuedEvent struct {
	ID           string
	Name         string
	Priority     string
	Dependencies []string
	Timestamp    time.Time
}

func (e TaskEnqueuedEvent) EventType() string { return EventTypeTaskEnqueued }
func (e TaskEnqueuedEvent) TaskID() string    { return e.ID }

// TaskReadyEvent is published when a task's dependencies are all satisfied.
type TaskReadyEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task begins an execution attempt.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskSucceededEvent is published when a task completes successfully.
type TaskSucceededEvent struct {
	ID        string
	Name      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed attempt schedules a retry.
type TaskRetryingEvent struct {
	ID        string
	Name      string
	Attempt   int
	Err       string
	NextRetry time.Time
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails with no retries left or
// with a permanent error.
type TaskFailedEvent struct {
	ID        string
	Name      string
	Attempt   int
	Err       string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskRequeuedEvent is published when a terminal task is put back in the
// queue by a retry command.
type TaskRequeuedEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskRequeuedEvent) EventType() string { return EventTypeTaskRequeued }
func (e TaskRequeuedEvent) TaskID() string    { return e.ID }

// QueueDrainedEvent is published when a drain pass finishes with nothing
// left to run.
type QueueDrainedEvent struct {
	Remaining int // non-terminal tasks still in the store
	Blocked   int // queued tasks waiting on a dependency that cannot succeed
	Timestamp time.Time
}

func (e QueueDrainedEvent) EventType() string { return EventTypeQueueDrained }
func (e QueueDrainedEvent) TaskID() string    { return "" }
