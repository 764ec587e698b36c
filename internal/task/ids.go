package task

import "github.com/google/uuid"

// NewID returns a unique task ID. UUIDv7 embeds a millisecond timestamp, so
// IDs sort roughly by creation time and work as the final FIFO tie-break.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
