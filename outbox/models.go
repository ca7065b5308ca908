package outbox

import "time"

// Status is the delivery lifecycle of an outbox message. processed and dead
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      Status
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}
