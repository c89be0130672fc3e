package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is what the engine hands to a Bus: the decoded payload plus the
// identifiers a transport needs to ship it.
type Message struct {
	ID            uuid.UUID
	Type          string
	Payload       any
	OccurredOnUTC time.Time
	Attempt       int
}

// Bus ships a message to the broker. Delivery is at least once: Publish may
// be called again for the same ID after a crash or transient failure, so
// transports should forward ID as the broker-level message id.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
}

// BusFunc adapts a function to Bus.
type BusFunc func(ctx context.Context, msg Message) error

func (f BusFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
