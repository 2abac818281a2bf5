package transport

import (
	"context"
	"fmt"
	"time"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
)

// Adapter is the lifecycle every adapter shares. URI names the external
// destination as scheme://topic.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	URI() string
}

// InboundAdapter hands envelopes arriving from outside to the bus.
type InboundAdapter interface {
	Adapter
	// Receive waits up to timeout and returns the null envelope when
	// nothing arrived.
	Receive(timeout time.Duration) *envelopepkg.Envelope
}

// OutboundAdapter delivers envelopes to an external destination.
type OutboundAdapter interface {
	Adapter
	// Send returns a *NonDeliveredMessageError once the adapter's retry
	// policy is exhausted.
	Send(ctx context.Context, e *envelopepkg.Envelope) error
}

// NonDeliveredMessageError carries an envelope an outbound adapter gave up
// on, for replay or inspection.
type NonDeliveredMessageError struct {
	URI      string
	Envelope *envelopepkg.Envelope
	Err      error
}

func (e *NonDeliveredMessageError) Error() string {
	return fmt.Sprintf("transport: envelope %s not delivered to %s: %v", e.Envelope.Header.ID, e.URI, e.Err)
}

func (e *NonDeliveredMessageError) Unwrap() error { return e.Err }

// URI builds the scheme://topic form used to name adapters.
func URI(transportName, topic string) string {
	return transportName + "://" + topic
}
