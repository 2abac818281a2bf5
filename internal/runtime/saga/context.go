package saga

import (
	"context"
	"fmt"
	"time"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// Context is passed to saga handlers. It scopes timeouts to the saga being
// handled.
type Context struct {
	context.Context

	engine   *Engine
	sagaID   string
	envelope *envelopepkg.Envelope
}

func (c *Context) SagaID() string { return c.sagaID }

// Envelope returns the envelope being handled, or the null envelope when
// the engine was called directly.
func (c *Context) Envelope() *envelopepkg.Envelope { return c.envelope }

// Publish hands payload to the bus. A saga may publish to itself.
func (c *Context) Publish(payload any) error {
	if c.engine.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	return c.engine.publisher.Publish(c, payload)
}

// RequestTimeout schedules payload for delivery after d and returns the
// timeout id. Payloads that carry a saga id must carry this saga's id.
func (c *Context) RequestTimeout(d time.Duration, payload any) (string, error) {
	if c.engine.timeouts == nil {
		return "", fmt.Errorf("saga %s: no timeout service configured", c.sagaID)
	}
	if err := c.checkScope(payload); err != nil {
		return "", err
	}
	m, err := c.engine.timeouts.RegisterTimeout(c, d, payload)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// CancelTimeout cancels this saga's pending timeouts of the payload's type.
func (c *Context) CancelTimeout(payload any) (int, error) {
	if c.engine.timeouts == nil {
		return 0, fmt.Errorf("saga %s: no timeout service configured", c.sagaID)
	}
	if err := c.checkScope(payload); err != nil {
		return 0, err
	}
	return c.engine.timeouts.RegisterCancellation(c, payload)
}

func (c *Context) checkScope(payload any) error {
	m, ok := payload.(Message)
	if !ok {
		return nil
	}
	if m.GetSagaID() != c.sagaID {
		return fmt.Errorf("saga %s: payload %T carries saga id %q", c.sagaID, payload, m.GetSagaID())
	}
	return nil
}
