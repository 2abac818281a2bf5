// Package saga runs long-lived conversations keyed by a saga id.
//
// Handlers are registered per (saga type, message type) with one of two
// roles. Initiating handlers may create a new instance; orchestrated
// handlers only run against a persisted instance found by the message's
// saga id. A saga whose IsCompleted flag is set after a handler runs is
// removed from the persister instead of saved.
package saga

import (
	"context"
	"errors"
	"fmt"
)

// ErrSagaNotFound is returned when an orchestrated message carries a saga id
// with no persisted instance.
var ErrSagaNotFound = errors.New("saga not found")

// Message is implemented by payloads that take part in correlation.
type Message interface {
	GetSagaID() string
}

// MessageBase is embedded in message types to satisfy Message.
type MessageBase struct {
	SagaID string `json:"saga_id,omitempty"`
}

func (m MessageBase) GetSagaID() string { return m.SagaID }

// Saga is the persisted conversation state. Implementations embed *Data or
// Data and are used through pointers.
type Saga interface {
	SagaID() string
	SetSagaID(id string)
	Completed() bool
}

// Data carries the identity and completion flag of a saga.
type Data struct {
	ID          string `json:"saga_id"`
	IsCompleted bool   `json:"is_completed"`
}

func (d *Data) SagaID() string      { return d.ID }
func (d *Data) SetSagaID(id string) { d.ID = id }
func (d *Data) Completed() bool     { return d.IsCompleted }

// MarkCompleted flags the saga for removal once the current handler returns.
func (d *Data) MarkCompleted() { d.IsCompleted = true }

// Persister stores saga instances. Save is an upsert keyed by saga id with
// last-write-wins semantics: there is no version check, so two handlers
// updating the same saga concurrently can lose one of the updates.
type Persister interface {
	// Find returns the saga stored under id. ok is false when there is none.
	Find(ctx context.Context, id string) (s Saga, ok bool, err error)
	Save(ctx context.Context, s Saga) error
	Complete(ctx context.Context, id string) error
}

// NotFoundError wraps ErrSagaNotFound with the lookup details.
type NotFoundError struct {
	SagaType    string
	MessageType string
	SagaID      string
}

func (e *NotFoundError) Error() string {
	if e.SagaID == "" {
		return fmt.Sprintf("%s: %s has no saga id for %s", ErrSagaNotFound, e.MessageType, e.SagaType)
	}
	return fmt.Sprintf("%s: %s %q (message %s)", ErrSagaNotFound, e.SagaType, e.SagaID, e.MessageType)
}

func (e *NotFoundError) Unwrap() error { return ErrSagaNotFound }
