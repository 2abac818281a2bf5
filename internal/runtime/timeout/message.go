// Package timeout schedules one-shot delayed re-delivery of messages and
// lets pending deliveries be cancelled.
package timeout

import (
	"reflect"
	"time"

	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
)

// Message is a pending delayed delivery. At is fixed at creation.
type Message struct {
	ID             string
	Duration       time.Duration
	Created        time.Time
	At             time.Time
	DelayedMessage any
}

// NewMessage schedules payload for delivery duration after created.
func NewMessage(duration time.Duration, payload any, created time.Time) *Message {
	return &Message{
		ID:             idspkg.NewAt(created),
		Duration:       duration,
		Created:        created,
		At:             created.Add(duration),
		DelayedMessage: payload,
	}
}

// HasExpired reports whether At has passed.
func (m *Message) HasExpired() bool {
	return m.ExpiredAt(time.Now())
}

// ExpiredAt reports whether At is at or before now.
func (m *Message) ExpiredAt(now time.Time) bool {
	return !now.Before(m.At)
}

// correlated is the saga message contract: anything exposing its SagaId.
type correlated interface {
	GetSagaID() string
}

// Matches reports whether a cancellation payload targets a pending delayed
// message. Types must be identical. When the cancellation carries a saga id
// the pending message must carry the same one; otherwise every pending
// message of the type matches.
func Matches(pending, cancel any) bool {
	if pending == nil || cancel == nil {
		return false
	}
	if reflect.TypeOf(pending) != reflect.TypeOf(cancel) {
		return false
	}
	c, ok := cancel.(correlated)
	if !ok {
		return true
	}
	p, ok := pending.(correlated)
	return ok && p.GetSagaID() == c.GetSagaID()
}

// SagaIDOf returns the saga id carried by payload, if any.
func SagaIDOf(payload any) (string, bool) {
	c, ok := payload.(correlated)
	if !ok {
		return "", false
	}
	return c.GetSagaID(), true
}
