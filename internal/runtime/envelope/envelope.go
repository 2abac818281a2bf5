// Package envelope holds the unit routed through channels: a payload plus
// routing and correlation metadata.
package envelope

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"time"

	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
)

// Header carries routing and correlation metadata.
type Header struct {
	ID            string
	CorrelationID string
	// InputChannel is stamped by the channel the envelope was last sent to.
	InputChannel string
	// ReplyChannel names the channel a reply should be sent to, if any.
	ReplyChannel   string
	SequenceNumber int
	SequenceSize   int
	CreatedAt      time.Time
	Properties     map[string]string
}

// Body wraps an opaque payload.
type Body struct {
	payload any
}

// Payload returns the stored value.
func (b Body) Payload() any { return b.payload }

// Type returns the runtime type of the payload, or nil for an empty body.
func (b Body) Type() reflect.Type { return reflect.TypeOf(b.payload) }

type Envelope struct {
	Header Header
	Body   Body
}

var null = &Envelope{}

// Null returns the sentinel meaning "no message". It is never nil.
func Null() *Envelope { return null }

// IsNull reports whether e is the sentinel. A nil pointer also counts.
func (e *Envelope) IsNull() bool { return e == nil || e == null }

// New wraps payload in a fresh envelope with a new id.
func New(payload any) *Envelope {
	return &Envelope{
		Header: Header{
			ID:         idspkg.New(),
			CreatedAt:  time.Now().UTC(),
			Properties: make(map[string]string),
		},
		Body: Body{payload: payload},
	}
}

// Payload is shorthand for e.Body.Payload(). The sentinel has no payload.
func (e *Envelope) Payload() any {
	if e.IsNull() {
		return nil
	}
	return e.Body.payload
}

// Reply wraps payload in a new envelope correlated with e.
func (e *Envelope) Reply(payload any) *Envelope {
	reply := New(payload)
	if e.IsNull() {
		return reply
	}
	reply.Header.CorrelationID = e.CorrelationKey()
	reply.Header.SequenceNumber = e.Header.SequenceNumber
	reply.Header.SequenceSize = e.Header.SequenceSize
	return reply
}

// CorrelationKey returns the correlation id, falling back to the envelope id.
func (e *Envelope) CorrelationKey() string {
	if e.IsNull() {
		return ""
	}
	if e.Header.CorrelationID != "" {
		return e.Header.CorrelationID
	}
	return e.Header.ID
}

// Clone returns a shallow copy with its own property map. The sentinel clones
// to itself.
func (e *Envelope) Clone() *Envelope {
	if e.IsNull() {
		return null
	}
	c := *e
	c.Header.Properties = maps.Clone(e.Header.Properties)
	if c.Header.Properties == nil {
		c.Header.Properties = make(map[string]string)
	}
	return &c
}

// Property returns a header property.
func (e *Envelope) Property(key string) string {
	if e.IsNull() {
		return ""
	}
	return e.Header.Properties[key]
}

// SetProperty sets a header property. It is a no-op on the sentinel.
func (e *Envelope) SetProperty(key, value string) {
	if e.IsNull() {
		return
	}
	if e.Header.Properties == nil {
		e.Header.Properties = make(map[string]string)
	}
	e.Header.Properties[key] = value
}

func (e *Envelope) String() string {
	if e.IsNull() {
		return "Envelope(null)"
	}
	return fmt.Sprintf("Envelope(id=%s, type=%v, channel=%s)", e.Header.ID, e.Body.Type(), e.Header.InputChannel)
}

// TypeMismatchError is returned by As when the payload is not of the
// requested type.
type TypeMismatchError struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *TypeMismatchError) Error() string {
	got := "<nil>"
	if e.Got != nil {
		got = e.Got.String()
	}
	return fmt.Sprintf("envelope: payload type mismatch: want %s, got %s", e.Want, got)
}

// As returns the payload as T, or a *TypeMismatchError when it is something
// else. Interface types match any payload implementing them.
func As[T any](e *Envelope) (T, error) {
	var zero T
	payload := e.Payload()
	if v, ok := payload.(T); ok && payload != nil {
		return v, nil
	}
	return zero, &TypeMismatchError{
		Want: reflect.TypeFor[T](),
		Got:  reflect.TypeOf(payload),
	}
}

// MustAs is As for callers that already checked the type.
func MustAs[T any](e *Envelope) T {
	v, err := As[T](e)
	if err != nil {
		panic(err)
	}
	return v
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying e. Handlers use FromContext to
// reach the headers of the envelope being dispatched.
func NewContext(ctx context.Context, e *Envelope) context.Context {
	return context.WithValue(ctx, contextKey{}, e)
}

// FromContext returns the envelope stored by NewContext, or the sentinel.
func FromContext(ctx context.Context) *Envelope {
	if ctx == nil {
		return null
	}
	if e, ok := ctx.Value(contextKey{}).(*Envelope); ok && e != nil {
		return e
	}
	return null
}
