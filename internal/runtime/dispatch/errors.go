package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a DispatchError.
type Kind int

const (
	KindNoHandler Kind = iota + 1
	KindAmbiguous
	KindHandlerFailed
	KindUnknownMethod
)

var (
	ErrNoHandler     = errors.New("no matching handler")
	ErrAmbiguous     = errors.New("ambiguous handler match")
	ErrHandlerFailed = errors.New("handler failed")
	ErrUnknownMethod = errors.New("unknown handler method")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNoHandler:
		return ErrNoHandler
	case KindAmbiguous:
		return ErrAmbiguous
	case KindHandlerFailed:
		return ErrHandlerFailed
	case KindUnknownMethod:
		return ErrUnknownMethod
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

// DispatchError reports why a payload could not be handled. Match the kind
// with errors.Is against ErrNoHandler, ErrAmbiguous, ErrHandlerFailed or
// ErrUnknownMethod; the handler's own error is reachable with errors.As.
type DispatchError struct {
	Kind        Kind
	Target      string
	Method      string
	MessageType string
	// Candidates lists the methods involved in an ambiguous match.
	Candidates []string
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s", e.Target)
	if e.Method != "" {
		msg += "." + e.Method
	}
	if e.MessageType != "" {
		msg += fmt.Sprintf(" (%s)", e.MessageType)
	}
	msg += ": " + e.Kind.String()
	if len(e.Candidates) > 0 {
		msg += fmt.Sprintf(" %v", e.Candidates)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
