package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBusRequired          = sterrors.New("flowbus: bus is required")
	ErrConfigRequired       = sterrors.New("flowbus: configuration is required")
	ErrLoggerRequired       = sterrors.New("flowbus: logger is required")
	ErrTargetRequired       = sterrors.New("flowbus: endpoint target is required")
	ErrChannelNameRequired  = sterrors.New("flowbus: channel name is required")
	ErrEndpointNameRequired = sterrors.New("flowbus: endpoint name is required")
	ErrMethodRequired       = sterrors.New("flowbus: scheduled endpoint requires a method name")
	ErrPayloadRequired      = sterrors.New("flowbus: message payload is required")
	ErrPersisterRequired    = sterrors.New("flowbus: persister is required")
	ErrPublisherRequired    = sterrors.New("flowbus: publisher is required")
	ErrAlreadyStarted       = sterrors.New("flowbus: already started")
	ErrBusClosed            = sterrors.New("flowbus: bus is closed")
	ErrNoRoute              = sterrors.New("flowbus: no channel subscribed for payload type")
)

// ConfigValidationError wraps the aggregated validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("flowbus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
