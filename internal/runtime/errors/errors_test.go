package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrBusRequired", ErrBusRequired, "flowbus: bus is required"},
		{"ErrConfigRequired", ErrConfigRequired, "flowbus: configuration is required"},
		{"ErrTargetRequired", ErrTargetRequired, "flowbus: endpoint target is required"},
		{"ErrChannelNameRequired", ErrChannelNameRequired, "flowbus: channel name is required"},
		{"ErrMethodRequired", ErrMethodRequired, "flowbus: scheduled endpoint requires a method name"},
		{"ErrPersisterRequired", ErrPersisterRequired, "flowbus: persister is required"},
		{"ErrBusClosed", ErrBusClosed, "flowbus: bus is closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	if got := err.Error(); got != "flowbus: invalid configuration: invalid port" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("expected ConfigValidationError to unwrap to the inner error")
	}
}
