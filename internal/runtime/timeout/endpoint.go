package timeout

import (
	"context"
	"time"
)

// Request asks for Message to be published after Duration.
type Request struct {
	Duration time.Duration
	Message  any
}

// CancelRequest cancels pending timeouts matched by Message.
type CancelRequest struct {
	Message any
}

// Endpoint exposes the service as a dispatch target so timeouts can be
// requested by sending a message.
type Endpoint struct {
	service *Service
}

func NewEndpoint(s *Service) *Endpoint {
	return &Endpoint{service: s}
}

func (e *Endpoint) HandleRequest(ctx context.Context, r Request) error {
	_, err := e.service.RegisterTimeout(ctx, r.Duration, r.Message)
	return err
}

func (e *Endpoint) HandleCancel(ctx context.Context, r CancelRequest) error {
	_, err := e.service.RegisterCancellation(ctx, r.Message)
	return err
}
