package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/tomb.v2"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

type InboundOptions struct {
	Topic  string
	Logger loggingpkg.ServiceLogger
}

// Inbound subscribes to one topic and buffers decoded envelopes until the
// bus receives them. Messages are acked once buffered; messages that fail
// to decode are logged and acked so they are not redelivered forever.
type Inbound struct {
	uri        string
	topic      string
	subscriber message.Subscriber
	codec      *Codec
	buffer     *channelpkg.QueueChannel
	logger     loggingpkg.ServiceLogger

	mu   sync.Mutex
	tomb *tomb.Tomb
}

func NewInbound(t Transport, codec *Codec, opts InboundOptions) (*Inbound, error) {
	if t.Subscriber == nil {
		return nil, fmt.Errorf("inbound adapter: subscriber is required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("inbound adapter: %w", errspkg.ErrChannelNameRequired)
	}
	if codec == nil {
		codec = NewCodec(nil)
	}
	uri := URI(t.Name, opts.Topic)
	return &Inbound{
		uri:        uri,
		topic:      opts.Topic,
		subscriber: t.Subscriber,
		codec:      codec,
		buffer:     channelpkg.NewQueue(uri),
		logger:     loggingpkg.Component(opts.Logger, "inbound").With(loggingpkg.LogFields{"uri": uri}),
	}, nil
}

func (a *Inbound) URI() string { return a.uri }

// Start subscribes to the topic. The subscription ends with ctx or Stop.
func (a *Inbound) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tomb != nil && a.tomb.Alive() {
		return errspkg.ErrAlreadyStarted
	}

	t, tctx := tomb.WithContext(ctx)
	messages, err := a.subscriber.Subscribe(tctx, a.topic)
	if err != nil {
		t.Kill(nil)
		return fmt.Errorf("subscribe %s: %w", a.uri, err)
	}
	a.tomb = t
	t.Go(func() error { return a.consume(t, messages) })
	a.logger.Info("Inbound adapter started", nil)
	return nil
}

func (a *Inbound) consume(t *tomb.Tomb, messages <-chan *message.Message) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			e, err := a.codec.Unmarshal(msg)
			if err != nil {
				a.logger.Error("Dropping undecodable message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
				msg.Ack()
				continue
			}
			a.buffer.Send(e)
			msg.Ack()
		}
	}
}

func (a *Inbound) Stop() error {
	a.mu.Lock()
	t := a.tomb
	a.mu.Unlock()
	if t == nil {
		return nil
	}

	t.Kill(nil)
	err := t.Wait()
	a.logger.Info("Inbound adapter stopped", nil)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Inbound) Receive(timeout time.Duration) *envelopepkg.Envelope {
	return a.buffer.Receive(timeout)
}

// Pending returns the number of buffered envelopes.
func (a *Inbound) Pending() int { return a.buffer.Len() }
