package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

// ErrAdapterStopped is returned by Send on an adapter that is not started.
var ErrAdapterStopped = errors.New("transport: adapter not started")

// ErrMessageTooLarge is returned without retrying when the encoded payload
// exceeds the transport's MaxMessageSize.
var ErrMessageTooLarge = errors.New("transport: message exceeds transport size limit")

// RetryConfig tunes the outbound exponential backoff.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf limits retries to matching errors. Nil retries everything.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

type OutboundOptions struct {
	Topic string
	Retry RetryConfig
	// Capabilities defaults to the ones registered for the transport name.
	Capabilities *Capabilities
	Logger       loggingpkg.ServiceLogger
	// OnUndelivered observes every envelope given up on.
	OnUndelivered func(err *NonDeliveredMessageError)
}

// Outbound publishes envelopes to one topic of a Watermill publisher.
type Outbound struct {
	uri           string
	topic         string
	publisher     message.Publisher
	codec         *Codec
	caps          Capabilities
	publish       message.HandlerFunc
	logger        loggingpkg.ServiceLogger
	onUndelivered func(*NonDeliveredMessageError)

	mu      sync.RWMutex
	running bool
}

func NewOutbound(t Transport, codec *Codec, opts OutboundOptions) (*Outbound, error) {
	if t.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("outbound adapter: %w", errspkg.ErrChannelNameRequired)
	}
	if codec == nil {
		codec = NewCodec(nil)
	}
	caps := GetCapabilities(t.Name)
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	o := &Outbound{
		uri:           URI(t.Name, opts.Topic),
		topic:         opts.Topic,
		publisher:     t.Publisher,
		codec:         codec,
		caps:          caps,
		onUndelivered: opts.OnUndelivered,
	}
	o.logger = loggingpkg.Component(opts.Logger, "outbound").With(loggingpkg.LogFields{"uri": o.uri})

	retry := opts.Retry.withDefaults()
	o.publish = middleware.Retry{
		MaxRetries:      retry.MaxRetries,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if retry.RetryIf != nil {
				return retry.RetryIf(params.Err)
			}
			return true
		},
		OnRetryHook: func(retryNum int, delay time.Duration) {
			o.logger.Debug("Retrying publish", loggingpkg.LogFields{"attempt": retryNum, "delay": delay})
		},
	}.Middleware(func(msg *message.Message) ([]*message.Message, error) {
		return nil, o.publisher.Publish(o.topic, msg)
	})
	return o, nil
}

func (o *Outbound) URI() string { return o.uri }

func (o *Outbound) Start(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errspkg.ErrAlreadyStarted
	}
	o.running = true
	return nil
}

// Stop makes further sends fail. The publisher is owned by the transport and
// stays open.
func (o *Outbound) Stop() error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return nil
}

// Send encodes e and publishes it, retrying with exponential backoff. Codec
// failures are returned as is since retrying cannot fix them.
func (o *Outbound) Send(ctx context.Context, e *envelopepkg.Envelope) error {
	if e.IsNull() {
		return nil
	}
	o.mu.RLock()
	running := o.running
	o.mu.RUnlock()
	if !running {
		return o.undelivered(e, ErrAdapterStopped)
	}

	msg, err := o.codec.Marshal(e)
	if err != nil {
		return err
	}
	if !o.caps.Fits(len(msg.Payload)) {
		return o.undelivered(e, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(msg.Payload), o.caps.MaxMessageSize))
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if _, err := o.publish(msg); err != nil {
		return o.undelivered(e, err)
	}
	return nil
}

func (o *Outbound) undelivered(e *envelopepkg.Envelope, err error) error {
	nd := &NonDeliveredMessageError{URI: o.uri, Envelope: e, Err: err}
	o.logger.Error("Envelope not delivered", err, loggingpkg.LogFields{"envelope_id": e.Header.ID})
	if o.onUndelivered != nil {
		o.onUndelivered(nd)
	}
	return nd
}
