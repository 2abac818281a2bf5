package runtime

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/tomb.v2"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	pipelinepkg "github.com/drblury/flowbus/internal/runtime/pipeline"
	"github.com/drblury/flowbus/transport"
)

type pump func(ctx context.Context, t *tomb.Tomb) error

// ConnectInbound forwards every envelope a receives onto channelName.
func (b *Bus) ConnectInbound(a transport.InboundAdapter, channelName string) error {
	ch, err := b.ensureChannel(channelName)
	if err != nil {
		return err
	}
	log := loggingpkg.Component(b.Logger, "adapters").With(loggingpkg.LogFields{"uri": a.URI(), "channel": ch.Name()})
	return b.connect(a, func(_ context.Context, t *tomb.Tomb) error {
		log.Debug("Inbound pump started", nil)
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if e := a.Receive(b.Conf.ReceiveTimeout); !e.IsNull() {
				ch.Send(e)
			}
		}
	})
}

// ConnectOutbound drains channelName into a, running send on each envelope
// first. A publish-subscribe channel gets a subscription named after the
// adapter URI. Undelivered envelopes are logged and counted.
func (b *Bus) ConnectOutbound(channelName string, a transport.OutboundAdapter, send *pipelinepkg.Pipeline) error {
	ch, err := b.ensureChannel(channelName)
	if err != nil {
		return err
	}
	source := ch
	if ps, ok := ch.(*channelpkg.PublishSubscribeChannel); ok {
		source = ps.Subscribe(a.URI())
	}
	log := loggingpkg.Component(b.Logger, "adapters").With(loggingpkg.LogFields{"uri": a.URI(), "channel": ch.Name()})
	return b.connect(a, func(ctx context.Context, t *tomb.Tomb) error {
		log.Debug("Outbound pump started", nil)
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			e := source.Receive(b.Conf.ReceiveTimeout)
			if e.IsNull() {
				continue
			}
			out, err := send.Invoke(ctx, pipelinepkg.Send, ch.Name(), e)
			if err != nil {
				log.Error("Send pipeline failed", err, loggingpkg.LogFields{"envelope_id": e.Header.ID})
				continue
			}
			if out.IsNull() {
				continue
			}
			if err := a.Send(ctx, out); err != nil {
				var nd *transport.NonDeliveredMessageError
				if errors.As(err, &nd) {
					b.metrics.RecordUndelivered(nd.URI)
				}
				log.Error("Envelope not delivered", err, loggingpkg.LogFields{"envelope_id": out.Header.ID})
			}
		}
	})
}

// BridgeIn subscribes to topic on the named transport and feeds channelName.
// An empty transport name selects Config.PubSubSystem.
func (b *Bus) BridgeIn(ctx context.Context, transportName, topic, channelName string) (*transport.Inbound, error) {
	t, err := b.transport(ctx, transportName)
	if err != nil {
		return nil, err
	}
	in, err := transport.NewInbound(t, transport.NewCodec(b.types), transport.InboundOptions{
		Topic:  topic,
		Logger: b.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := b.ConnectInbound(in, channelName); err != nil {
		return nil, err
	}
	return in, nil
}

// BridgeOut publishes everything sent to channelName to topic on the named
// transport, retrying as configured by the Send* settings.
func (b *Bus) BridgeOut(ctx context.Context, channelName, transportName, topic string, send *pipelinepkg.Pipeline) (*transport.Outbound, error) {
	t, err := b.transport(ctx, transportName)
	if err != nil {
		return nil, err
	}
	out, err := transport.NewOutbound(t, transport.NewCodec(b.types), transport.OutboundOptions{
		Topic: topic,
		Retry: transport.RetryConfig{
			MaxRetries:      b.Conf.SendMaxRetries,
			InitialInterval: b.Conf.SendInitialInterval,
			MaxInterval:     b.Conf.SendMaxInterval,
		},
		Logger: b.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := b.ConnectOutbound(channelName, out, send); err != nil {
		return nil, err
	}
	return out, nil
}

// transport builds each named transport once; inbound and outbound bridges
// over the same transport share its publisher and subscriber.
func (b *Bus) transport(ctx context.Context, name string) (transport.Transport, error) {
	if name == "" {
		name = b.Conf.PubSubSystem
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.Transport{}, errspkg.ErrBusClosed
	}
	if t, ok := b.built[name]; ok {
		return t, nil
	}
	t, err := b.transports.BuildNamed(ctx, name, &b.Conf, loggingpkg.NewWatermillAdapter(b.Logger))
	if err != nil {
		return transport.Transport{}, fmt.Errorf("build transport %s: %w", name, err)
	}
	b.built[name] = t
	return t, nil
}

// connect registers a and its pump. Both start right away when the bus is
// running.
func (b *Bus) connect(a transport.Adapter, p pump) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrBusClosed
	}
	b.adapters = append(b.adapters, a)
	b.pumps = append(b.pumps, p)
	if !b.running {
		return nil
	}
	if err := a.Start(b.runCtx); err != nil {
		return fmt.Errorf("start adapter %s: %w", a.URI(), err)
	}
	t, ctx := b.tomb, b.runCtx
	t.Go(func() error { return p(ctx, t) })
	return nil
}

// Adapters lists the URIs of the connected adapters.
func (b *Bus) Adapters() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	uris := make([]string, 0, len(b.adapters))
	for _, a := range b.adapters {
		uris = append(uris, a.URI())
	}
	return uris
}
