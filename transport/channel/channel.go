// Package channel registers the in-memory Watermill gochannel transports.
//
// "channel" gives every bus its own pub/sub and is the default. With
// "shared-channel" all buses of the process publish into one hub, so a
// BridgeOut on one bus can feed a BridgeIn on another without a broker.
// Messages published before a subscription exists are dropped in both.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowbus/transport"
)

const (
	TransportName       = "channel"
	SharedTransportName = "shared-channel"
)

// OutputBuffer sizes each subscriber's Go channel.
const OutputBuffer = 64

var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds both in-memory transports to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.RegisterWithCapabilities(SharedTransportName, BuildShared, transport.ChannelCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

func newPubSub(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	return Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
}

// Build creates a pub/sub private to the calling bus.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := newPubSub(logger)
	return transport.Transport{Name: TransportName, Publisher: pub, Subscriber: sub}, nil
}

// hub is the process-wide pub/sub behind SharedTransportName. It is
// created by the first attachment and closed when the last one closes.
var hub struct {
	mu       sync.Mutex
	pub      message.Publisher
	sub      message.Subscriber
	attached int
}

// BuildShared attaches the calling bus to the process-wide hub.
func BuildShared(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.attached == 0 {
		hub.pub, hub.sub = newPubSub(logger)
	}
	hub.attached++
	logger.Debug("Attached to shared in-memory hub", watermill.LogFields{"attached": hub.attached})

	a := &attachment{pub: hub.pub, sub: hub.sub}
	return transport.Transport{Name: SharedTransportName, Publisher: a, Subscriber: a}, nil
}

// attachment is one bus's handle on the hub. Closing it detaches the bus.
type attachment struct {
	pub  message.Publisher
	sub  message.Subscriber
	once sync.Once
}

func (a *attachment) Publish(topic string, messages ...*message.Message) error {
	return a.pub.Publish(topic, messages...)
}

func (a *attachment) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return a.sub.Subscribe(ctx, topic)
}

func (a *attachment) Close() error {
	var err error
	a.once.Do(func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		hub.attached--
		if hub.attached > 0 {
			return
		}
		err = hub.pub.Close()
		if any(hub.sub) != any(hub.pub) {
			if serr := hub.sub.Close(); err == nil {
				err = serr
			}
		}
		hub.pub, hub.sub = nil, nil
	})
	return err
}
