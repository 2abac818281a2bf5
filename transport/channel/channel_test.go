package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = reg }()

	Register()
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has(SharedTransportName))
	assert.Equal(t, transport.ChannelCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildDeliversInMemory(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, TransportName, tr.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("m-1", []byte("hi"))))
	select {
	case msg := <-messages:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func receiveOne(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
		return nil
	}
}

func TestSeparateBuildsAreIsolated(t *testing.T) {
	a, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer a.Close()
	b, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	assert.NotSame(t, a.Publisher, b.Publisher)
}

func TestSharedHubConnectsBuses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := BuildShared(ctx, &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	receiver, err := BuildShared(ctx, &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, SharedTransportName, receiver.Name)

	messages, err := receiver.Subscriber.Subscribe(ctx, "shipments")
	require.NoError(t, err)
	require.NoError(t, sender.Publisher.Publish("shipments", message.NewMessage("s-1", nil)))
	assert.Equal(t, "s-1", receiveOne(t, messages).UUID)

	// The hub outlives a single detach.
	require.NoError(t, sender.Close())
	require.NoError(t, sender.Close())
	late, err := BuildShared(ctx, &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, late.Publisher.Publish("shipments", message.NewMessage("s-2", nil)))
	assert.Equal(t, "s-2", receiveOne(t, messages).UUID)

	require.NoError(t, late.Close())
	require.NoError(t, receiver.Close())
	assert.Zero(t, hub.attached)
	assert.Nil(t, hub.pub)
}
