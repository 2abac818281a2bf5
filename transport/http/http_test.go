package http

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/transporttest"
)

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestBuildPublisherOnly(t *testing.T) {
	origPub := PublisherFactory
	defer func() { PublisherFactory = origPub }()

	var marshal http.MarshalMessageFunc
	PublisherFactory = func(cfg http.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		marshal = cfg.MarshalMessageFunc
		return &transporttest.Publisher{}, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://sink:8080/"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, tr.Subscriber)

	req, err := marshal("orders", message.NewMessage("m-1", []byte("{}")))
	require.NoError(t, err)
	assert.Equal(t, "http://sink:8080/orders", req.URL.String())
}

func TestBuildSubscriberPrefixesTopics(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	inner := &transporttest.Subscriber{}
	PublisherFactory = func(http.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(addr string, _ http.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":9000", addr)
		return inner, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":9000"}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"/orders"}, inner.Topics)
}

func TestBuildRequiresAnAddress(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, ErrAddressRequired)
}
