package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

var fastRetry = RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newCodec() *Codec {
	types := typeregistrypkg.New()
	types.Register(orderPlaced{})
	return NewCodec(types)
}

func newGoChannel(t *testing.T) Transport {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return Transport{Name: "channel", Publisher: ps, Subscriber: ps}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := newCodec()
	e := envelopepkg.New(orderPlaced{OrderID: "o-1", Total: 42})
	e.Header.CorrelationID = "corr-1"
	e.Header.ReplyChannel = "replies"
	e.SetProperty("tenant", "acme")

	msg, err := codec.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, e.Header.ID, msg.UUID)

	back, err := codec.Unmarshal(msg)
	require.NoError(t, err)
	assert.Equal(t, orderPlaced{OrderID: "o-1", Total: 42}, back.Payload())
	assert.Equal(t, e.Header.ID, back.Header.ID)
	assert.Equal(t, "corr-1", back.Header.CorrelationID)
	assert.Equal(t, "replies", back.Header.ReplyChannel)
	assert.Equal(t, "acme", back.Property("tenant"))
	assert.True(t, e.Header.CreatedAt.Equal(back.Header.CreatedAt))
}

func TestCodecErrors(t *testing.T) {
	codec := newCodec()

	_, err := codec.Marshal(envelopepkg.New("unregistered"))
	assert.ErrorIs(t, err, typeregistrypkg.ErrUnknownType)

	_, err = codec.Marshal(envelopepkg.Null())
	assert.Error(t, err)

	_, err = codec.Unmarshal(message.NewMessage("m-1", []byte("{}")))
	assert.ErrorContains(t, err, metadatapkg.KeyPayloadType)
}

func TestCodecFallsBackToMessageUUID(t *testing.T) {
	codec := newCodec()
	msg := message.NewMessage("m-2", []byte(`{"order_id":"o-2"}`))
	msg.Metadata.Set(metadatapkg.KeyPayloadType, codec.types.Register(orderPlaced{}))

	e, err := codec.Unmarshal(msg)
	require.NoError(t, err)
	assert.Equal(t, "m-2", e.Header.ID)
	assert.False(t, e.Header.CreatedAt.IsZero())
}

func TestOutboundToInbound(t *testing.T) {
	tr := newGoChannel(t)
	codec := newCodec()
	ctx := context.Background()

	in, err := NewInbound(tr, codec, InboundOptions{Topic: "orders"})
	require.NoError(t, err)
	require.NoError(t, in.Start(ctx))
	defer func() { assert.NoError(t, in.Stop()) }()
	assert.ErrorIs(t, in.Start(ctx), errspkg.ErrAlreadyStarted)

	out, err := NewOutbound(tr, codec, OutboundOptions{Topic: "orders", Retry: fastRetry})
	require.NoError(t, err)
	require.NoError(t, out.Start(ctx))
	assert.Equal(t, "channel://orders", out.URI())
	assert.Equal(t, out.URI(), in.URI())

	sent := envelopepkg.New(orderPlaced{OrderID: "o-9", Total: 7})
	require.NoError(t, out.Send(ctx, sent))

	got := in.Receive(time.Second)
	require.False(t, got.IsNull())
	assert.Equal(t, sent.Header.ID, got.Header.ID)
	assert.Equal(t, orderPlaced{OrderID: "o-9", Total: 7}, got.Payload())
}

func TestInboundDropsUndecodableMessages(t *testing.T) {
	tr := newGoChannel(t)
	codec := newCodec()

	in, err := NewInbound(tr, codec, InboundOptions{Topic: "orders"})
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()

	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("junk", []byte("not json"))))
	good, err := codec.Marshal(envelopepkg.New(orderPlaced{OrderID: "ok"}))
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("orders", good))

	got := in.Receive(time.Second)
	require.False(t, got.IsNull())
	assert.Equal(t, orderPlaced{OrderID: "ok"}, got.Payload())
	assert.Equal(t, 0, in.Pending())
}

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	err      error
	sent     []*message.Message
}

func (f *flakyPublisher) Publish(_ string, msgs ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *flakyPublisher) Close() error { return nil }

func TestOutboundRetriesUntilPublished(t *testing.T) {
	pub := &flakyPublisher{failures: 2, err: errors.New("broker unavailable")}
	out, err := NewOutbound(Transport{Name: "mock", Publisher: pub}, newCodec(), OutboundOptions{Topic: "orders", Retry: fastRetry})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))

	require.NoError(t, out.Send(context.Background(), envelopepkg.New(orderPlaced{OrderID: "o-1"})))
	assert.Equal(t, 3, pub.attempts)
	assert.Len(t, pub.sent, 1)
}

func TestOutboundGivesUp(t *testing.T) {
	brokerDown := errors.New("broker unavailable")
	pub := &flakyPublisher{failures: 100, err: brokerDown}
	var reported []*NonDeliveredMessageError
	out, err := NewOutbound(Transport{Name: "mock", Publisher: pub}, newCodec(), OutboundOptions{
		Topic:         "orders",
		Retry:         fastRetry,
		OnUndelivered: func(err *NonDeliveredMessageError) { reported = append(reported, err) },
	})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))

	e := envelopepkg.New(orderPlaced{OrderID: "o-1"})
	err = out.Send(context.Background(), e)

	var nd *NonDeliveredMessageError
	require.ErrorAs(t, err, &nd)
	assert.Equal(t, "mock://orders", nd.URI)
	assert.Same(t, e, nd.Envelope)
	assert.ErrorIs(t, err, brokerDown)
	assert.Greater(t, pub.attempts, 1)
	assert.Len(t, reported, 1)
}

func TestOutboundRejectsOversizedPayloadWithoutRetry(t *testing.T) {
	pub := &flakyPublisher{}
	out, err := NewOutbound(Transport{Name: "mock", Publisher: pub}, newCodec(), OutboundOptions{
		Topic:        "orders",
		Capabilities: &Capabilities{Name: "tiny", MaxMessageSize: 8},
	})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))

	err = out.Send(context.Background(), envelopepkg.New(orderPlaced{OrderID: strings.Repeat("x", 32)}))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, pub.attempts)
}

func TestOutboundLifecycle(t *testing.T) {
	_, err := NewOutbound(Transport{}, nil, OutboundOptions{Topic: "orders"})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	pub := &flakyPublisher{}
	out, err := NewOutbound(Transport{Name: "mock", Publisher: pub}, newCodec(), OutboundOptions{Topic: "orders"})
	require.NoError(t, err)

	err = out.Send(context.Background(), envelopepkg.New(orderPlaced{}))
	assert.ErrorIs(t, err, ErrAdapterStopped)

	require.NoError(t, out.Start(context.Background()))
	assert.ErrorIs(t, out.Start(context.Background()), errspkg.ErrAlreadyStarted)
	assert.NoError(t, out.Send(context.Background(), envelopepkg.Null()))
	require.NoError(t, out.Stop())
	assert.ErrorIs(t, out.Send(context.Background(), envelopepkg.New(orderPlaced{})), ErrAdapterStopped)
}
