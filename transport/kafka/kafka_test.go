package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/transporttest"
)

func stubFactories(t *testing.T, pubErr, subErr error) (*transporttest.Publisher, *kafka.SubscriberConfig) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub := &transporttest.Publisher{}
	var seen kafka.SubscriberConfig
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		seen = cfg
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return pub, &seen
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestBuild(t *testing.T) {
	t.Run("uses brokers and consumer group", func(t *testing.T) {
		_, seen := stubFactories(t, nil, nil)
		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaConsumerGroup: "billing"}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, TransportName, tr.Name)
		assert.Equal(t, []string{"localhost:9092"}, seen.Brokers)
		assert.Equal(t, "billing", seen.ConsumerGroup)
	})

	t.Run("defaults consumer group", func(t *testing.T) {
		_, seen := stubFactories(t, nil, nil)
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultConsumerGroup, seen.ConsumerGroup)
	})

	t.Run("splits comma separated brokers", func(t *testing.T) {
		_, seen := stubFactories(t, nil, nil)
		cfg := &transporttest.Config{KafkaBrokers: []string{"a:9092, b:9092", "c:9092"}}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a:9092", "b:9092", "c:9092"}, seen.Brokers)
		assert.NotNil(t, seen.Unmarshaler)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrBrokersRequired)

		_, err = Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{" , "}}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrBrokersRequired)
	})

	t.Run("closes publisher when subscriber fails", func(t *testing.T) {
		pub, _ := stubFactories(t, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})
}

func TestPartitionKeyFollowsCorrelation(t *testing.T) {
	opener := message.NewMessage("m-1", nil)
	key, err := PartitionKey("orders", opener)
	require.NoError(t, err)
	assert.Equal(t, "m-1", key)

	reply := message.NewMessage("m-2", nil)
	reply.Metadata.Set(metadatapkg.KeyCorrelationID, "m-1")
	key, err = PartitionKey("orders.reply", reply)
	require.NoError(t, err)
	assert.Equal(t, "m-1", key)
}
