// Package kafka registers the Kafka transport. Messages of one conversation
// share a partition key, so a request, its replies and the parts of a
// split sequence keep their relative order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	"github.com/drblury/flowbus/transport"
)

const TransportName = "kafka"

// DefaultConsumerGroup is used when the config leaves the group empty, so
// that every bus instance shares the load of a topic.
const DefaultConsumerGroup = "flowbus"

var ErrBrokersRequired = errors.New("kafka: at least one broker is required")

var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// PartitionKey keys a message by its correlation id, falling back to the
// message UUID for messages that start a conversation.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyCorrelationID); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

type cluster struct {
	brokers []string
	group   string
	codec   kafka.MarshalerUnmarshaler
}

// resolve reads the cluster from cfg. Broker entries may themselves be
// comma separated, as they are when taken from a single env var.
func resolve(cfg transport.Config) (cluster, error) {
	var brokers []string
	for _, entry := range cfg.GetKafkaBrokers() {
		for _, b := range strings.Split(entry, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	if len(brokers) == 0 {
		return cluster{}, ErrBrokersRequired
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	return cluster{
		brokers: brokers,
		group:   group,
		codec:   kafka.NewWithPartitioningMarshaler(PartitionKey),
	}, nil
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	c, err := resolve(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	logger = logger.With(watermill.LogFields{"brokers": strings.Join(c.brokers, ","), "consumer_group": c.group})

	publisher, err := PublisherFactory(kafka.PublisherConfig{Brokers: c.brokers, Marshaler: c.codec}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       c.brokers,
		Unmarshaler:   c.codec,
		ConsumerGroup: c.group,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}
	logger.Info("Kafka transport ready", nil)

	return transport.Transport{Name: TransportName, Publisher: publisher, Subscriber: subscriber}, nil
}
