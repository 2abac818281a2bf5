// Package rabbitmq registers the RabbitMQ (AMQP 0.9.1) transport. Topics map
// to durable fanout exchanges with one durable queue per topic. The flowbus
// correlation id is also written to the native AMQP correlation-id property
// so broker tooling can follow a conversation.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	"github.com/drblury/flowbus/transport"
)

const TransportName = "rabbitmq"

var (
	ErrURLRequired = errors.New("rabbitmq: url is required")
	ErrBadScheme   = errors.New("rabbitmq: url scheme must be amqp or amqps")
)

var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// stampCorrelation copies flowbus header data onto the AMQP properties.
func stampCorrelation(p amqp091.Publishing) amqp091.Publishing {
	if p.Headers == nil {
		return p
	}
	if id, ok := p.Headers[metadatapkg.KeyCorrelationID].(string); ok {
		p.CorrelationId = id
	}
	if id, ok := p.Headers[metadatapkg.KeyID].(string); ok {
		p.MessageId = id
	}
	return p
}

// broker is the parsed connection target. The password never leaves it.
type broker struct {
	uri   string
	host  string
	vhost string
	tls   *tls.Config
}

func parseBroker(raw string) (broker, error) {
	if raw == "" {
		return broker{}, ErrURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return broker{}, fmt.Errorf("rabbitmq: %w", err)
	}
	b := broker{uri: raw, host: u.Host, vhost: u.Path}
	switch u.Scheme {
	case "amqp":
	case "amqps":
		b.tls = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	default:
		return broker{}, fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	if b.vhost == "" {
		b.vhost = "/"
	}
	return b, nil
}

// Build shares one reconnecting connection between publisher and
// subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	b, err := parseBroker(cfg.GetRabbitMQURL())
	if err != nil {
		return transport.Transport{}, err
	}
	logger = logger.With(watermill.LogFields{"host": b.host, "vhost": b.vhost, "tls": b.tls != nil})

	amqpConfig := amqp.NewDurablePubSubConfig(b.uri, amqp.GenerateQueueNameTopicName)
	amqpConfig.Marshaler = amqp.DefaultMarshaler{PostprocessPublishing: stampCorrelation}
	amqpConfig.Connection.TLSConfig = b.tls

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   b.uri,
		TLSConfig: b.tls,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq connect %s: %w", b.host, err)
	}
	closeConn := func() {
		if conn != nil {
			_ = conn.Close()
		}
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		closeConn()
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		closeConn()
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}
	logger.Info("RabbitMQ transport ready", nil)

	return transport.Transport{Name: TransportName, Publisher: publisher, Subscriber: subscriber}, nil
}
