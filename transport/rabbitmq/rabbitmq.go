// Package rabbitmq mirrors the bridge output onto a single durable AMQP topic
// exchange. MQTT topics become dotted routing keys, so AMQP consumers bind
// with patterns such as "homeassistant.sensor.mbta.#".
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mbta2mqtt/transport"
)

const (
	// TransportName is the name used to register this transport.
	TransportName = "rabbitmq"

	// ExchangeName is the topic exchange every bridge message is routed through.
	ExchangeName = "mbta2mqtt"

	queueSuffix = "mbta2mqtt"
)

// Dial opens the shared AMQP connection. Tests replace it.
var Dial = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// NewPublisher builds the exchange publisher. Tests replace it.
var NewPublisher = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// NewSubscriber builds the queue subscriber. Tests replace it.
var NewSubscriber = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// closeConn releases the connection when Build fails after dialing.
var closeConn = func(conn *amqp.ConnectionWrapper) error { return conn.Close() }

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// ExchangeConfig returns the AMQP layout used by the bridge: one durable
// topic exchange, the (already dotted) topic as routing key, and one durable
// queue per subscribed topic.
func ExchangeConfig(url string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))
	cfg.Exchange.GenerateName = amqp.GenerateExchangeNameConstant(ExchangeName)
	cfg.Exchange.Type = "topic"
	cfg.Publish.GenerateRoutingKey = routingKey
	cfg.QueueBind.GenerateRoutingKey = routingKey
	return cfg
}

func routingKey(topic string) string { return topic }

// Build connects to RabbitMQ and returns a transport whose topics are mapped
// with transport.DotTopic.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	conn, err := Dial(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	amqpConfig := ExchangeConfig(url)
	publisher, err := NewPublisher(amqpConfig, logger, conn)
	if err != nil {
		_ = closeConn(conn)
		return transport.Transport{}, err
	}
	subscriber, err := NewSubscriber(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = closeConn(conn)
		return transport.Transport{}, err
	}

	return transport.WithTopicMapper(transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, transport.DotTopic), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
