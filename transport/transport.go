// Package transport defines the broker abstraction used by the bridge.
// Each backend (mqtt, channel, nats, kafka, ...) lives in its own sub-package
// and registers a Builder with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Will is the last-will message a broker publishes when the client goes
// away without disconnecting.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// MQTT
	GetMQTTBrokerURL() string
	GetMQTTClientID() string
	GetMQTTUsername() string
	GetMQTTPassword() string
	GetMQTTKeepAlive() time.Duration
	GetMQTTConnectTimeout() time.Duration
	GetPublishTimeout() time.Duration
	GetSubscribeTimeout() time.Duration
	GetWill() *Will

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ConnectionWatcher is implemented by transports holding a long-lived broker
// connection. The channel receives once when the connection drops.
type ConnectionWatcher interface {
	ConnectionLost() <-chan error
}
