package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsRetained indicates the broker keeps the last message per topic
	// and replays it to new subscribers. Registry recovery depends on it.
	SupportsRetained bool

	// SupportsWildcards indicates Subscribe accepts MQTT style + and # filters.
	SupportsWildcards bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the publisher can wait for a broker acknowledgement.
	SupportsAck bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsRecovery reports whether previously published discovery topics can
// be learned back from the broker on startup.
func (c Capabilities) SupportsRecovery() bool {
	return c.SupportsRetained && c.SupportsWildcards
}

// Predefined capability sets for the built-in transports.
var (
	// MQTTCapabilities for an MQTT 3.1.1 broker.
	MQTTCapabilities = Capabilities{
		Name:              "mqtt",
		SupportsRetained:  true,
		SupportsWildcards: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		MaxMessageSize:    268435455,
	}

	// ChannelCapabilities for the in-memory broker.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsRetained:  true,
		SupportsWildcards: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// IOCapabilities for file-based I/O transport.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
