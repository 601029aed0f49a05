// Package mbta2mqtt bridges the MBTA v3 streaming API to a publish-subscribe
// broker as Home Assistant discovery sensors.
//
// The bridge opens one server-sent event stream for the configured stops,
// turns every JSON:API resource it carries into a discovery payload, an
// attribute payload and a state string, and keeps the retained discovery
// topics on the broker in step with the stream: reset replaces the entity
// set, add and update republish, remove retracts. On shutdown every entity
// the bridge knows about is retracted and the availability topic flips to
// offline.
//
// Service hosts the Watermill router used to watch the broker's discovery
// topics, so a restarted bridge can clean up entities left behind by an
// earlier run. A minimal setup loads the configuration with LoadConfig,
// creates a Service and calls Start; cmd/mbta2mqtt does exactly that.
//
// # Transports
//
// MQTT is the default broker. The other transports are useful for testing
// or for mirroring the payloads into existing infrastructure:
//   - mqtt: Eclipse Paho client with retained messages and wildcards
//   - channel: In-memory broker for tests and --dry-run
//   - io: JSON-lines file sink
//   - nats, kafka, rabbitmq, http: Watermill adapters
//
// Only transports that support retained messages and wildcard subscriptions
// recover entities from an earlier run.
//
// # Hooks
//
// EventHooks provide OnEventStart, OnEventDone and OnEventError callbacks
// around every stream event. Pass them through ServiceDependencies.Hooks.
package mbta2mqtt
