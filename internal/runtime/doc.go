/*
Package runtime is the synchronization engine of the bridge.

# Architecture Overview

A Service reads one upstream event stream and applies each event to the
broker in stream order. Alongside the stream loop a Watermill router
subscribes to the discovery topics of this node, so retained payloads from
an earlier run land in the entity registry and are retracted on the next
reset or at shutdown.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Publisher and subscriber connections from the transport registry
  - The upstream stream, framer and event decoder
  - The entity registry and payload transformer
  - Message router (Watermill) with the discovery observer
  - HTTP servers for metrics and the status API

Start runs once: availability online, router up, stream loop, then the
shutdown sequence (retract everything, availability offline, close).

## Event handling (events.go, publisher.go)

HandleEvent applies reset, add, update and remove events. Discovery
payloads and retractions wait for the broker's acknowledgement; attribute
and state updates do not.

## Discovery observer (registration.go)

Records every non-empty discovery topic seen on the broker.

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Trace logging of observed messages
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus router metrics
  - Recoverer: Panic recovery

## Hooks & metrics (hooks.go, metrics.go)

EventHooks run around every stream event. Metrics holds the Prometheus
collectors and mirrors them for the status API.

## Status API (webui.go, models.go, resources.go)

Read-only JSON endpoints for the entity registry and service state.

# Sub-packages

  - config/: Configuration loading, decoding and validation
  - errors/: Sentinel errors and exit codes
  - framer/: Server-sent event framing
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata and publish options
  - registry/: Set of published discovery topics
  - resource/: Upstream resources and events
  - transform/: Home Assistant payload derivation
  - tree/: Generic value tree helpers
  - upstream/: Streaming HTTP client
*/
package runtime
