// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/mbta2mqtt/transport/channel"
	_ "github.com/drblury/mbta2mqtt/transport/http"
	_ "github.com/drblury/mbta2mqtt/transport/io"
	_ "github.com/drblury/mbta2mqtt/transport/kafka"
	_ "github.com/drblury/mbta2mqtt/transport/mqtt"
	_ "github.com/drblury/mbta2mqtt/transport/nats"
	_ "github.com/drblury/mbta2mqtt/transport/rabbitmq"
)
