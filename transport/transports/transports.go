// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/flowbus/transport/aws"
	_ "github.com/drblury/flowbus/transport/channel"
	_ "github.com/drblury/flowbus/transport/http"
	_ "github.com/drblury/flowbus/transport/kafka"
	_ "github.com/drblury/flowbus/transport/nats"
	_ "github.com/drblury/flowbus/transport/rabbitmq"
)
