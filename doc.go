// Package flowbus is an in-process message bus. Components talk through
// named channels instead of calling each other: a payload published on the
// Bus is wrapped in an Envelope, routed by its Go type to one or more
// channels, and consumed by endpoints that dispatch it to a handler method
// chosen by the payload's runtime type.
//
// A minimal setup fills Config, creates a Bus with NewBus, subscribes
// payload types to channels, activates endpoints and calls Start, which
// blocks until its context ends or Close is called.
//
// # Endpoints
//
// Activate binds any value to an input channel. Its exported methods shaped
// func([context.Context,] M) [R] [error] become handlers for payloads of
// type M; a returned R is wrapped in a correlated envelope and sent to the
// endpoint's output, a per-method redirect, or the reply channel named in
// the incoming envelope. Schedule calls a method without a message on a
// fixed interval. Receive and send pipelines run around every dispatch.
//
// # Sagas and timeouts
//
// Initiate and Orchestrate register handlers of long-running conversations
// correlated by saga id. ActivateSagas routes every message type the saga
// engine knows to one channel. Saga handlers may publish, request a timeout
// scoped to their own saga and cancel it again. The timeout service
// republishes expired payloads through the bus; any component can use it by
// publishing a TimeoutRequest or TimeoutCancelRequest.
//
// Saga state and pending timeouts live in memory by default, or in SQLite,
// PostgreSQL or Redis when Config.PersistenceBackend selects one.
//
// # Adapters
//
// BridgeIn and BridgeOut connect bus channels to a Watermill transport
// (channel, kafka, rabbitmq, nats, http or aws). Transports register
// themselves when their package under transport/ is imported. Outbound
// adapters retry with exponential backoff and then report a
// NonDeliveredMessageError carrying the undelivered envelope.
//
// # Observability
//
// Channel traffic, endpoint jobs, saga outcomes and timeout events are
// exported as Prometheus metrics on /metrics when Config.MetricsEnabled is
// set. Config.IntrospectionEnabled serves a JSON description of channels,
// endpoints and adapters on /api/bus.
package flowbus
