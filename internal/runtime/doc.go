/*
Package runtime hosts the Bus, which composes the bus sub-packages into one
running system.

# Package Structure

  - bus.go: construction, publish routing, lifecycle (Start, Close)
  - endpoints.go: endpoint activation with channel names resolved on the bus
  - adapters.go: inbound and outbound adapter pumps and transport bridges
  - introspection.go: HTTP servers for metrics and the JSON description

# Sub-packages

  - envelope/: Envelope, Header and the null envelope
  - channel/: queue, publish-subscribe and null channels, channel registry
  - dispatch/: runtime-type handler resolution and invocation
  - endpoint/: reactive and scheduled activators, job hooks
  - pipeline/: components run around each hop
  - saga/: saga engine, roles and the in-memory persister
  - timeout/: delayed delivery, cancellation and the expiry poller
  - store/: SQL and Redis persisters for sagas and timeouts
  - gateway/: synchronous request/reply over two channels
  - metrics/: Prometheus collectors
  - typeregistry/: type names for durable stores and the wire codec
  - config/, errors/, logging/, ids/, jsoncodec/, metadata/: ambient support

# Lifecycle

Start launches adapters, adapter pumps, endpoints and the timeout poller in
that order and stops them in reverse. Components added while the bus runs
are started right away.
*/
package runtime
