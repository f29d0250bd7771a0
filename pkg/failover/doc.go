/*
Package failover keeps network-bound consumers connected to their peers.

A Supervisor owns the list of endpoints of one output: the primary first, then
its secondaries. Open walks the list until an endpoint accepts a connection
and retries the whole list with exponential backoff (cenkalti/backoff) until
its context is done, then fails with ErrConnect. Every endpoint has its own
circuit breaker (sony/gobreaker): after BreakerFailures consecutive failures
the endpoint is skipped for BreakerTimeout.

A Forwarder drains a subscriber into the stream returned by the supervisor:

	┌────────────┐  Read   ┌───────────┐ Encode ┌───────────┐  Write  ┌──────┐
	│ subscriber │ ──────► │ Forwarder │ ─────► │ wire      │ ──────► │ peer │
	│ (muxer)    │ ◄────── │           │        │ (+ zlib)  │         └──────┘
	└────────────┘ Ack/Nack└───────────┘        └───────────┘

The peer acknowledges what it received with ack frames on the same
connection. The forwarder acknowledges events to the subscriber only as these
arrive, and stops writing once AckWindow events are outstanding. When the
stream fails, the forwarder hands the unacknowledged events back with Nack and
reconnects, so a persistent subscriber delivers them again; the muxer keeps
accepting events, overflowing to disk if needed, and the engine never
notices. A non-persistent subscriber cannot hand events back and loses the
ones in flight. AckFlush mode serves peers that never send acks: events count
as delivered once flushed.

A keep-alive frame is sent whenever the subscriber stays idle for
ReadTimeout; the peer answers it with an ack. When the forwarder reads the
stop marker it forwards it, waits for the last ack and returns.

IsReady is a non-blocking check used by the health and status endpoints.
*/
package failover
