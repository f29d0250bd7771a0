// Package tcp carries beacon frames over TCP.
//
// Endpoint dials a peer and is what failover supervisors retry. Acceptor is
// the receiving side: it accepts feeder connections, decodes their frames
// (optionally decompressing them) and publishes the events into the engine.
// Every connection gets a uuid that tags its log lines. A corrupt frame ends
// its connection only; a stop frame from the peer closes it cleanly.
//
// The acceptor acknowledges what it handled with ack frames written back on
// the connection: every AckEvery events, on keep-alive and before closing on
// stop. An event the engine refuses closes the connection unacknowledged so
// the feeder sends it again.
package tcp
