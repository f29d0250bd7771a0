/*
Package muxer implements the per-subscriber event queue of beacon.

Every subscriber of the multiplexing engine owns one Muxer. The engine
publishes into all of them; each subscriber reads from its own at its own
pace. A slow subscriber only grows its own backlog, it never slows the engine
or the other subscribers.

# Architecture

	┌────────────────────────── MUXER ───────────────────────────┐
	│                                                              │
	│  Publish ──► filter ──► memory queue (≤ HighWater)           │
	│                              │ full                          │
	│                              ▼                               │
	│                        queue file (pkg/queuefile)            │
	│                                                              │
	│  Read order:                                                 │
	│    1. redelivered events (after Nack)                        │
	│    2. memory file left by the previous session               │
	│    3. memory queue                                           │
	│    4. queue file                                             │
	│    5. stop marker, then ErrEndOfStream                       │
	└──────────────────────────────────────────────────────────────┘

Once the queue file is active, every new event is appended to it, so events
are always read back in publish order. When the file has been read and
acknowledged completely it is deleted and the muxer is caught up: new events
stay in memory again.

# Acknowledgement

Persistent muxers keep what they delivered until Ack is called with the
delivery position. Ack(pos) acknowledges everything up to pos; Nack hands every
unacknowledged delivery back for another Read. On Close, events that only live
in memory are saved to the memory file and delivered first by the next muxer
with the same name. Non-persistent muxers forget events as soon as they are
read and delete their files on Close.

# Faults

Publish never returns an error. When the queue file cannot be opened or
written, the event is dropped, the muxer reports itself degraded in Status and
OnFault is called. The next successful append clears the degraded flag.

# Files

	<dir>/beacon.queue.<name>     overflow file, parts .1, .2, ...
	<dir>/beacon.memory.<name>    memory queue saved at shutdown
*/
package muxer
