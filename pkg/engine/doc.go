/*
Package engine implements the multiplexing engine of beacon.

The engine is the hub between event producers (feeders) and consumers
(subscribers). Every published event is handed to the muxer of every
subscriber; each subscriber then reads its own muxer at its own pace.

# Architecture

	┌──────────────────── MULTIPLEXING ENGINE ────────────────────┐
	│                                                               │
	│  feeders ──► Publish / PublishBatch (serialized)              │
	│                     │                                         │
	│        ┌────────────┼────────────┐                            │
	│        ▼            ▼            ▼                            │
	│    muxer rrd    muxer sql    muxer central (persistent)       │
	│        │            │            │                            │
	│        ▼            ▼            ▼                            │
	│    Subscriber   Subscriber   Subscriber                       │
	│                                                               │
	│  Store (optional, pkg/storage)                                │
	│    - persistent subscriber registry                           │
	│    - events published while stopped                           │
	└───────────────────────────────────────────────────────────────┘

# Lifecycle

	Stopped ──Start──► Starting ──► Running ──Stop──► Stopping ──► Stopped

Start replays the events retained while the engine was stopped. Stop queues a
stop marker behind the backlog of every muxer, waits until each consumer has
read its marker and acknowledged what came before, or DrainTimeout expires,
then closes every muxer. Persistent
muxers save what was left on disk; the next subscriber with the same name
receives it.

Publishing outside Running fails with ErrNotRunning, unless the engine has a
Store, in which case the events are retained and delivered on the next Start.
Protocol events (stop, keep-alive, ack) are never published: ErrProtocolEvent.

# Usage

	e := engine.New(engine.Options{Dir: "/var/lib/beacon", HighWater: 10000})

	sub, err := e.Subscribe("central-rrd", engine.SubscribeOptions{Persistent: true})
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}

	_ = e.Publish(events.New(events.TypeHostStatus, 1, time.Now(), payload))

	d, err := sub.Read(ctx)
	...
	sub.Ack(d.Position)
*/
package engine
