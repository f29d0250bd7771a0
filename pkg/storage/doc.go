/*
Package storage provides BoltDB-backed state persistence for beacon.

The storage package implements the Store interface using BoltDB as the
underlying database. It keeps two kinds of engine state that must survive a
restart: the registry of persistent subscribers and the events published while
the engine was stopped. Records are serialized as JSON and stored in separate
buckets.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                        │           │
	│  │  - File: <dataDir>/beacon.db                │           │
	│  │  - Transactions: ACID with fsync            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Bucket Structure               │           │
	│  │  subscribers   (subscriber name)            │           │
	│  │  retained      (8 byte sequence, big endian)│           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Subscribers

A persistent subscriber leaves queue files behind when it goes away. Its record
stays in the subscribers bucket until the subscriber is forgotten, so the
status surface can list backlogs nobody reads anymore.

# Retention

Events published while the engine is stopped are appended to the retained
bucket under a monotonically increasing sequence key, which keeps them in
publish order. The engine replays them on Start and then clears the bucket. A
crash between the two replays them again on the next start.

# Usage

	store, err := storage.NewBoltStore("/var/lib/beacon")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.SaveSubscriber(&storage.Subscriber{Name: "central-rrd", Persistent: true})
*/
package storage
