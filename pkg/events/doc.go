/*
Package events defines the monitoring events carried by beacon.

An Event is a type id, a source id, a timestamp and an opaque payload. The
type id packs a category (neb, bbdo, storage, ...) in its high 16 bits and an
element in its low 16 bits; it is the only thing the broker core looks at.
Events are immutable and shared by pointer between every subscriber queue
that receives them.

# Payload encodings

	native    fixed big endian field layout (HostStatus, ServiceStatus,
	          CheckResult, Metric, Ack)
	message   4-byte length + protobuf google.protobuf.Struct (ConfigChange,
	          Instance); unknown fields are ignored so peers may evolve
	control   empty payload (Stop, KeepAlive)

# Registry

A Registry maps type ids to codecs. Registration is idempotent for the same
codec and fails with ErrTypeConflict for a different one:

	reg := events.NewRegistry()
	_ = events.RegisterBuiltins(reg)
	v, err := reg.Decode(e)

# Filters

Filter whitelists categories or exact types for a subscriber:

	f, _ := events.ParseFilter([]string{"storage", "neb:service_status"})
	f.Allows(events.TypeMetric) // true
*/
package events
