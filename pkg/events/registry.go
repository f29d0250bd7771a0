package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownType is returned when no codec is registered for a type id
	ErrUnknownType = errors.New("unknown event type")

	// ErrTypeConflict is returned when a different codec is registered for an existing id
	ErrTypeConflict = errors.New("event type already registered with another codec")
)

// Encoding tells how a payload is laid out.
type Encoding int

const (
	// EncodingNative is a fixed field layout known to both ends
	EncodingNative Encoding = iota
	// EncodingMessage is a length-prefixed protobuf message
	EncodingMessage
	// EncodingControl is an empty payload
	EncodingControl
)

func (e Encoding) String() string {
	switch e {
	case EncodingNative:
		return "native"
	case EncodingMessage:
		return "message"
	case EncodingControl:
		return "control"
	default:
		return "unknown"
	}
}

// Codec converts between a payload and its decoded value.
type Codec struct {
	Name     string
	Encoding Encoding
	Encode   func(value any) ([]byte, error)
	Decode   func(payload []byte) (any, error)
}

// Registry maps type ids to codecs. Registration normally happens once at
// startup per module; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	codecs map[TypeID]*Codec
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[TypeID]*Codec)}
}

// Register binds codec to id. Registering the same codec twice is a no-op;
// registering a different codec for a bound id fails with ErrTypeConflict.
func (r *Registry) Register(id TypeID, codec *Codec) error {
	if codec == nil {
		return fmt.Errorf("nil codec for %s", id)
	}
	if codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("codec %q for %s is incomplete", codec.Name, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.codecs[id]; ok {
		if existing == codec {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %q", ErrTypeConflict, id, existing.Name)
	}
	r.codecs[id] = codec
	return nil
}

// MustRegister is Register that panics, for init-time use
func (r *Registry) MustRegister(id TypeID, codec *Codec) {
	if err := r.Register(id, codec); err != nil {
		panic(err)
	}
}

// Lookup returns the codec bound to id
func (r *Registry) Lookup(id TypeID) (*Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[id]
	return c, ok
}

// Known reports whether id has a codec
func (r *Registry) Known(id TypeID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Decode decodes the payload of e into its typed value.
func (r *Registry) Decode(e *Event) (any, error) {
	codec, ok := r.Lookup(e.Type())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, e.Type())
	}
	v, err := codec.Decode(e.Payload())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.Type(), err)
	}
	return v, nil
}

// Types returns the registered ids in ascending order
func (r *Registry) Types() []TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]TypeID, 0, len(r.codecs))
	for id := range r.codecs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterBuiltins binds every built-in type of this package into r.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		id    TypeID
		codec *Codec
	}{
		{TypeHostStatus, HostStatusCodec},
		{TypeServiceStatus, ServiceStatusCodec},
		{TypeCheckResult, CheckResultCodec},
		{TypeMetric, MetricCodec},
		{TypeAck, AckCodec},
		{TypeConfigChange, ConfigChangeCodec},
		{TypeInstance, InstanceCodec},
		{TypeStop, ControlCodec},
		{TypeKeepAlive, ControlCodec},
	}
	for _, b := range builtins {
		if err := r.Register(b.id, b.codec); err != nil {
			return err
		}
	}
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns a process-wide registry holding the built-in types.
// Modules add their own types to it at startup.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := RegisterBuiltins(defaultRegistry); err != nil {
			panic(err)
		}
	})
	return defaultRegistry
}
