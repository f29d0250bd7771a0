package events

import (
	"fmt"
	"time"
)

// Category is the upper half of a TypeID.
type Category uint16

const (
	CategoryNeb      Category = 1
	CategoryBBDO     Category = 2
	CategoryStorage  Category = 3
	CategoryExtcmd   Category = 7
	CategoryInternal Category = 0xFFFF
)

var categoryNames = map[Category]string{
	CategoryNeb:      "neb",
	CategoryBBDO:     "bbdo",
	CategoryStorage:  "storage",
	CategoryExtcmd:   "extcmd",
	CategoryInternal: "internal",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint16(c))
}

// TypeID identifies an event type: category in the high 16 bits, element in
// the low 16 bits. Values are stable across versions and go on the wire as is.
type TypeID uint32

// MakeType builds a TypeID from its category and element.
func MakeType(c Category, element uint16) TypeID {
	return TypeID(uint32(c)<<16 | uint32(element))
}

// Category returns the category part of the id.
func (t TypeID) Category() Category {
	return Category(t >> 16)
}

// Element returns the element part of the id.
func (t TypeID) Element() uint16 {
	return uint16(t & 0xFFFF)
}

// IsControl reports whether t is a protocol control signal.
func (t TypeID) IsControl() bool {
	return t == TypeStop || t == TypeKeepAlive
}

// IsProtocol reports whether t belongs to a stream rather than to the event
// flow: control signals and acknowledgements.
func (t TypeID) IsProtocol() bool {
	return t.Category() == CategoryBBDO
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return t.Category().String() + ":" + name
	}
	return fmt.Sprintf("0x%08x", uint32(t))
}

// Built-in event types.
var (
	TypeCheckResult   = MakeType(CategoryNeb, 8)
	TypeHostStatus    = MakeType(CategoryNeb, 14)
	TypeInstance      = MakeType(CategoryNeb, 15)
	TypeServiceStatus = MakeType(CategoryNeb, 24)
	TypeConfigChange  = MakeType(CategoryNeb, 40)
	TypeMetric        = MakeType(CategoryStorage, 1)
	TypeAck           = MakeType(CategoryBBDO, 3)
	TypeStop          = MakeType(CategoryBBDO, 4)
	TypeKeepAlive     = MakeType(CategoryBBDO, 5)
)

var typeNames = map[TypeID]string{
	TypeCheckResult:   "check_result",
	TypeHostStatus:    "host_status",
	TypeInstance:      "instance",
	TypeServiceStatus: "service_status",
	TypeConfigChange:  "config_change",
	TypeMetric:        "metric",
	TypeAck:           "ack",
	TypeStop:          "stop",
	TypeKeepAlive:     "keepalive",
}

// Event is one monitoring event. It is immutable once built and is shared by
// pointer between every muxer that receives it; nobody may modify the slice
// returned by Payload.
type Event struct {
	typ     TypeID
	source  uint32
	ts      time.Time
	payload []byte
}

// New builds an event. The event takes ownership of payload.
func New(typ TypeID, source uint32, ts time.Time, payload []byte) *Event {
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{typ: typ, source: source, ts: ts, payload: payload}
}

// NewControl builds a zero-payload control event such as TypeStop.
func NewControl(typ TypeID) *Event {
	return &Event{typ: typ, ts: time.Now()}
}

// Encode serializes value with the codec registered for typ and wraps it in
// an event.
func Encode(reg *Registry, typ TypeID, source uint32, ts time.Time, value any) (*Event, error) {
	codec, ok := reg.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	payload, err := codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
	}
	return New(typ, source, ts, payload), nil
}

// Type returns the event type id
func (e *Event) Type() TypeID { return e.typ }

// Source returns the id of the poller or broker that produced the event
func (e *Event) Source() uint32 { return e.source }

// Timestamp returns the source timestamp
func (e *Event) Timestamp() time.Time { return e.ts }

// Payload returns the serialized payload. The slice must not be modified.
func (e *Event) Payload() []byte { return e.payload }

// Len returns the payload size in bytes
func (e *Event) Len() int { return len(e.payload) }

// IsControl reports whether the event is a protocol control signal
func (e *Event) IsControl() bool { return e.typ.IsControl() }

func (e *Event) String() string {
	return fmt.Sprintf("%s(source=%d, %d bytes)", e.typ, e.source, len(e.payload))
}
