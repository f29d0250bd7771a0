package events

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConfigChange reports that a monitored object was added, updated or removed
// by a configuration reload. Fields holds the object's changed attributes.
type ConfigChange struct {
	Object   string
	ObjectID uint64
	Action   string
	Fields   map[string]any
}

// Instance reports a poller starting or stopping
type Instance struct {
	PollerID  uint32
	Name      string
	Engine    string
	Version   string
	Running   bool
	StartTime time.Time
}

// marshalMessage encodes a protobuf message with its 4-byte length prefix.
func marshalMessage(m proto.Message) ([]byte, error) {
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

// unmarshalMessage reads a length-prefixed message. Bytes after the message
// are ignored so newer peers may append data.
func unmarshalMessage(payload []byte, m proto.Message) error {
	if len(payload) < 4 {
		return errShortRecord
	}
	n := binary.BigEndian.Uint32(payload)
	if uint64(n) > uint64(len(payload)-4) {
		return fmt.Errorf("message length %d exceeds payload of %d bytes", n, len(payload)-4)
	}
	return proto.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(payload[4:4+n], m)
}

func numberField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

// idField reads a 64-bit id. Ids travel as decimal strings because a Struct
// number is a float64; plain numbers are accepted too.
func idField(m map[string]any, key string) (uint64, error) {
	switch v := m[key].(type) {
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return id, nil
	case float64:
		return uint64(v), nil
	}
	return 0, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ConfigChangeCodec encodes ConfigChange as an embedded protobuf Struct
var ConfigChangeCodec = &Codec{
	Name:     "config_change",
	Encoding: EncodingMessage,
	Encode: func(value any) ([]byte, error) {
		cc, err := asRecord[ConfigChange](value)
		if err != nil {
			return nil, err
		}
		fields := cc.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		s, err := structpb.NewStruct(map[string]any{
			"object":    cc.Object,
			"object_id": strconv.FormatUint(cc.ObjectID, 10),
			"action":    cc.Action,
			"fields":    fields,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid config change: %w", err)
		}
		return marshalMessage(s)
	},
	Decode: func(payload []byte) (any, error) {
		var s structpb.Struct
		if err := unmarshalMessage(payload, &s); err != nil {
			return nil, err
		}
		m := s.AsMap()
		id, err := idField(m, "object_id")
		if err != nil {
			return nil, err
		}
		cc := ConfigChange{
			Object:   stringField(m, "object"),
			ObjectID: id,
			Action:   stringField(m, "action"),
		}
		if f, ok := m["fields"].(map[string]any); ok {
			cc.Fields = f
		}
		return cc, nil
	},
}

// InstanceCodec encodes Instance as an embedded protobuf Struct
var InstanceCodec = &Codec{
	Name:     "instance",
	Encoding: EncodingMessage,
	Encode: func(value any) ([]byte, error) {
		in, err := asRecord[Instance](value)
		if err != nil {
			return nil, err
		}
		var start float64
		if !in.StartTime.IsZero() {
			start = float64(in.StartTime.Unix())
		}
		s, err := structpb.NewStruct(map[string]any{
			"poller_id":  float64(in.PollerID),
			"name":       in.Name,
			"engine":     in.Engine,
			"version":    in.Version,
			"running":    in.Running,
			"start_time": start,
		})
		if err != nil {
			return nil, err
		}
		return marshalMessage(s)
	},
	Decode: func(payload []byte) (any, error) {
		var s structpb.Struct
		if err := unmarshalMessage(payload, &s); err != nil {
			return nil, err
		}
		m := s.AsMap()
		in := Instance{
			PollerID: uint32(numberField(m, "poller_id")),
			Name:     stringField(m, "name"),
			Engine:   stringField(m, "engine"),
			Version:  stringField(m, "version"),
		}
		in.Running, _ = m["running"].(bool)
		if start := numberField(m, "start_time"); start > 0 {
			in.StartTime = time.Unix(int64(start), 0)
		}
		return in, nil
	},
}

// NewConfigChange builds a config_change event
func NewConfigChange(source uint32, cc ConfigChange) (*Event, error) {
	payload, err := ConfigChangeCodec.Encode(cc)
	if err != nil {
		return nil, err
	}
	return New(TypeConfigChange, source, time.Time{}, payload), nil
}

// NewInstance builds an instance event
func NewInstance(in Instance) (*Event, error) {
	payload, err := InstanceCodec.Encode(in)
	if err != nil {
		return nil, err
	}
	return New(TypeInstance, in.PollerID, time.Time{}, payload), nil
}
