package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestTypeID(t *testing.T) {
	id := MakeType(CategoryNeb, 14)

	assert.Equal(t, TypeHostStatus, id)
	assert.Equal(t, CategoryNeb, id.Category())
	assert.Equal(t, uint16(14), id.Element())
	assert.Equal(t, "neb:host_status", id.String())
	assert.Equal(t, "0x0000ffff", TypeID(0xFFFF).String())
	assert.True(t, TypeStop.IsControl())
	assert.False(t, TypeMetric.IsControl())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(TypeMetric, MetricCodec))
	require.NoError(t, reg.Register(TypeMetric, MetricCodec))

	codec, ok := reg.Lookup(TypeMetric)
	require.True(t, ok)
	assert.Same(t, MetricCodec, codec)
}

func TestRegistry_RegisterConflict(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(TypeMetric, MetricCodec))

	err := reg.Register(TypeMetric, HostStatusCodec)
	assert.ErrorIs(t, err, ErrTypeConflict)
}

func TestRegistry_RejectsIncompleteCodec(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register(TypeMetric, nil))
	assert.Error(t, reg.Register(TypeMetric, &Codec{Name: "half"}))
	assert.False(t, reg.Known(TypeMetric))
}

func TestRegistry_DecodeUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Decode(New(0xFFFF, 0, time.Time{}, []byte{1}))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDefaultRegistry_HasBuiltins(t *testing.T) {
	reg := DefaultRegistry()

	for _, id := range []TypeID{TypeHostStatus, TypeServiceStatus, TypeCheckResult, TypeMetric,
		TypeAck, TypeConfigChange, TypeInstance, TypeStop, TypeKeepAlive} {
		assert.True(t, reg.Known(id), "missing %s", id)
	}
	assert.Len(t, reg.Types(), 9)
}

func TestNativeRecords(t *testing.T) {
	ts := time.Unix(1700000000, 123)
	reg := DefaultRegistry()

	tests := []struct {
		name  string
		event *Event
		want  any
	}{
		{
			name: "host status",
			event: NewHostStatus(3, HostStatus{HostID: 42, State: HostDown, StateType: StateHard,
				CheckAttempt: 3, LastCheck: ts, Output: "PING CRITICAL", PerfData: "rta=0ms"}),
			want: HostStatus{HostID: 42, State: HostDown, StateType: StateHard,
				CheckAttempt: 3, LastCheck: ts, Output: "PING CRITICAL", PerfData: "rta=0ms"},
		},
		{
			name: "service status",
			event: NewServiceStatus(3, ServiceStatus{HostID: 42, ServiceID: 7, State: ServiceWarning,
				LastCheck: ts, Output: "DISK WARNING"}),
			want: ServiceStatus{HostID: 42, ServiceID: 7, State: ServiceWarning,
				LastCheck: ts, Output: "DISK WARNING"},
		},
		{
			name: "check result",
			event: NewCheckResult(1, CheckResult{HostID: 1, ServiceID: 2, Kind: CheckPassive,
				ReturnCode: -1, ExecutionTime: 0.25, Latency: 1.5, Command: "check_ping", Output: "ok"}),
			want: CheckResult{HostID: 1, ServiceID: 2, Kind: CheckPassive,
				ReturnCode: -1, ExecutionTime: 0.25, Latency: 1.5, Command: "check_ping", Output: "ok"},
		},
		{
			name: "metric",
			event: NewMetric(1, Metric{MetricID: 9, HostID: 1, ServiceID: 2, Name: "rta",
				Kind: MetricGauge, Value: 12.5, Unit: "ms", Time: ts}),
			want: Metric{MetricID: 9, HostID: 1, ServiceID: 2, Name: "rta",
				Kind: MetricGauge, Value: 12.5, Unit: "ms", Time: ts},
		},
		{
			name:  "ack",
			event: NewAck(1000),
			want:  Ack{Count: 1000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Decode(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// The constructor writes what the codec writes.
			codec, ok := reg.Lookup(tt.event.Type())
			require.True(t, ok)
			payload, err := codec.Encode(tt.want)
			require.NoError(t, err)
			assert.Equal(t, payload, tt.event.Payload())
		})
	}
}

func TestNativeRecord_Truncated(t *testing.T) {
	e := NewHostStatus(1, HostStatus{HostID: 1, Output: "long enough output"})
	short := New(TypeHostStatus, 1, time.Time{}, e.Payload()[:len(e.Payload())-3])

	_, err := DefaultRegistry().Decode(short)
	assert.Error(t, err)
}

func TestEncode_WrongValueType(t *testing.T) {
	_, err := Encode(DefaultRegistry(), TypeMetric, 0, time.Time{}, HostStatus{})
	assert.Error(t, err)

	_, err = Encode(NewRegistry(), TypeMetric, 0, time.Time{}, Metric{})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestConfigChange(t *testing.T) {
	e, err := NewConfigChange(2, ConfigChange{
		Object:   "service",
		ObjectID: 1234,
		Action:   "updated",
		Fields:   map[string]any{"check_interval": float64(5), "enabled": true},
	})
	require.NoError(t, err)

	got, err := DefaultRegistry().Decode(e)
	require.NoError(t, err)

	cc := got.(ConfigChange)
	assert.Equal(t, "service", cc.Object)
	assert.Equal(t, uint64(1234), cc.ObjectID)
	assert.Equal(t, "updated", cc.Action)
	assert.Equal(t, float64(5), cc.Fields["check_interval"])
	assert.Equal(t, true, cc.Fields["enabled"])
}

func TestConfigChange_LargeObjectID(t *testing.T) {
	id := uint64(1)<<60 + 1
	e, err := NewConfigChange(2, ConfigChange{Object: "host", ObjectID: id, Action: "removed"})
	require.NoError(t, err)

	got, err := DefaultRegistry().Decode(e)
	require.NoError(t, err)
	assert.Equal(t, id, got.(ConfigChange).ObjectID)
}

func TestConfigChange_NumericObjectID(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"object": "host", "object_id": float64(77), "action": "added"})
	require.NoError(t, err)
	payload, err := marshalMessage(s)
	require.NoError(t, err)

	got, err := DefaultRegistry().Decode(New(TypeConfigChange, 1, time.Time{}, payload))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), got.(ConfigChange).ObjectID)
}

func TestConfigChange_IgnoresTrailingBytes(t *testing.T) {
	e, err := NewConfigChange(2, ConfigChange{Object: "host", ObjectID: 1, Action: "added"})
	require.NoError(t, err)

	extended := append(append([]byte{}, e.Payload()...), 0xde, 0xad)
	got, err := DefaultRegistry().Decode(New(TypeConfigChange, 2, time.Time{}, extended))
	require.NoError(t, err)
	assert.Equal(t, "host", got.(ConfigChange).Object)
}

func TestInstance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	e, err := NewInstance(Instance{PollerID: 5, Name: "poller-5", Engine: "engine", Running: true, StartTime: start})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), e.Source())

	got, err := DefaultRegistry().Decode(e)
	require.NoError(t, err)
	assert.Equal(t, Instance{PollerID: 5, Name: "poller-5", Engine: "engine", Running: true, StartTime: start}, got)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		allowed []TypeID
		denied  []TypeID
		wantErr bool
	}{
		{
			name:    "empty allows all",
			names:   nil,
			allowed: []TypeID{TypeMetric, TypeHostStatus, 0xFFFF},
		},
		{
			name:    "category",
			names:   []string{"storage"},
			allowed: []TypeID{TypeMetric, TypeStop},
			denied:  []TypeID{TypeHostStatus},
		},
		{
			name:    "exact type",
			names:   []string{"neb:service_status"},
			allowed: []TypeID{TypeServiceStatus, TypeKeepAlive},
			denied:  []TypeID{TypeHostStatus, TypeMetric},
		},
		{
			name:    "hex id",
			names:   []string{"0x0001000e"},
			allowed: []TypeID{TypeHostStatus},
			denied:  []TypeID{TypeServiceStatus},
		},
		{
			name:    "unknown category",
			names:   []string{"bam"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			names:   []string{"neb:nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.names)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, id := range tt.allowed {
				assert.True(t, f.Allows(id), "%s should pass", id)
			}
			for _, id := range tt.denied {
				assert.False(t, f.Allows(id), "%s should be filtered", id)
			}
		})
	}
}
