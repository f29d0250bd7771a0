package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var errShortRecord = errors.New("record truncated")

// HostState is the state of a monitored host
type HostState uint8

const (
	HostUp HostState = iota
	HostDown
	HostUnreachable
)

// ServiceState is the state of a monitored service
type ServiceState uint8

const (
	ServiceOK ServiceState = iota
	ServiceWarning
	ServiceCritical
	ServiceUnknown
)

// StateType distinguishes soft (still retrying) from hard states
type StateType uint8

const (
	StateSoft StateType = iota
	StateHard
)

// HostStatus is a host state update
type HostStatus struct {
	HostID       uint64
	State        HostState
	StateType    StateType
	CheckAttempt uint16
	LastCheck    time.Time
	Output       string
	PerfData     string
}

// ServiceStatus is a service state update
type ServiceStatus struct {
	HostID       uint64
	ServiceID    uint64
	State        ServiceState
	StateType    StateType
	CheckAttempt uint16
	LastCheck    time.Time
	Output       string
	PerfData     string
}

// CheckKind tells how a check was run
type CheckKind uint8

const (
	CheckActive CheckKind = iota
	CheckPassive
)

// CheckResult is the raw outcome of a check execution. ServiceID is zero for
// host checks.
type CheckResult struct {
	HostID        uint64
	ServiceID     uint64
	Kind          CheckKind
	ReturnCode    int32
	ExecutionTime float64
	Latency       float64
	Command       string
	Output        string
}

// MetricKind is the data source type of a metric
type MetricKind uint8

const (
	MetricGauge MetricKind = iota
	MetricCounter
	MetricDerive
	MetricAbsolute
)

// Metric is one performance data point
type Metric struct {
	MetricID  uint64
	HostID    uint64
	ServiceID uint64
	Name      string
	Kind      MetricKind
	Value     float64
	Unit      string
	Time      time.Time
}

// Ack tells a peer how many events were processed
type Ack struct {
	Count uint32
}

// recordWriter appends big endian fields to a buffer
type recordWriter struct {
	buf []byte
}

func (w *recordWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *recordWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *recordWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *recordWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *recordWriter) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w *recordWriter) time(t time.Time) {
	if t.IsZero() {
		w.u64(0)
		return
	}
	w.u64(uint64(t.UnixNano()))
}

func (w *recordWriter) str(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// recordReader consumes fields written by recordWriter. The first short read
// sticks and every later read returns zero values.
type recordReader struct {
	buf []byte
	err error
}

func (r *recordReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortRecord
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *recordReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *recordReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *recordReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *recordReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *recordReader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *recordReader) time() time.Time {
	ns := r.u64()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns))
}

func (r *recordReader) str() string {
	n := int(r.u16())
	if b := r.take(n); b != nil {
		return string(b)
	}
	return ""
}

func (hs HostStatus) marshal() []byte {
	w := recordWriter{buf: make([]byte, 0, 32+len(hs.Output)+len(hs.PerfData))}
	w.u64(hs.HostID)
	w.u8(uint8(hs.State))
	w.u8(uint8(hs.StateType))
	w.u16(hs.CheckAttempt)
	w.time(hs.LastCheck)
	w.str(hs.Output)
	w.str(hs.PerfData)
	return w.buf
}

func (ss ServiceStatus) marshal() []byte {
	w := recordWriter{buf: make([]byte, 0, 40+len(ss.Output)+len(ss.PerfData))}
	w.u64(ss.HostID)
	w.u64(ss.ServiceID)
	w.u8(uint8(ss.State))
	w.u8(uint8(ss.StateType))
	w.u16(ss.CheckAttempt)
	w.time(ss.LastCheck)
	w.str(ss.Output)
	w.str(ss.PerfData)
	return w.buf
}

func (cr CheckResult) marshal() []byte {
	w := recordWriter{buf: make([]byte, 0, 48+len(cr.Command)+len(cr.Output))}
	w.u64(cr.HostID)
	w.u64(cr.ServiceID)
	w.u8(uint8(cr.Kind))
	w.u32(uint32(cr.ReturnCode))
	w.f64(cr.ExecutionTime)
	w.f64(cr.Latency)
	w.str(cr.Command)
	w.str(cr.Output)
	return w.buf
}

func (m Metric) marshal() []byte {
	w := recordWriter{buf: make([]byte, 0, 48+len(m.Name)+len(m.Unit))}
	w.u64(m.MetricID)
	w.u64(m.HostID)
	w.u64(m.ServiceID)
	w.str(m.Name)
	w.u8(uint8(m.Kind))
	w.f64(m.Value)
	w.str(m.Unit)
	w.time(m.Time)
	return w.buf
}

func (a Ack) marshal() []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), a.Count)
}

// HostStatusCodec encodes HostStatus records
var HostStatusCodec = &Codec{
	Name:     "host_status",
	Encoding: EncodingNative,
	Encode: func(value any) ([]byte, error) {
		hs, err := asRecord[HostStatus](value)
		if err != nil {
			return nil, err
		}
		return hs.marshal(), nil
	},
	Decode: func(payload []byte) (any, error) {
		r := recordReader{buf: payload}
		hs := HostStatus{
			HostID:       r.u64(),
			State:        HostState(r.u8()),
			StateType:    StateType(r.u8()),
			CheckAttempt: r.u16(),
			LastCheck:    r.time(),
			Output:       r.str(),
			PerfData:     r.str(),
		}
		return hs, r.err
	},
}

// ServiceStatusCodec encodes ServiceStatus records
var ServiceStatusCodec = &Codec{
	Name:     "service_status",
	Encoding: EncodingNative,
	Encode: func(value any) ([]byte, error) {
		ss, err := asRecord[ServiceStatus](value)
		if err != nil {
			return nil, err
		}
		return ss.marshal(), nil
	},
	Decode: func(payload []byte) (any, error) {
		r := recordReader{buf: payload}
		ss := ServiceStatus{
			HostID:       r.u64(),
			ServiceID:    r.u64(),
			State:        ServiceState(r.u8()),
			StateType:    StateType(r.u8()),
			CheckAttempt: r.u16(),
			LastCheck:    r.time(),
			Output:       r.str(),
			PerfData:     r.str(),
		}
		return ss, r.err
	},
}

// CheckResultCodec encodes CheckResult records
var CheckResultCodec = &Codec{
	Name:     "check_result",
	Encoding: EncodingNative,
	Encode: func(value any) ([]byte, error) {
		cr, err := asRecord[CheckResult](value)
		if err != nil {
			return nil, err
		}
		return cr.marshal(), nil
	},
	Decode: func(payload []byte) (any, error) {
		r := recordReader{buf: payload}
		cr := CheckResult{
			HostID:        r.u64(),
			ServiceID:     r.u64(),
			Kind:          CheckKind(r.u8()),
			ReturnCode:    int32(r.u32()),
			ExecutionTime: r.f64(),
			Latency:       r.f64(),
			Command:       r.str(),
			Output:        r.str(),
		}
		return cr, r.err
	},
}

// MetricCodec encodes Metric records
var MetricCodec = &Codec{
	Name:     "metric",
	Encoding: EncodingNative,
	Encode: func(value any) ([]byte, error) {
		m, err := asRecord[Metric](value)
		if err != nil {
			return nil, err
		}
		return m.marshal(), nil
	},
	Decode: func(payload []byte) (any, error) {
		r := recordReader{buf: payload}
		m := Metric{
			MetricID:  r.u64(),
			HostID:    r.u64(),
			ServiceID: r.u64(),
			Name:      r.str(),
			Kind:      MetricKind(r.u8()),
			Value:     r.f64(),
			Unit:      r.str(),
			Time:      r.time(),
		}
		return m, r.err
	},
}

// AckCodec encodes Ack records
var AckCodec = &Codec{
	Name:     "ack",
	Encoding: EncodingNative,
	Encode: func(value any) ([]byte, error) {
		a, err := asRecord[Ack](value)
		if err != nil {
			return nil, err
		}
		return a.marshal(), nil
	},
	Decode: func(payload []byte) (any, error) {
		r := recordReader{buf: payload}
		a := Ack{Count: r.u32()}
		return a, r.err
	},
}

// ControlCodec is shared by the zero-payload control types
var ControlCodec = &Codec{
	Name:     "control",
	Encoding: EncodingControl,
	Encode: func(value any) ([]byte, error) {
		return nil, nil
	},
	Decode: func(payload []byte) (any, error) {
		if len(payload) != 0 {
			return nil, fmt.Errorf("control event carries %d payload bytes", len(payload))
		}
		return nil, nil
	},
}

// asRecord accepts T or *T
func asRecord[T any](value any) (T, error) {
	switch v := value.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unexpected value %T, want %T", value, zero)
}

// NewHostStatus builds a host_status event
func NewHostStatus(source uint32, hs HostStatus) *Event {
	return New(TypeHostStatus, source, hs.LastCheck, hs.marshal())
}

// NewServiceStatus builds a service_status event
func NewServiceStatus(source uint32, ss ServiceStatus) *Event {
	return New(TypeServiceStatus, source, ss.LastCheck, ss.marshal())
}

// NewCheckResult builds a check_result event
func NewCheckResult(source uint32, cr CheckResult) *Event {
	return New(TypeCheckResult, source, time.Time{}, cr.marshal())
}

// NewMetric builds a metric event
func NewMetric(source uint32, m Metric) *Event {
	return New(TypeMetric, source, m.Time, m.marshal())
}

// NewAck builds an ack event
func NewAck(count uint32) *Event {
	return New(TypeAck, 0, time.Time{}, Ack{Count: count}.marshal())
}
