package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrCorruptFrame is returned when a frame fails its checksum or is
	// malformed. The stream cannot be resynchronized and must be closed.
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrUnsupportedVersion is returned for frames of another protocol version
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrFrameTooLarge is returned when a payload exceeds MaxPayload
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	// Version is the protocol version written in every frame
	Version = 1

	// MaxPayload bounds the payload of one frame
	MaxPayload = 16 << 20

	headerSize   = 9
	envelopeSize = 12
	trailerSize  = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encoder writes events as frames:
//
//	[version:1][type:4][length:4][payload:length][crc32c:4]
//
// The payload of a data frame starts with the event source id and timestamp
// in unix nanoseconds, followed by the event payload. Control frames have no
// payload. The checksum covers header and payload.
type Encoder struct {
	w      io.Writer
	bw     *bufio.Writer
	reg    *events.Registry
	frames uint64
}

// NewEncoder creates an encoder writing to w. When reg is not nil, events of
// types it does not know are refused.
func NewEncoder(w io.Writer, reg *events.Registry) *Encoder {
	return &Encoder{
		w:   w,
		bw:  bufio.NewWriterSize(w, 64<<10),
		reg: reg,
	}
}

// Encode buffers one event. Call Flush to write it out.
func (e *Encoder) Encode(ev *events.Event) error {
	if ev.IsControl() {
		return e.EncodeControl(ev.Type())
	}
	if e.reg != nil && !e.reg.Known(ev.Type()) {
		return fmt.Errorf("%w: %s", events.ErrUnknownType, ev.Type())
	}

	length := envelopeSize + ev.Len()
	if length > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	var head [headerSize + envelopeSize]byte
	head[0] = Version
	binary.BigEndian.PutUint32(head[1:5], uint32(ev.Type()))
	binary.BigEndian.PutUint32(head[5:9], uint32(length))
	binary.BigEndian.PutUint32(head[9:13], ev.Source())
	var nanos int64
	if ts := ev.Timestamp(); !ts.IsZero() {
		nanos = ts.UnixNano()
	}
	binary.BigEndian.PutUint64(head[13:21], uint64(nanos))

	sum := crc32.Update(0, castagnoli, head[:])
	sum = crc32.Update(sum, castagnoli, ev.Payload())

	return e.write(head[:], ev.Payload(), sum)
}

// EncodeControl buffers a zero payload control frame such as TypeStop
func (e *Encoder) EncodeControl(t events.TypeID) error {
	if !t.IsControl() {
		return fmt.Errorf("%s is not a control type", t)
	}
	var head [headerSize]byte
	head[0] = Version
	binary.BigEndian.PutUint32(head[1:5], uint32(t))
	return e.write(head[:], nil, crc32Castagnoli(head[:]))
}

func (e *Encoder) write(head, payload []byte, sum uint32) error {
	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[:], sum)

	if _, err := e.bw.Write(head); err != nil {
		return err
	}
	if _, err := e.bw.Write(payload); err != nil {
		return err
	}
	if _, err := e.bw.Write(trailer[:]); err != nil {
		return err
	}
	e.frames++
	metrics.WireFramesTotal.WithLabelValues("out").Inc()
	return nil
}

// Flush writes the buffered frames, then flushes the underlying writer when
// it buffers too, as a CompressWriter does
func (e *Encoder) Flush() error {
	if err := e.bw.Flush(); err != nil {
		return err
	}
	if f, ok := e.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Buffered returns the number of bytes waiting for Flush
func (e *Encoder) Buffered() int {
	return e.bw.Buffered()
}

// Frames returns the number of frames encoded
func (e *Encoder) Frames() uint64 {
	return e.frames
}

// Decoder reads frames written by an Encoder
type Decoder struct {
	r       *bufio.Reader
	reg     *events.Registry
	logger  zerolog.Logger
	frames  uint64
	skipped uint64
}

// NewDecoder creates a decoder reading from r. Frames whose type reg does
// not know are skipped; a nil reg accepts every type.
func NewDecoder(r io.Reader, reg *events.Registry) *Decoder {
	return &Decoder{
		r:      bufio.NewReaderSize(r, 64<<10),
		reg:    reg,
		logger: log.WithComponent("wire"),
	}
}

// Decode returns the next event. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a frame.
func (d *Decoder) Decode() (*events.Event, error) {
	for {
		var head [headerSize]byte
		if _, err := io.ReadFull(d.r, head[:]); err != nil {
			return nil, err
		}
		if head[0] != Version {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, head[0])
		}
		typ := events.TypeID(binary.BigEndian.Uint32(head[1:5]))
		length := binary.BigEndian.Uint32(head[5:9])
		if length > MaxPayload {
			return nil, fmt.Errorf("%w: %s announces %d bytes", ErrCorruptFrame, typ, length)
		}

		body := make([]byte, int(length)+trailerSize)
		if _, err := io.ReadFull(d.r, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		payload := body[:length]
		want := binary.BigEndian.Uint32(body[length:])
		sum := crc32.Update(crc32Castagnoli(head[:]), castagnoli, payload)
		if sum != want {
			return nil, fmt.Errorf("%w: checksum mismatch on %s", ErrCorruptFrame, typ)
		}
		d.frames++
		metrics.WireFramesTotal.WithLabelValues("in").Inc()

		if typ.IsControl() {
			if length != 0 {
				return nil, fmt.Errorf("%w: control frame %s with payload", ErrCorruptFrame, typ)
			}
			return events.NewControl(typ), nil
		}

		if d.reg != nil && !d.reg.Known(typ) {
			d.skipped++
			metrics.WireFramesSkippedTotal.Inc()
			d.logger.Debug().Str("type", typ.String()).Uint32("length", length).Msg("Skipping frame of unknown type")
			continue
		}

		if length < envelopeSize {
			return nil, fmt.Errorf("%w: %s frame shorter than its envelope", ErrCorruptFrame, typ)
		}
		source := binary.BigEndian.Uint32(payload[0:4])
		nanos := int64(binary.BigEndian.Uint64(payload[4:12]))
		var ts time.Time
		if nanos != 0 {
			ts = time.Unix(0, nanos)
		}
		var data []byte
		if length > envelopeSize {
			data = payload[envelopeSize:]
		}
		return events.New(typ, source, ts, data), nil
	}
}

// Frames returns the number of valid frames read, skipped ones included
func (d *Decoder) Frames() uint64 {
	return d.frames
}

// Skipped returns the number of frames dropped for an unknown type
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}

func crc32Castagnoli(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
