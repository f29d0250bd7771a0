package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/muxer"
	"github.com/cuemby/beacon/pkg/wire"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

// Source is the queue a forwarder drains, usually an engine subscriber
type Source interface {
	Name() string
	Read(ctx context.Context) (muxer.Delivery, error)
	Ack(pos muxer.Position)
	Nack()
}

// AckMode selects when forwarded events are acknowledged to the source
type AckMode string

const (
	// AckPeer acknowledges events once the peer acknowledged them with ack
	// frames. Events the peer never acknowledged are redelivered after a
	// reconnect.
	AckPeer AckMode = "peer"

	// AckFlush acknowledges events once they were flushed to the stream, for
	// peers that never send acks. Events in flight when the stream fails are
	// lost.
	AckFlush AckMode = "flush"
)

// ErrAckTimeout is returned when the peer stops acknowledging events
var ErrAckTimeout = errors.New("peer did not acknowledge events in time")

// ForwarderOptions configures a forwarder
type ForwarderOptions struct {
	// Registry restricts the forwarded types; nil forwards everything
	Registry *events.Registry

	Compression      bool
	CompressionLevel int
	ChunkSize        int

	// ReadTimeout is the idle time after which a keep-alive is sent
	ReadTimeout time.Duration

	// BatchSize is the maximum number of events written per flush
	BatchSize int

	// ConnectTimeout bounds one Supervisor.Open call; zero waits until the
	// forwarder is cancelled
	ConnectTimeout time.Duration

	// AckMode defaults to AckPeer
	AckMode AckMode

	// AckWindow is the maximum number of events written but not yet
	// acknowledged by the peer
	AckWindow int

	// AckTimeout is how long a full window or the end of the stream waits for
	// the peer to acknowledge
	AckTimeout time.Duration
}

// Forwarder drains a Source into the stream opened by a Supervisor. In peer
// mode events are acknowledged to the source as the peer acknowledges them;
// when the stream fails, the rest is handed back to the source with Nack and
// the forwarder reconnects. The source keeps queueing in the meantime. Only a
// persistent source can hand events back: a non-persistent one has already
// forgotten what was read, so events in flight on a failed stream are lost.
type Forwarder struct {
	sup    *Supervisor
	src    Source
	opts   ForwarderOptions
	logger zerolog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewForwarder creates a forwarder
func NewForwarder(sup *Supervisor, src Source, opts ForwarderOptions) *Forwarder {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.Compression && opts.CompressionLevel == 0 {
		opts.CompressionLevel = zlib.DefaultCompression
	}
	if opts.AckMode == "" {
		opts.AckMode = AckPeer
	}
	if opts.AckWindow <= 0 {
		opts.AckWindow = 1024
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	return &Forwarder{
		sup:    sup,
		src:    src,
		opts:   opts,
		logger: log.WithComponent("failover").With().Str("output", sup.Name()).Str("subscriber", src.Name()).Logger(),
	}
}

// Sent returns the number of events written to the stream, redeliveries
// included
func (f *Forwarder) Sent() uint64 {
	return f.sent.Load()
}

// Run forwards until the source delivers its stop marker or is closed, in
// which case it returns nil, or until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		conn, err := f.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn().Err(err).Msg("Output unreachable, events stay queued")
			continue
		}

		done, err := f.serve(ctx, conn)
		if done {
			f.sup.setDown(nil)
			f.logger.Info().Uint64("sent", f.sent.Load()).Msg("Forwarder finished")
			return err
		}

		f.src.Nack()
		f.sup.MarkDown(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (f *Forwarder) open(ctx context.Context) (io.ReadWriteCloser, error) {
	if f.opts.ConnectTimeout <= 0 {
		return f.sup.Open(ctx)
	}
	octx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
	defer cancel()
	return f.sup.Open(octx)
}

// stream is one connection to the peer. acks is nil in flush mode.
type stream struct {
	enc     *wire.Encoder
	acks    *unacked
	peerErr chan error
}

// peerFailed returns the error that ended the ack reader, if any
func (s *stream) peerFailed() error {
	if s.acks == nil {
		return nil
	}
	select {
	case err := <-s.peerErr:
		return err
	default:
		return nil
	}
}

// serve forwards over one stream and closes it. done is true when forwarding
// is over for good; otherwise err is the stream failure.
func (f *Forwarder) serve(ctx context.Context, conn io.ReadWriteCloser) (done bool, err error) {
	var w io.Writer = conn
	if f.opts.Compression {
		cw, err := wire.NewCompressWriter(conn, f.opts.ChunkSize, f.opts.CompressionLevel)
		if err != nil {
			_ = conn.Close()
			return true, err
		}
		w = cw
	}
	s := &stream{enc: wire.NewEncoder(w, f.opts.Registry)}

	if f.opts.AckMode == AckPeer {
		s.acks = newUnacked(f.src, f.sup.Name())
		s.peerErr = make(chan error, 1)
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			s.peerErr <- f.readAcks(conn, s.acks)
		}()
		// No peer ack may reach the source once Run hands the rest back.
		defer func() {
			_ = conn.Close()
			<-readerDone
			s.acks.reset()
		}()
	} else {
		defer conn.Close()
	}

	for {
		if err := s.peerFailed(); err != nil {
			return false, err
		}
		limit := f.opts.BatchSize
		if s.acks != nil {
			room, err := f.makeRoom(ctx, s)
			if err != nil {
				if ctx.Err() != nil {
					return true, ctx.Err()
				}
				return false, err
			}
			limit = min(limit, room)
		}

		rctx, cancel := context.WithTimeout(ctx, f.opts.ReadTimeout)
		d, err := f.src.Read(rctx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, muxer.ErrTimeout):
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if err := f.keepAlive(s.enc); err != nil {
				return false, err
			}
			continue
		case errors.Is(err, muxer.ErrEndOfStream):
			// The marker went out on an earlier stream that failed before the
			// peer acknowledged everything; the redeliveries are done.
			return f.finish(ctx, s, true)
		case errors.Is(err, muxer.ErrClosed):
			return true, nil
		default:
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return false, err
		}

		stop, err := f.writeBatch(ctx, s, d, limit)
		if err != nil {
			return false, err
		}
		if stop {
			return f.finish(ctx, s, false)
		}
	}
}

func (f *Forwarder) keepAlive(enc *wire.Encoder) error {
	if err := enc.EncodeControl(events.TypeKeepAlive); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("failed to send keep-alive: %w", err)
	}
	return nil
}

// makeRoom waits until the ack window has room and returns how much
func (f *Forwarder) makeRoom(ctx context.Context, s *stream) (int, error) {
	pending, _ := s.acks.state()
	if pending < f.opts.AckWindow {
		return f.opts.AckWindow - pending, nil
	}
	// A keep-alive makes the peer acknowledge what it has.
	if err := f.keepAlive(s.enc); err != nil {
		return 0, err
	}
	if err := f.awaitAcks(ctx, s, f.opts.AckWindow-1); err != nil {
		return 0, err
	}
	pending, _ = s.acks.state()
	return f.opts.AckWindow - pending, nil
}

// awaitAcks waits until at most below events are unacknowledged
func (f *Forwarder) awaitAcks(ctx context.Context, s *stream, below int) error {
	timer := time.NewTimer(f.opts.AckTimeout)
	defer timer.Stop()
	for {
		pending, changed := s.acks.state()
		if pending <= below {
			return nil
		}
		select {
		case <-changed:
		case err := <-s.peerErr:
			// The peer may ack its last events and hang up at once.
			if pending, _ := s.acks.state(); pending <= below {
				return nil
			}
			return err
		case <-timer.C:
			return fmt.Errorf("%w: %d events outstanding", ErrAckTimeout, pending)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish ends the stream once the stop marker was forwarded, waiting in peer
// mode until the peer acknowledged everything. resend forwards the marker
// again to a peer that did not see it.
func (f *Forwarder) finish(ctx context.Context, s *stream, resend bool) (bool, error) {
	if s.acks == nil {
		return true, nil
	}
	if pending, _ := s.acks.state(); pending == 0 {
		return true, nil
	}
	if resend {
		if err := s.enc.EncodeControl(events.TypeStop); err != nil {
			return false, err
		}
		if err := s.enc.Flush(); err != nil {
			return false, fmt.Errorf("failed to send stop: %w", err)
		}
	}
	if err := f.awaitAcks(ctx, s, 0); err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		f.logger.Warn().Err(err).Msg("Peer did not acknowledge the end of the stream")
		return false, err
	}
	return true, nil
}

// readAcks feeds the peer acks read from r to acks until the stream fails
func (f *Forwarder) readAcks(r io.Reader, acks *unacked) error {
	if f.opts.Compression {
		r = wire.NewDecompressReader(r)
	}
	dec := wire.NewDecoder(r, nil)
	for {
		e, err := dec.Decode()
		if err != nil {
			return fmt.Errorf("peer stream ended: %w", err)
		}
		if e.Type() != events.TypeAck {
			continue
		}
		v, err := events.AckCodec.Decode(e.Payload())
		if err != nil {
			return fmt.Errorf("bad ack from peer: %w", err)
		}
		if err := acks.ack(v.(events.Ack).Count); err != nil {
			return err
		}
	}
}

// writeBatch encodes d and whatever else is ready, up to limit events, then
// flushes. In flush mode it acknowledges the batch; in peer mode the peer
// does. It reports whether the stop marker was forwarded.
func (f *Forwarder) writeBatch(ctx context.Context, s *stream, d muxer.Delivery, limit int) (bool, error) {
	timer := metrics.NewTimer()

	// An expired context turns Read into a poll.
	now, cancel := context.WithDeadline(ctx, time.Now())
	defer cancel()

	last := d.Position
	stop := false
	n := 0
	for {
		written, err := f.encode(s.enc, d.Event)
		if err != nil {
			return false, err
		}
		last = d.Position
		if written {
			n++
		}
		if s.acks != nil {
			if written && !d.IsStop() {
				s.acks.written(d.Position)
			} else {
				s.acks.passed(d.Position)
			}
		}
		if d.IsStop() {
			stop = true
			break
		}
		if n >= limit {
			break
		}
		next, err := f.src.Read(now)
		if err != nil {
			break
		}
		d = next
	}

	if err := s.enc.Flush(); err != nil {
		return false, fmt.Errorf("failed to write events: %w", err)
	}
	if s.acks == nil {
		f.src.Ack(last)
	}
	f.sent.Add(uint64(n))
	timer.ObserveDurationVec(metrics.FailoverWriteDuration, f.sup.Name())
	return stop, nil
}

// encode reports whether e went out; events of types the output does not
// forward are dropped
func (f *Forwarder) encode(enc *wire.Encoder, e *events.Event) (bool, error) {
	err := enc.Encode(e)
	if errors.Is(err, events.ErrUnknownType) {
		f.dropped.Add(1)
		f.logger.Debug().Str("type", e.Type().String()).Msg("Event type not forwarded")
		return false, nil
	}
	return err == nil, err
}
