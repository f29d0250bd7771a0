package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/wire"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

// Publisher receives the events decoded by an Acceptor, usually the engine
type Publisher interface {
	Publish(e *events.Event) error
}

// AcceptorOptions configures an acceptor
type AcceptorOptions struct {
	// Registry selects the accepted types; frames of other types are skipped
	Registry *events.Registry

	// Compression expects the stream to be written by a CompressWriter; acks
	// sent back are compressed too
	Compression bool

	// AckEvery is the number of received events after which an ack is sent
	// back. Keep-alive and stop frames are acked at once.
	AckEvery int
}

// Acceptor is a network feeder: it accepts connections from peers, decodes
// their frames and publishes the events. A failing connection only ends
// itself.
type Acceptor struct {
	ln     net.Listener
	pub    Publisher
	opts   AcceptorOptions
	logger zerolog.Logger

	wg        sync.WaitGroup
	mu        sync.Mutex
	conns     map[string]net.Conn
	closing   chan struct{}
	closeOnce sync.Once
}

// Listen opens the listening socket
func Listen(addr string, pub Publisher, opts AcceptorOptions) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if opts.Registry == nil {
		opts.Registry = events.DefaultRegistry()
	}
	if opts.AckEvery <= 0 {
		opts.AckEvery = 256
	}
	return &Acceptor{
		ln:      ln,
		pub:     pub,
		opts:    opts,
		logger:  log.WithComponent("tcp"),
		conns:   make(map[string]net.Conn),
		closing: make(chan struct{}),
	}, nil
}

// Addr returns the listening address
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve accepts connections until ctx is done or Close is called
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.closing:
		}
	}()

	a.logger.Info().Str("addr", a.ln.Addr().String()).Msg("Accepting feeder connections")
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closing:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		id := uuid.NewString()
		a.mu.Lock()
		select {
		case <-a.closing:
			a.mu.Unlock()
			_ = conn.Close()
			return nil
		default:
		}
		a.conns[id] = conn
		a.wg.Add(1)
		a.mu.Unlock()

		go func() {
			defer a.wg.Done()
			a.handle(id, conn)
		}()
	}
}

func (a *Acceptor) handle(id string, conn net.Conn) {
	logger := log.WithConnID("tcp", id).With().Str("peer", conn.RemoteAddr().String()).Logger()
	metrics.InputConnections.Inc()
	defer func() {
		_ = conn.Close()
		a.mu.Lock()
		delete(a.conns, id)
		a.mu.Unlock()
		metrics.InputConnections.Dec()
	}()

	logger.Info().Msg("Feeder connected")

	var r io.Reader = conn
	var w io.Writer = conn
	if a.opts.Compression {
		r = wire.NewDecompressReader(conn)
		cw, err := wire.NewCompressWriter(conn, 0, zlib.DefaultCompression)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to set up ack compression")
			return
		}
		w = cw
	}
	dec := wire.NewDecoder(r, a.opts.Registry)
	acks := &acker{enc: wire.NewEncoder(w, nil)}

	var published uint64
	for {
		e, err := dec.Decode()
		acks.skipped(dec.Skipped())
		if err != nil {
			a.logEnd(logger, err, published, dec.Skipped())
			return
		}

		switch {
		case e.Type() == events.TypeKeepAlive:
			if err := acks.flush(); err != nil {
				logger.Warn().Err(err).Msg("Failed to acknowledge events")
				return
			}
			continue
		case e.Type() == events.TypeStop:
			if err := acks.flush(); err != nil {
				logger.Warn().Err(err).Msg("Failed to acknowledge events")
				return
			}
			logger.Info().Uint64("published", published).Msg("Feeder sent end of stream")
			return
		case e.Type().IsProtocol():
			// Acks and the like belong to the stream that carried them.
			acks.received()
		default:
			if err := a.pub.Publish(e); err != nil {
				// Unacknowledged, the feeder sends it again on its next
				// connection.
				logger.Warn().Err(err).Uint64("published", published).Msg("Engine rejected event, closing feeder connection")
				return
			}
			published++
			acks.received()
		}

		if acks.pending >= uint32(a.opts.AckEvery) {
			if err := acks.flush(); err != nil {
				logger.Warn().Err(err).Msg("Failed to acknowledge events")
				return
			}
		}
	}
}

// acker counts the frames of one connection that were handled but not yet
// acknowledged, skipped ones included since the feeder counts every data frame
// it wrote.
type acker struct {
	enc         *wire.Encoder
	pending     uint32
	lastSkipped uint64
}

func (k *acker) received() {
	k.pending++
}

func (k *acker) skipped(total uint64) {
	k.pending += uint32(total - k.lastSkipped)
	k.lastSkipped = total
}

// flush sends an ack for the pending frames, if any
func (k *acker) flush() error {
	if k.pending == 0 {
		return nil
	}
	if err := k.enc.Encode(events.NewAck(k.pending)); err != nil {
		return err
	}
	if err := k.enc.Flush(); err != nil {
		return err
	}
	metrics.InputAcksTotal.Inc()
	k.pending = 0
	return nil
}

func (a *Acceptor) logEnd(logger zerolog.Logger, err error, published, skipped uint64) {
	select {
	case <-a.closing:
		logger.Debug().Msg("Feeder connection closed on shutdown")
		return
	default:
	}

	switch {
	case errors.Is(err, io.EOF):
		logger.Info().Uint64("published", published).Uint64("skipped", skipped).Msg("Feeder disconnected")
	case errors.Is(err, wire.ErrCorruptFrame), errors.Is(err, wire.ErrUnsupportedVersion):
		logger.Error().Err(err).Uint64("published", published).Msg("Closing feeder connection on bad frame")
	default:
		logger.Warn().Err(err).Uint64("published", published).Msg("Feeder connection failed")
	}
}

// Connections returns the number of open feeder connections
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Close stops accepting, closes every connection and waits for their
// handlers
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closing)
		err = a.ln.Close()
		a.mu.Lock()
		for _, c := range a.conns {
			_ = c.Close()
		}
		a.mu.Unlock()
		a.wg.Wait()
	})
	return err
}
