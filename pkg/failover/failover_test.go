package failover

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/engine"
	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeEndpoint fails its first failures opens, then hands the peer side of
// every new in-memory connection to peers.
type pipeEndpoint struct {
	addr     string
	failures atomic.Int32
	attempts atomic.Int32
	peers    chan net.Conn
}

func newPipeEndpoint(addr string, failures int) *pipeEndpoint {
	p := &pipeEndpoint{addr: addr, peers: make(chan net.Conn, 16)}
	p.failures.Store(int32(failures))
	return p
}

func (p *pipeEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	p.attempts.Add(1)
	if p.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	local, remote := net.Pipe()
	p.peers <- remote
	return local, nil
}

func (p *pipeEndpoint) String() string {
	return p.addr
}

func fastPolicy() Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		BreakerFailures: 3,
		BreakerTimeout:  time.Hour,
	}
}

func TestNewSupervisor_RequiresEndpoint(t *testing.T) {
	_, err := NewSupervisor("central", nil, DefaultPolicy())
	assert.Error(t, err)
}

func TestSupervisor_RetriesUntilConnected(t *testing.T) {
	ep := newPipeEndpoint("primary:5669", 2)
	sup, err := NewSupervisor("central", []Endpoint{ep}, fastPolicy())
	require.NoError(t, err)
	assert.False(t, sup.IsReady())

	conn, err := sup.Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, int32(3), ep.attempts.Load())
	assert.True(t, sup.IsReady())
	assert.Equal(t, "primary:5669", sup.Current())

	sup.MarkDown(errors.New("broken pipe"))
	assert.False(t, sup.IsReady())
	st := sup.Status()
	assert.Equal(t, "broken pipe", st.LastError)
	assert.Empty(t, st.Current)
}

func TestSupervisor_FailsOverToSecondary(t *testing.T) {
	primary := newPipeEndpoint("primary:5669", 1000)
	secondary := newPipeEndpoint("secondary:5669", 0)
	sup, err := NewSupervisor("central", []Endpoint{primary, secondary}, fastPolicy())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		conn, err := sup.Open(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "secondary:5669", sup.Current())
		_ = conn.Close()
	}

	// The primary breaker opened after three failures and is skipped since.
	assert.Equal(t, int32(3), primary.attempts.Load())
	st := sup.Status()
	require.Len(t, st.Endpoints, 2)
	assert.Equal(t, "open", st.Endpoints[0].Breaker)
	assert.Equal(t, "closed", st.Endpoints[1].Breaker)
}

func TestSupervisor_ConnectErrorAfterDeadline(t *testing.T) {
	ep := newPipeEndpoint("down:5669", 1<<30)
	policy := fastPolicy()
	policy.BreakerFailures = 1 << 20
	sup, err := NewSupervisor("central", []Endpoint{ep}, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sup.Open(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, ep.attempts.Load(), int32(1))
	assert.False(t, sup.IsReady())
	assert.Contains(t, sup.Status().LastError, "connection refused")
}

// readPeer decodes frames from conn until a stop frame, the end of the
// stream or limit data events, skipping keep-alives. With ack set it
// acknowledges what it read on keep-alive and stop, as an acceptor does.
func readPeer(conn net.Conn, limit int, compressed, ack bool) ([]uint32, bool) {
	var r io.Reader = conn
	var w io.Writer = conn
	if compressed {
		r = wire.NewDecompressReader(conn)
		w, _ = wire.NewCompressWriter(conn, 0, 1)
	}
	dec := wire.NewDecoder(r, events.DefaultRegistry())
	enc := wire.NewEncoder(w, nil)
	var got []uint32
	var unacked uint32
	sendAck := func() {
		if !ack || unacked == 0 {
			return
		}
		if enc.Encode(events.NewAck(unacked)) == nil && enc.Flush() == nil {
			unacked = 0
		}
	}
	for limit <= 0 || len(got) < limit {
		e, err := dec.Decode()
		if err != nil {
			return got, false
		}
		switch e.Type() {
		case events.TypeKeepAlive:
			sendAck()
		case events.TypeStop:
			sendAck()
			return got, true
		default:
			got = append(got, e.Source())
			unacked++
		}
	}
	return got, false
}

func metricEvent(i int) *events.Event {
	return events.NewMetric(uint32(i), events.Metric{MetricID: uint64(i), Name: "rta", Value: float64(i)})
}

func sequence(from, to int) []uint32 {
	out := make([]uint32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, uint32(i))
	}
	return out
}

func runForwarder(t *testing.T, f *Forwarder) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	return done
}

func TestForwarder_DeliversAndForwardsStop(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "plain"
		if compressed {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			e := engine.New(engine.Options{Dir: t.TempDir(), HighWater: 10, DrainTimeout: 5 * time.Second})
			sub, err := e.Subscribe("central", engine.SubscribeOptions{Persistent: true})
			require.NoError(t, err)
			require.NoError(t, e.Start(context.Background()))

			ep := newPipeEndpoint("central:5669", 0)
			sup, err := NewSupervisor("central", []Endpoint{ep}, fastPolicy())
			require.NoError(t, err)
			f := NewForwarder(sup, sub, ForwarderOptions{
				Registry:    events.DefaultRegistry(),
				Compression: compressed,
				ChunkSize:   256,
				ReadTimeout: 20 * time.Millisecond,
				BatchSize:   16,
			})
			done := runForwarder(t, f)

			for i := 0; i < 100; i++ {
				require.NoError(t, e.Publish(metricEvent(i)))
			}

			peer := <-ep.peers
			type result struct {
				got     []uint32
				stopped bool
			}
			res := make(chan result, 1)
			go func() {
				got, stopped := readPeer(peer, 0, compressed, true)
				res <- result{got, stopped}
			}()

			// Let a keep-alive go through before stopping.
			time.Sleep(50 * time.Millisecond)
			require.NoError(t, e.Stop(context.Background()))

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("forwarder did not finish")
			}

			r := <-res
			assert.True(t, r.stopped)
			assert.Len(t, r.got, 100)
			assert.Equal(t, uint64(101), f.Sent())
			assert.False(t, sup.IsReady())
		})
	}
}

// startForwarder queues 20 metric events on a persistent subscriber and
// forwards them through an endpoint that refuses the first connection.
func startForwarder(t *testing.T, opts ForwarderOptions) (*engine.Engine, *pipeEndpoint, *Forwarder, <-chan error) {
	t.Helper()
	e := engine.New(engine.Options{Dir: t.TempDir(), DrainTimeout: 5 * time.Second})
	sub, err := e.Subscribe("central", engine.SubscribeOptions{Persistent: true})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Publish(metricEvent(i)))
	}

	ep := newPipeEndpoint("central:5669", 1)
	sup, err := NewSupervisor("central", []Endpoint{ep}, fastPolicy())
	require.NoError(t, err)
	opts.Registry = events.DefaultRegistry()
	opts.ReadTimeout = time.Second
	opts.BatchSize = 1
	f := NewForwarder(sup, sub, opts)
	return e, ep, f, runForwarder(t, f)
}

// drainSecondPeer reads what the forwarder sends after its reconnect until
// the engine stops
func drainSecondPeer(t *testing.T, e *engine.Engine, ep *pipeEndpoint, done <-chan error) []uint32 {
	t.Helper()
	second := <-ep.peers
	res := make(chan []uint32, 1)
	go func() {
		got, _ := readPeer(second, 0, false, true)
		res <- got
	}()

	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), ep.attempts.Load())
	return <-res
}

func TestForwarder_RedeliversWhatThePeerNeverAcked(t *testing.T) {
	e, ep, f, done := startForwarder(t, ForwarderOptions{})

	// The first peer takes one event and hangs up without acknowledging it.
	first := <-ep.peers
	got, _ := readPeer(first, 1, false, false)
	require.NoError(t, first.Close())
	assert.Equal(t, sequence(0, 1), got)

	assert.Equal(t, sequence(0, 20), drainSecondPeer(t, e, ep, done))
	assert.GreaterOrEqual(t, f.Sent(), uint64(21))
}

func TestForwarder_ResumesAfterTheLastPeerAck(t *testing.T) {
	e, ep, _, done := startForwarder(t, ForwarderOptions{})

	first := <-ep.peers
	got, _ := readPeer(first, 5, false, false)
	assert.Equal(t, sequence(0, 5), got)
	enc := wire.NewEncoder(first, nil)
	require.NoError(t, enc.Encode(events.NewAck(5)))
	require.NoError(t, enc.Flush())
	require.NoError(t, first.Close())

	assert.Equal(t, sequence(5, 20), drainSecondPeer(t, e, ep, done))
}

func TestForwarder_FlushModeAcksOnWrite(t *testing.T) {
	e, ep, _, done := startForwarder(t, ForwarderOptions{AckMode: AckFlush})

	// Flushed means delivered: the event the first peer read is not resent.
	first := <-ep.peers
	got, _ := readPeer(first, 1, false, false)
	require.NoError(t, first.Close())
	assert.Equal(t, sequence(0, 1), got)

	assert.Equal(t, sequence(1, 20), drainSecondPeer(t, e, ep, done))
}

func TestForwarder_AckTimeoutReconnects(t *testing.T) {
	e := engine.New(engine.Options{Dir: t.TempDir(), DrainTimeout: 5 * time.Second})
	sub, err := e.Subscribe("central", engine.SubscribeOptions{Persistent: true})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Publish(metricEvent(i)))
	}

	ep := newPipeEndpoint("central:5669", 0)
	sup, err := NewSupervisor("central", []Endpoint{ep}, fastPolicy())
	require.NoError(t, err)
	f := NewForwarder(sup, sub, ForwarderOptions{
		ReadTimeout: time.Second,
		AckWindow:   2,
		AckTimeout:  50 * time.Millisecond,
	})
	done := runForwarder(t, f)

	// A full window that is never acknowledged fails the stream.
	first := <-ep.peers
	res := make(chan []uint32, 1)
	go func() {
		got, _ := readPeer(first, 0, false, false)
		res <- got
	}()
	assert.Equal(t, sequence(0, 2), <-res)

	second := <-ep.peers
	go func() {
		got, _ := readPeer(second, 0, false, true)
		res <- got
	}()
	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, sequence(0, 4), <-res)
}

func TestForwarder_StopsWithContext(t *testing.T) {
	e := engine.New(engine.Options{Dir: t.TempDir()})
	sub, err := e.Subscribe("central", engine.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	ep := newPipeEndpoint("down:5669", 1<<30)
	sup, err := NewSupervisor("central", []Endpoint{ep}, fastPolicy())
	require.NoError(t, err)
	f := NewForwarder(sup, sub, ForwarderOptions{ConnectTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = f.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sup.IsReady())
}
