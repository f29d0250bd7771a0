package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/muxer"
	"github.com/cuemby/beacon/pkg/queuefile"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(i int) *events.Event {
	return events.New(events.TypeServiceStatus, uint32(i), time.Unix(1700000000, 0), []byte{1, 2, 3, 4})
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	e := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := newEngine(t, opts)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func readN(t *testing.T, s *Subscriber, n int) []uint32 {
	t.Helper()
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		d, err := s.ReadTimeout(2 * time.Second)
		require.NoError(t, err, "read %d from %s", i, s.Name())
		out = append(out, d.Event.Source())
	}
	return out
}

func sequence(from, to int) []uint32 {
	out := make([]uint32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, uint32(i))
	}
	return out
}

func TestEngine_Lifecycle(t *testing.T) {
	e := newEngine(t, Options{DrainTimeout: 100 * time.Millisecond})
	assert.Equal(t, StateStopped, e.State())
	assert.NotEmpty(t, e.ID())

	assert.ErrorIs(t, e.Publish(testEvent(1)), ErrNotRunning)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())
	assert.Error(t, e.Start(context.Background()))

	require.NoError(t, e.Publish(testEvent(1)))
	assert.Equal(t, uint64(1), e.Published())

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())
	require.NoError(t, e.Stop(context.Background()))

	assert.ErrorIs(t, e.Publish(testEvent(2)), ErrNotRunning)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestEngine_FanOutKeepsOrder(t *testing.T) {
	e := startEngine(t, Options{HighWater: 16})

	subs := make([]*Subscriber, 0, 3)
	for _, name := range []string{"rrd", "sql", "graphite"} {
		s, err := e.Subscribe(name, SubscribeOptions{})
		require.NoError(t, err)
		subs = append(subs, s)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i += 10 {
			batch := make([]*events.Event, 0, 10)
			for j := i; j < i+10; j++ {
				batch = append(batch, testEvent(j))
			}
			assert.NoError(t, e.PublishBatch(batch))
		}
	}()
	wg.Wait()

	for _, s := range subs {
		assert.Equal(t, sequence(0, 100), readN(t, s, 100), s.Name())
	}
}

func TestEngine_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	e := startEngine(t, Options{HighWater: 10, DrainTimeout: 50 * time.Millisecond})

	slow, err := e.Subscribe("slow", SubscribeOptions{})
	require.NoError(t, err)
	fast, err := e.Subscribe("fast", SubscribeOptions{})
	require.NoError(t, err)

	done := make(chan []uint32, 1)
	go func() {
		got := make([]uint32, 0, 1000)
		for len(got) < 1000 {
			d, err := fast.ReadTimeout(2 * time.Second)
			if err != nil {
				break
			}
			got = append(got, d.Event.Source())
		}
		done <- got
	}()

	for i := 0; i < 1000; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	select {
	case got := <-done:
		assert.Equal(t, sequence(0, 1000), got)
	case <-time.After(10 * time.Second):
		t.Fatal("fast consumer was blocked")
	}

	st := slow.Muxer().Status()
	assert.Equal(t, 1000, st.Queued)
	assert.Equal(t, 10, st.Memory)
	assert.Equal(t, 990, st.FileBacklog)
}

func TestEngine_StopDeliversMarkerOnce(t *testing.T) {
	e := startEngine(t, Options{HighWater: 5, DrainTimeout: 2 * time.Second})

	s, err := e.Subscribe("central", SubscribeOptions{})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	var stops atomic.Int32
	type result struct {
		sources []uint32
		last    error
	}
	got := make(chan result, 1)
	go func() {
		var r result
		for {
			d, err := s.ReadTimeout(3 * time.Second)
			if err != nil {
				r.last = err
				break
			}
			if d.IsStop() {
				stops.Add(1)
				continue
			}
			if stops.Load() > 0 {
				r.last = errors.New("event read after the stop marker")
				break
			}
			r.sources = append(r.sources, d.Event.Source())
		}
		got <- r
	}()

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())

	select {
	case r := <-got:
		assert.Equal(t, sequence(0, 20), r.sources)
		assert.ErrorIs(t, r.last, muxer.ErrEndOfStream)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
	assert.Equal(t, int32(1), stops.Load())

	// The muxer is closed now; reads keep reporting the end of the stream.
	_, err = s.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, muxer.ErrEndOfStream)

	_, ok := e.Subscriber("central")
	assert.False(t, ok)
}

func TestEngine_PublishRefusesProtocolEvents(t *testing.T) {
	e := startEngine(t, Options{DrainTimeout: 2 * time.Second})

	s, err := e.Subscribe("central", SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Publish(testEvent(1)))
	for _, typ := range []events.TypeID{events.TypeStop, events.TypeKeepAlive} {
		err := e.Publish(events.NewControl(typ))
		assert.ErrorIs(t, err, ErrProtocolEvent, typ.String())
	}
	err = e.Publish(events.NewAck(3))
	assert.ErrorIs(t, err, ErrProtocolEvent)

	// A batch holding one protocol event is refused whole.
	err = e.PublishBatch([]*events.Event{testEvent(2), events.NewControl(events.TypeStop)})
	assert.ErrorIs(t, err, ErrProtocolEvent)
	require.NoError(t, e.Publish(testEvent(3)))
	assert.Equal(t, uint64(2), e.Published())

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(context.Background()) }()

	var sources []uint32
	stops := 0
	for {
		d, err := s.ReadTimeout(2 * time.Second)
		if err != nil {
			assert.ErrorIs(t, err, muxer.ErrEndOfStream)
			break
		}
		if d.IsStop() {
			stops++
			continue
		}
		sources = append(sources, d.Event.Source())
	}
	assert.Equal(t, []uint32{1, 3}, sources)
	assert.Equal(t, 1, stops)
	require.NoError(t, <-stopped)
}

func TestEngine_StopDrainTimeout(t *testing.T) {
	e := startEngine(t, Options{DrainTimeout: 50 * time.Millisecond})

	_, err := e.Subscribe("idle", SubscribeOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Publish(testEvent(1)))

	start := time.Now()
	err = e.Stop(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_SubscribeDuplicate(t *testing.T) {
	e := startEngine(t, Options{})

	_, err := e.Subscribe("sql", SubscribeOptions{})
	require.NoError(t, err)
	_, err = e.Subscribe("sql", SubscribeOptions{})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestEngine_UnsubscribeIsIdempotent(t *testing.T) {
	e := startEngine(t, Options{})

	s, err := e.Subscribe("sql", SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, e.Unsubscribe(s))
	require.NoError(t, e.Unsubscribe(nil))

	_, ok := e.Subscriber("sql")
	assert.False(t, ok)
	require.NoError(t, e.Publish(testEvent(1)))

	_, err = s.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, muxer.ErrClosed)

	again, err := e.Subscribe("sql", SubscribeOptions{})
	require.NoError(t, err)
	// The old handle must not remove its successor.
	require.NoError(t, s.Close())
	cur, ok := e.Subscriber("sql")
	require.True(t, ok)
	assert.Same(t, again, cur)
}

func TestEngine_LateJoinerSeesOnlyNewEvents(t *testing.T) {
	e := startEngine(t, Options{})

	early, err := e.Subscribe("early", SubscribeOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	late, err := e.Subscribe("late", SubscribeOptions{})
	require.NoError(t, err)
	for i := 5; i < 10; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	assert.Equal(t, sequence(0, 10), readN(t, early, 10))
	assert.Equal(t, sequence(5, 10), readN(t, late, 5))

	_, err = late.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, muxer.ErrTimeout)
}

func TestEngine_FilteredSubscriber(t *testing.T) {
	e := startEngine(t, Options{})

	f, err := events.ParseFilter([]string{"storage"})
	require.NoError(t, err)
	s, err := e.Subscribe("perfdata", SubscribeOptions{Filter: f})
	require.NoError(t, err)

	require.NoError(t, e.Publish(testEvent(1)))
	require.NoError(t, e.Publish(events.New(events.TypeMetric, 2, time.Time{}, nil)))

	d, err := s.ReadTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.TypeMetric, d.Event.Type())
}

func TestEngine_RetainsWhileStopped(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := newEngine(t, Options{Store: store})

	s, err := e.Subscribe("sql", SubscribeOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}
	assert.Equal(t, 3, e.Status().Retained)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Publish(testEvent(3)))

	assert.Equal(t, sequence(0, 4), readN(t, s, 4))
	assert.Equal(t, 0, e.Status().Retained)
}

func TestEngine_PersistentSubscriberResumes(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := startEngine(t, Options{Dir: dir, Store: store})

	s, err := e.Subscribe("central", SubscribeOptions{Persistent: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	d, err := s.ReadTimeout(time.Second)
	require.NoError(t, err)
	s.Ack(d.Position)
	_, err = s.ReadTimeout(time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	st := e.Status()
	require.Len(t, st.Inactive, 1)
	assert.Equal(t, "central", st.Inactive[0].Name)

	s, err = e.Subscribe("central", SubscribeOptions{Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, sequence(1, 5), readN(t, s, 4))

	assert.ErrorIs(t, e.Forget("central"), ErrAlreadySubscribed)
	require.NoError(t, s.Close())
	require.NoError(t, e.Forget("central"))

	assert.False(t, queuefile.Exists(muxer.MemoryPath(dir, "central")))
	assert.Empty(t, e.Status().Inactive)
}

func TestEngine_FaultIsolated(t *testing.T) {
	var hooked atomic.Int32
	e := startEngine(t, Options{
		HighWater:    1,
		MaxTotalSize: 100,
		OnFault: func(name string, err error) {
			if name == "full" && errors.Is(err, queuefile.ErrIO) {
				hooked.Add(1)
			}
		},
	})

	full, err := e.Subscribe("full", SubscribeOptions{})
	require.NoError(t, err)
	healthy, err := e.Subscribe("healthy", SubscribeOptions{HighWater: 100})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Publish(testEvent(i)))
	}

	assert.Greater(t, e.Faults(), uint64(0))
	assert.Equal(t, int32(e.Faults()), hooked.Load())
	assert.True(t, full.Muxer().Status().Degraded)
	assert.False(t, healthy.Muxer().Status().Degraded)
	assert.Equal(t, sequence(0, 10), readN(t, healthy, 10))
}
