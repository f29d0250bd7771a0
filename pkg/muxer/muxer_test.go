package muxer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/queuefile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(i int) *events.Event {
	return events.New(events.TypeHostStatus, uint32(i), time.Unix(1700000000, 0), []byte{1, 2, 3, 4})
}

func newMuxer(t *testing.T, name string, opts Options) *Muxer {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	m, err := New(name, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func readSources(t *testing.T, m *Muxer, n int) []uint32 {
	t.Helper()
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		d, err := m.ReadTimeout(time.Second)
		require.NoError(t, err, "read %d", i)
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

func TestNew_RequiresName(t *testing.T) {
	_, err := New("", Options{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestMuxer_MemoryFIFO(t *testing.T) {
	m := newMuxer(t, "sql", Options{})

	for i := 0; i < 5; i++ {
		m.Publish(testEvent(i))
	}
	assert.Equal(t, sequence(0, 5), readSources(t, m, 5))

	s := m.Status()
	assert.Equal(t, 0, s.Queued)
	assert.True(t, s.CaughtUp)
	assert.Equal(t, uint64(5), s.Published)
	assert.Equal(t, uint64(5), s.Delivered)
}

func TestMuxer_OverflowToQueueFile(t *testing.T) {
	dir := t.TempDir()
	m := newMuxer(t, "rrd", Options{Dir: dir, HighWater: 100})

	batch := make([]*events.Event, 0, 10000)
	for i := 0; i < 10000; i++ {
		batch = append(batch, testEvent(i))
	}
	m.PublishBatch(batch)

	s := m.Status()
	assert.Equal(t, 100, s.Memory)
	assert.Equal(t, 9900, s.FileBacklog)
	assert.Equal(t, 10000, s.Queued)
	assert.False(t, s.CaughtUp)
	assert.True(t, queuefile.Exists(QueuePath(dir, "rrd")))

	assert.Equal(t, sequence(0, 10000), readSources(t, m, 10000))

	s = m.Status()
	assert.True(t, s.CaughtUp)
	assert.Equal(t, 0, s.Queued)
	assert.False(t, queuefile.Exists(QueuePath(dir, "rrd")))
}

func TestMuxer_OrderWhilePublishingAndReading(t *testing.T) {
	m := newMuxer(t, "graphite", Options{HighWater: 5})

	for i := 0; i < 20; i++ {
		m.Publish(testEvent(i))
	}
	got := readSources(t, m, 3)
	for i := 20; i < 30; i++ {
		m.Publish(testEvent(i))
	}
	got = append(got, readSources(t, m, 27)...)
	assert.Equal(t, sequence(0, 30), got)

	// Back in memory once the file is drained.
	m.Publish(testEvent(30))
	s := m.Status()
	assert.True(t, s.CaughtUp)
	assert.Equal(t, 1, s.Memory)
}

func TestMuxer_Filter(t *testing.T) {
	f := events.NewFilter([]events.Category{events.CategoryStorage}, nil)
	m := newMuxer(t, "perfdata", Options{Filter: f})

	m.Publish(testEvent(1))
	m.Publish(events.New(events.TypeMetric, 2, time.Time{}, nil))

	d, err := m.ReadTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.TypeMetric, d.Event.Type())

	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), m.Status().Filtered)
}

func TestMuxer_ReadTimeoutAndCancel(t *testing.T) {
	m := newMuxer(t, "idle", Options{})

	start := time.Now()
	_, err := m.ReadTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMuxer_ReadWakesOnPublish(t *testing.T) {
	m := newMuxer(t, "waiter", Options{})

	got := make(chan Delivery, 1)
	go func() {
		d, err := m.ReadTimeout(2 * time.Second)
		if err == nil {
			got <- d
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Publish(testEvent(7))

	select {
	case d, ok := <-got:
		require.True(t, ok)
		assert.Equal(t, uint32(7), d.Event.Source())
	case <-time.After(3 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestMuxer_StopMarker(t *testing.T) {
	m := newMuxer(t, "central", Options{HighWater: 2})

	for i := 0; i < 4; i++ {
		m.Publish(testEvent(i))
	}
	m.Stop()
	m.Publish(testEvent(99))

	assert.Equal(t, sequence(0, 4), readSources(t, m, 4))

	select {
	case <-m.Drained():
		t.Fatal("drained before the marker was read")
	default:
	}

	d, err := m.ReadTimeout(time.Second)
	require.NoError(t, err)
	assert.True(t, d.IsStop())

	select {
	case <-m.Drained():
	default:
		t.Fatal("not drained after the marker was read")
	}

	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEndOfStream)

	// Closing after the marker keeps reporting the end of the stream.
	require.NoError(t, m.Close())
	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestMuxer_CloseBeforeMarker(t *testing.T) {
	m := newMuxer(t, "central", Options{})
	m.Publish(testEvent(1))
	m.Stop()

	require.NoError(t, m.Close())
	_, err := m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMuxer_PersistentDrainedOnceAcked(t *testing.T) {
	m := newMuxer(t, "central", Options{Persistent: true})
	for i := 0; i < 3; i++ {
		m.Publish(testEvent(i))
	}
	m.Stop()

	assert.Equal(t, sequence(0, 3), readSources(t, m, 3))
	d, err := m.ReadTimeout(time.Second)
	require.NoError(t, err)
	require.True(t, d.IsStop())

	select {
	case <-m.Drained():
		t.Fatal("drained with unacknowledged events")
	default:
	}

	// Redelivered events are read again before the end of the stream.
	m.Nack()
	assert.Equal(t, sequence(0, 3), readSources(t, m, 3))
	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEndOfStream)

	m.Ack(d.Position)
	select {
	case <-m.Drained():
	default:
		t.Fatal("not drained after the last ack")
	}
}

func TestMuxer_PersistentRedeliversUnacked(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, Persistent: true, HighWater: 10}

	m, err := New("central", opts)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		m.Publish(testEvent(i))
	}

	var fifth Position
	for i := 0; i < 12; i++ {
		d, err := m.ReadTimeout(time.Second)
		require.NoError(t, err)
		if i == 4 {
			fifth = d.Position
		}
	}
	m.Ack(fifth)
	assert.Equal(t, 7, m.Status().InFlight)
	require.NoError(t, m.Close())

	assert.True(t, queuefile.Exists(MemoryPath(dir, "central")))
	assert.True(t, queuefile.Exists(QueuePath(dir, "central")))

	m2 := newMuxer(t, "central", Options{Dir: dir, Persistent: true, HighWater: 10})
	assert.Equal(t, 20, m2.Status().FileBacklog)

	var last Position
	got := make([]uint32, 0, 20)
	for i := 0; i < 20; i++ {
		d, err := m2.ReadTimeout(time.Second)
		require.NoError(t, err)
		got = append(got, d.Event.Source())
		last = d.Position
	}
	assert.Equal(t, sequence(5, 25), got)

	m2.Ack(last)
	s := m2.Status()
	assert.True(t, s.CaughtUp)
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, 0, s.InFlight)
	assert.False(t, queuefile.Exists(MemoryPath(dir, "central")))
	assert.False(t, queuefile.Exists(QueuePath(dir, "central")))
}

func TestMuxer_PersistentKeepsFileUntilAcked(t *testing.T) {
	dir := t.TempDir()
	m := newMuxer(t, "acked", Options{Dir: dir, Persistent: true, HighWater: 1})

	for i := 0; i < 3; i++ {
		m.Publish(testEvent(i))
	}
	var last Position
	for i := 0; i < 3; i++ {
		d, err := m.ReadTimeout(time.Second)
		require.NoError(t, err)
		last = d.Position
	}
	assert.True(t, queuefile.Exists(QueuePath(dir, "acked")))
	assert.False(t, m.Status().CaughtUp)

	m.Ack(last)
	assert.False(t, queuefile.Exists(QueuePath(dir, "acked")))
	assert.True(t, m.Status().CaughtUp)
}

func TestMuxer_Nack(t *testing.T) {
	m := newMuxer(t, "retry", Options{Persistent: true, HighWater: 2})

	for i := 0; i < 5; i++ {
		m.Publish(testEvent(i))
	}
	first := readSources(t, m, 3)
	assert.Equal(t, sequence(0, 3), first)

	m.Nack()
	assert.Equal(t, 0, m.Status().InFlight)
	assert.Equal(t, sequence(0, 5), readSources(t, m, 5))
}

func TestMuxer_AckIsNoopWhenNotPersistent(t *testing.T) {
	m := newMuxer(t, "volatile", Options{})

	m.Publish(testEvent(1))
	d, err := m.ReadTimeout(time.Second)
	require.NoError(t, err)
	m.Ack(d.Position)
	m.Nack()

	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, m.Status().InFlight)
}

func TestMuxer_DegradedWhenFileFull(t *testing.T) {
	var faults atomic.Int32
	// Room for three 28 byte entries behind the 16 byte header.
	m := newMuxer(t, "full", Options{
		HighWater:    2,
		MaxTotalSize: 100,
		OnFault: func(name string, err error) {
			assert.Equal(t, "full", name)
			assert.True(t, errors.Is(err, queuefile.ErrIO))
			faults.Add(1)
		},
	})

	for i := 0; i < 10; i++ {
		m.Publish(testEvent(i))
	}

	s := m.Status()
	assert.True(t, s.Degraded)
	assert.NotEmpty(t, s.LastError)
	assert.Equal(t, uint64(5), s.Dropped)
	assert.Equal(t, int32(5), faults.Load())

	assert.Equal(t, sequence(0, 5), readSources(t, m, 5))
	_, err := m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMuxer_CloseNonPersistentRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := New("temp", Options{Dir: dir, HighWater: 1})
	require.NoError(t, err)

	m.Publish(testEvent(1))
	m.Publish(testEvent(2))
	require.True(t, queuefile.Exists(QueuePath(dir, "temp")))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, queuefile.Exists(QueuePath(dir, "temp")))
	assert.False(t, queuefile.Exists(MemoryPath(dir, "temp")))

	_, err = m.ReadTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-m.Drained():
	default:
		t.Fatal("closed muxer must report drained")
	}
}

func TestMuxer_Remove(t *testing.T) {
	dir := t.TempDir()
	m, err := New("gone", Options{Dir: dir, Persistent: true})
	require.NoError(t, err)
	m.Publish(testEvent(1))

	assert.Error(t, m.Remove())
	require.NoError(t, m.Close())
	require.True(t, queuefile.Exists(MemoryPath(dir, "gone")))

	require.NoError(t, m.Remove())
	assert.False(t, queuefile.Exists(MemoryPath(dir, "gone")))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"central-rrd", "central-rrd"},
		{"sql_1", "sql_1"},
		{"a.b/c", "a_b_c"},
		{"poller 2", "poller_2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}
