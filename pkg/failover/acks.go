package failover

import (
	"fmt"
	"sync"

	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/muxer"
)

// unacked tracks the positions written to one stream that the peer has not
// acknowledged yet. Peer acks count data events in write order; events the
// peer never sees (stop markers, types it was not sent) ride along with the
// data event before them.
type unacked struct {
	src    Source
	output string

	mu        sync.Mutex
	positions []muxer.Position
	changed   chan struct{}
}

func newUnacked(src Source, output string) *unacked {
	return &unacked{src: src, output: output, changed: make(chan struct{})}
}

// written records a data event the peer will acknowledge
func (u *unacked) written(pos muxer.Position) {
	u.mu.Lock()
	u.positions = append(u.positions, pos)
	n := len(u.positions)
	u.mu.Unlock()
	metrics.FailoverUnackedEvents.WithLabelValues(u.output).Set(float64(n))
}

// passed records an event the peer will not acknowledge. With nothing
// outstanding it is acknowledged at once; otherwise it is acknowledged with
// the last data event written.
func (u *unacked) passed(pos muxer.Position) {
	u.mu.Lock()
	if n := len(u.positions); n > 0 {
		u.positions[n-1] = pos
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	u.src.Ack(pos)
}

// ack handles a peer ack for the next count data events
func (u *unacked) ack(count uint32) error {
	if count == 0 {
		return nil
	}
	u.mu.Lock()
	if int(count) > len(u.positions) {
		n := len(u.positions)
		u.mu.Unlock()
		return fmt.Errorf("peer acknowledged %d events, %d outstanding", count, n)
	}
	pos := u.positions[count-1]
	u.positions = u.positions[count:]
	n := len(u.positions)
	close(u.changed)
	u.changed = make(chan struct{})
	u.mu.Unlock()

	u.src.Ack(pos)
	metrics.FailoverUnackedEvents.WithLabelValues(u.output).Set(float64(n))
	return nil
}

// state returns the number of outstanding events and a channel closed on the
// next ack
func (u *unacked) state() (int, <-chan struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.positions), u.changed
}

// reset forgets every outstanding position; the source redelivers them after
// Nack
func (u *unacked) reset() {
	u.mu.Lock()
	u.positions = nil
	u.mu.Unlock()
	metrics.FailoverUnackedEvents.WithLabelValues(u.output).Set(0)
}
