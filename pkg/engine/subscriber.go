package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/muxer"
)

// Subscriber is a consumer registered with the engine. It reads from its own
// muxer; Close unsubscribes it.
type Subscriber struct {
	engine *Engine
	mux    *muxer.Muxer
	once   sync.Once
}

// Name returns the subscriber name
func (s *Subscriber) Name() string {
	return s.mux.Name()
}

// Muxer returns the queue the subscriber reads from
func (s *Subscriber) Muxer() *muxer.Muxer {
	return s.mux
}

// Read returns the next event, see muxer.Muxer.Read
func (s *Subscriber) Read(ctx context.Context) (muxer.Delivery, error) {
	return s.mux.Read(ctx)
}

// ReadTimeout is Read with a relative deadline
func (s *Subscriber) ReadTimeout(timeout time.Duration) (muxer.Delivery, error) {
	return s.mux.ReadTimeout(timeout)
}

// Ack acknowledges deliveries up to pos
func (s *Subscriber) Ack(pos muxer.Position) {
	s.mux.Ack(pos)
}

// Nack makes unacknowledged deliveries available again
func (s *Subscriber) Nack() {
	s.mux.Nack()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscriber) Close() error {
	return s.engine.Unsubscribe(s)
}
