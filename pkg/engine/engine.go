package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/muxer"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRunning is returned by Publish when the engine is not running and
	// no retention store is configured, and by Subscribe while stopping
	ErrNotRunning = errors.New("engine is not running")

	// ErrAlreadySubscribed is returned when a subscriber name is in use
	ErrAlreadySubscribed = errors.New("subscriber name already in use")

	// ErrDrainTimeout is returned by Stop when a subscriber did not read its
	// backlog before the drain timeout
	ErrDrainTimeout = errors.New("subscriber not drained")

	// ErrProtocolEvent is returned by Publish for stream-level events such as
	// stop markers and acks, which only the engine and transports emit
	ErrProtocolEvent = errors.New("protocol events cannot be published")
)

// DefaultDrainTimeout bounds how long Stop waits for consumers
const DefaultDrainTimeout = 30 * time.Second

// State is the engine lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures an engine
type Options struct {
	// Dir holds the queue files of every muxer
	Dir string

	// Muxer defaults
	HighWater    int
	LowWater     int
	MaxFileSize  int64
	MaxTotalSize int64

	// DrainTimeout bounds Stop
	DrainTimeout time.Duration

	// Store keeps the persistent subscriber registry and, when set, retains
	// events published while the engine is not running
	Store storage.Store

	// OnFault is called when a muxer degrades
	OnFault muxer.FaultFunc
}

// SubscribeOptions configures one subscriber
type SubscribeOptions struct {
	Persistent bool
	Filter     events.Filter

	// HighWater overrides the engine default when positive
	HighWater int
}

// Status is a snapshot of the engine
type Status struct {
	ID          string                `json:"id"`
	State       string                `json:"state"`
	Published   uint64                `json:"published"`
	Retained    int                   `json:"retained"`
	Faults      uint64                `json:"faults"`
	Subscribers []muxer.Status        `json:"subscribers"`
	Inactive    []*storage.Subscriber `json:"inactive,omitempty"`
}

// Engine fans every published event out to the muxers of its subscribers.
// Publishes are serialized so that every muxer sees the same order; a muxer
// never blocks the engine.
type Engine struct {
	id     string
	opts   Options
	logger zerolog.Logger

	// pubMu serializes publishes and state transitions
	pubMu sync.Mutex
	state atomic.Int32

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	published atomic.Uint64
	faults    atomic.Uint64
}

// New creates a stopped engine
func New(opts Options) *Engine {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	e := &Engine{
		id:          uuid.New().String(),
		opts:        opts,
		logger:      log.WithComponent("multiplexing"),
		subscribers: make(map[string]*Subscriber),
	}
	e.state.Store(int32(StateStopped))
	return e
}

// ID identifies this engine instance
func (e *Engine) ID() string {
	return e.id
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.logger.Debug().Str("state", s.String()).Msg("Engine state changed")
}

// Start moves the engine to Running. Events retained while the engine was
// stopped are published first.
func (e *Engine) Start(ctx context.Context) error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	if s := e.State(); s != StateStopped {
		return fmt.Errorf("cannot start engine: engine is %s", s)
	}
	e.setState(StateStarting)

	replayed, err := e.replay(ctx)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("failed to replay retained events: %w", err)
	}

	e.setState(StateRunning)
	e.logger.Info().
		Str("id", e.id).
		Int("subscribers", e.subscriberCount()).
		Int("replayed", replayed).
		Msg("Multiplexing engine started")
	return nil
}

func (e *Engine) replay(ctx context.Context) (int, error) {
	if e.opts.Store == nil {
		return 0, nil
	}
	retained, err := e.opts.Store.Retained()
	if err != nil {
		return 0, err
	}
	if len(retained) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.fanOut(retained)
	if err := e.opts.Store.ClearRetained(); err != nil {
		return len(retained), err
	}
	return len(retained), nil
}

// Publish sends ev to every subscriber
func (e *Engine) Publish(ev *events.Event) error {
	return e.PublishBatch([]*events.Event{ev})
}

// PublishBatch sends the events, in order, to every subscriber. While the
// engine is not running the events are retained in the store when there is
// one, and ErrNotRunning is returned otherwise. A batch holding a protocol
// event is refused as a whole.
func (e *Engine) PublishBatch(batch []*events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	for _, ev := range batch {
		if ev.Type().IsProtocol() {
			metrics.EventsRejectedTotal.Inc()
			return fmt.Errorf("%w: %s", ErrProtocolEvent, ev.Type())
		}
	}

	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	if e.State() != StateRunning {
		if e.opts.Store == nil {
			return ErrNotRunning
		}
		if err := e.opts.Store.Retain(batch); err != nil {
			return fmt.Errorf("failed to retain events: %w", err)
		}
		return nil
	}

	e.fanOut(batch)
	return nil
}

func (e *Engine) fanOut(batch []*events.Event) {
	e.mu.RLock()
	for _, s := range e.subscribers {
		s.mux.PublishBatch(batch)
	}
	e.mu.RUnlock()
	e.published.Add(uint64(len(batch)))
	metrics.EventsPublishedTotal.Add(float64(len(batch)))
}

// Subscribe registers a subscriber. Subscribers may be added in any state
// but Stopping, so consumers can be wired before Start. A persistent
// subscriber picks up the backlog left by its previous incarnation.
func (e *Engine) Subscribe(name string, opts SubscribeOptions) (*Subscriber, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == StateStopping {
		return nil, ErrNotRunning
	}

	if _, ok := e.subscribers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, name)
	}

	highWater := e.opts.HighWater
	if opts.HighWater > 0 {
		highWater = opts.HighWater
	}
	m, err := muxer.New(name, muxer.Options{
		Persistent:   opts.Persistent,
		HighWater:    highWater,
		LowWater:     e.opts.LowWater,
		Dir:          e.opts.Dir,
		MaxFileSize:  e.opts.MaxFileSize,
		MaxTotalSize: e.opts.MaxTotalSize,
		Filter:       opts.Filter,
		OnFault:      e.onFault,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create muxer %s: %w", name, err)
	}

	if opts.Persistent && e.opts.Store != nil {
		err := e.opts.Store.SaveSubscriber(&storage.Subscriber{
			Name:       name,
			Persistent: true,
			Filter:     opts.Filter.Names(),
			LastSeen:   time.Now(),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("subscriber", name).Msg("Failed to record persistent subscriber")
		}
	}

	s := &Subscriber{engine: e, mux: m}
	e.subscribers[name] = s

	e.logger.Info().
		Str("subscriber", name).
		Bool("persistent", opts.Persistent).
		Str("filter", opts.Filter.String()).
		Msg("Subscriber added")
	return s, nil
}

// Unsubscribe removes s from the engine and closes its muxer. It is
// idempotent. A persistent subscriber keeps its backlog on disk.
func (e *Engine) Unsubscribe(s *Subscriber) error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		e.mu.Lock()
		if cur, ok := e.subscribers[s.Name()]; ok && cur == s {
			delete(e.subscribers, s.Name())
		}
		e.mu.Unlock()

		err = s.mux.Close()
		if s.mux.Persistent() && e.opts.Store != nil {
			if rec, gerr := e.opts.Store.GetSubscriber(s.Name()); gerr == nil {
				rec.LastSeen = time.Now()
				_ = e.opts.Store.SaveSubscriber(rec)
			}
		}
		e.logger.Info().Str("subscriber", s.Name()).Msg("Subscriber removed")
	})
	return err
}

// Forget deletes the backlog and the record of a persistent subscriber that
// is not active
func (e *Engine) Forget(name string) error {
	e.mu.RLock()
	_, active := e.subscribers[name]
	e.mu.RUnlock()
	if active {
		return fmt.Errorf("cannot forget %s: %w", name, ErrAlreadySubscribed)
	}

	if err := muxer.RemoveFiles(e.opts.Dir, name); err != nil {
		return fmt.Errorf("failed to remove backlog of %s: %w", name, err)
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.DeleteSubscriber(name); err != nil {
			return fmt.Errorf("failed to delete subscriber %s: %w", name, err)
		}
	}
	e.logger.Info().Str("subscriber", name).Msg("Subscriber forgotten")
	return nil
}

// Stop queues the stop marker in every muxer, waits until every consumer
// has read up to it or the drain timeout expires, then closes all muxers.
// Persistent muxers save what was not read. Stop on a stopped engine is a
// no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.pubMu.Lock()
	if e.State() != StateRunning {
		e.pubMu.Unlock()
		return nil
	}
	e.setState(StateStopping)
	subs := e.snapshot()
	for _, s := range subs {
		s.mux.Stop()
	}
	e.pubMu.Unlock()

	e.logger.Info().Int("subscribers", len(subs)).Msg("Stopping multiplexing engine, draining subscribers")

	drainCtx, cancel := context.WithTimeout(ctx, e.opts.DrainTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			select {
			case <-s.mux.Drained():
				return nil
			case <-drainCtx.Done():
				return fmt.Errorf("%w: %s", ErrDrainTimeout, s.Name())
			}
		})
	}
	drainErr := g.Wait()
	if drainErr != nil {
		e.logger.Warn().Err(drainErr).Msg("Drain incomplete, remaining events stay queued")
	}

	var errs []error
	for _, s := range subs {
		if err := e.Unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}

	e.setState(StateStopped)
	e.logger.Info().Uint64("published", e.published.Load()).Msg("Multiplexing engine stopped")
	return errors.Join(append([]error{drainErr}, errs...)...)
}

// Subscriber returns the active subscriber called name
func (e *Engine) Subscriber(name string) (*Subscriber, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.subscribers[name]
	return s, ok
}

// Status returns a snapshot of the engine and its subscribers
func (e *Engine) Status() Status {
	st := Status{
		ID:        e.id,
		State:     e.State().String(),
		Published: e.published.Load(),
		Faults:    e.faults.Load(),
	}

	subs := e.snapshot()
	active := make(map[string]bool, len(subs))
	for _, s := range subs {
		st.Subscribers = append(st.Subscribers, s.mux.Status())
		active[s.Name()] = true
	}

	if e.opts.Store != nil {
		if n, err := e.opts.Store.RetainedCount(); err == nil {
			st.Retained = n
		}
		if known, err := e.opts.Store.ListSubscribers(); err == nil {
			for _, k := range known {
				if !active[k.Name] {
					st.Inactive = append(st.Inactive, k)
				}
			}
		}
	}
	return st
}

// Running reports whether the engine accepts publishes
func (e *Engine) Running() bool {
	return e.State() == StateRunning
}

// Retained returns the number of events held in the store while stopped
func (e *Engine) Retained() int {
	if e.opts.Store == nil {
		return 0
	}
	n, err := e.opts.Store.RetainedCount()
	if err != nil {
		return 0
	}
	return n
}

// MuxerStatuses returns the status of every active subscriber's muxer
func (e *Engine) MuxerStatuses() []muxer.Status {
	subs := e.snapshot()
	out := make([]muxer.Status, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.mux.Status())
	}
	return out
}

// Faults returns the number of muxer faults seen so far
func (e *Engine) Faults() uint64 {
	return e.faults.Load()
}

// Published returns the number of events fanned out so far
func (e *Engine) Published() uint64 {
	return e.published.Load()
}

func (e *Engine) onFault(name string, err error) {
	e.faults.Add(1)
	metrics.SubscriberFaultsTotal.WithLabelValues(name).Inc()
	e.logger.Error().Err(err).Str("subscriber", name).Msg("Subscriber fault")
	if e.opts.OnFault != nil {
		e.opts.OnFault(name, err)
	}
}

// snapshot returns the active subscribers sorted by name
func (e *Engine) snapshot() []*Subscriber {
	e.mu.RLock()
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name() < subs[j].Name() })
	return subs
}

func (e *Engine) subscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}
