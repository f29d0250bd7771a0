package muxer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/queuefile"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned by Read when nothing arrived before the deadline.
	// It is a signal to poll again, not a fault.
	ErrTimeout = errors.New("muxer read timed out")

	// ErrEndOfStream is returned by Read once the stop marker has been read
	ErrEndOfStream = errors.New("end of stream")

	// ErrClosed is returned by Read after Close when the stop marker was
	// never read
	ErrClosed = errors.New("muxer closed")
)

const (
	// DefaultHighWater is the number of events kept in memory before a
	// muxer overflows to its queue file
	DefaultHighWater = 10000

	// DefaultLowWater is the in-memory size at or below which a drained
	// queue file is removed
	DefaultLowWater = 0

	filePrefix = "beacon"
)

// Position identifies a delivery; acknowledging a position acknowledges every
// delivery before it too.
type Position uint64

// Delivery is one event handed to the consumer
type Delivery struct {
	Event    *events.Event
	Position Position
}

// IsStop reports whether the delivery is the end-of-stream marker
func (d Delivery) IsStop() bool {
	return d.Event != nil && d.Event.Type() == events.TypeStop
}

// FaultFunc is called, outside the muxer lock, when the muxer degrades
type FaultFunc func(name string, err error)

// Options configures a muxer
type Options struct {
	// Persistent muxers keep their backlog on disk across restarts and
	// require Ack after Read.
	Persistent bool

	// HighWater is the number of in-memory events above which new events
	// overflow to the queue file.
	HighWater int

	// LowWater is the number of in-memory events at or below which a drained
	// queue file is removed.
	LowWater int

	// Dir holds the queue files
	Dir string

	// MaxFileSize is the size of one queue file part
	MaxFileSize int64

	// MaxTotalSize caps the bytes of each queue file; zero means no cap
	MaxTotalSize int64

	// Filter whitelists the events accepted by Publish
	Filter events.Filter

	// OnFault is called when a queue file operation fails
	OnFault FaultFunc
}

// pending is an event read by the consumer but not acknowledged yet. file is
// nil for events that came from memory.
type pending struct {
	seq   Position
	event *events.Event
	file  *queuefile.File
	pos   queuefile.Position
}

// Status is a snapshot of a muxer for status reporting
type Status struct {
	Name        string `json:"name"`
	Persistent  bool   `json:"persistent"`
	Filter      string `json:"filter"`
	Queued      int    `json:"queued"`
	Memory      int    `json:"memory"`
	InFlight    int    `json:"in_flight"`
	FileBacklog int    `json:"file_backlog"`
	FileBytes   int64  `json:"file_bytes"`
	QueueFile   string `json:"queue_file,omitempty"`
	Degraded    bool   `json:"degraded"`
	LastError   string `json:"last_error,omitempty"`
	CaughtUp    bool   `json:"caught_up"`
	Stopping    bool   `json:"stopping"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Filtered    uint64 `json:"filtered"`
}

// Muxer is the queue of one subscriber. Publish never blocks: events go to
// memory until HighWater is reached, then to a queue file until the consumer
// has read everything back. Read serves, in order, redelivered events, the
// backlog retained from a previous session, memory and the queue file, so the
// consumer sees events in publish order.
type Muxer struct {
	mu     sync.Mutex
	name   string
	opts   Options
	logger zerolog.Logger

	memory  []*events.Event
	memHead int

	retained *queuefile.File
	queue    *queuefile.File

	inflight  []pending
	redeliver []pending
	seq       Position

	notify   chan struct{}
	closedCh chan struct{}
	drained  chan struct{}

	stopPending   bool
	stopDelivered bool
	isDrained     bool
	closed        bool

	degraded bool
	lastErr  error

	published uint64
	delivered uint64
	dropped   uint64
	filtered  uint64
}

// New creates the muxer of subscriber name. A persistent muxer picks up the
// backlog its previous incarnation left in Dir.
func New(name string, opts Options) (*Muxer, error) {
	if name == "" {
		return nil, fmt.Errorf("muxer name is required")
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater < 0 || opts.LowWater > opts.HighWater {
		opts.LowWater = DefaultLowWater
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}

	m := &Muxer{
		name:     name,
		opts:     opts,
		logger:   log.WithMuxer(name),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		drained:  make(chan struct{}),
	}

	if opts.Persistent {
		if err := m.recover(); err != nil {
			return nil, err
		}
	}

	m.logger.Info().
		Bool("persistent", opts.Persistent).
		Int("backlog", m.fileBacklog()).
		Bool("queue_file", m.queue != nil).
		Msg("Muxer started")
	return m, nil
}

// QueuePath returns the overflow file path of subscriber name in dir
func QueuePath(dir, name string) string {
	return filepath.Join(dir, filePrefix+".queue."+SanitizeName(name))
}

// MemoryPath returns the file where a persistent muxer saves its in-memory
// events when it is closed
func MemoryPath(dir, name string) string {
	return filepath.Join(dir, filePrefix+".memory."+SanitizeName(name))
}

// SanitizeName maps a subscriber name to a file name fragment
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func (m *Muxer) recover() error {
	fopts := m.fileOptions()

	if path := MemoryPath(m.opts.Dir, m.name); queuefile.Exists(path) {
		f, err := queuefile.Open(path, fopts)
		if err != nil {
			return fmt.Errorf("failed to reopen memory file of %s: %w", m.name, err)
		}
		if f.Empty() {
			_ = f.Remove()
		} else {
			m.retained = f
		}
	}

	if path := QueuePath(m.opts.Dir, m.name); queuefile.Exists(path) {
		f, err := queuefile.Open(path, fopts)
		if err != nil {
			if m.retained != nil {
				_ = m.retained.Close()
			}
			return fmt.Errorf("failed to reopen queue file of %s: %w", m.name, err)
		}
		if f.Empty() {
			_ = f.Remove()
		} else {
			m.queue = f
		}
	}
	return nil
}

// Name returns the subscriber name
func (m *Muxer) Name() string {
	return m.name
}

// Persistent reports whether the muxer keeps its backlog across restarts
func (m *Muxer) Persistent() bool {
	return m.opts.Persistent
}

// Publish queues e. It never blocks and never fails from the caller's point
// of view: a queue file failure degrades this muxer only.
func (m *Muxer) Publish(e *events.Event) {
	m.mu.Lock()
	err := m.publishLocked(e)
	m.mu.Unlock()

	m.signal()
	if err != nil {
		m.fault(err)
	}
}

// PublishBatch queues events in order
func (m *Muxer) PublishBatch(batch []*events.Event) {
	var errs []error
	m.mu.Lock()
	for _, e := range batch {
		if err := m.publishLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Unlock()

	m.signal()
	if len(errs) > 0 {
		m.fault(errors.Join(errs...))
	}
}

func (m *Muxer) publishLocked(e *events.Event) error {
	if m.closed || m.stopPending {
		return nil
	}
	if !m.opts.Filter.Allows(e.Type()) {
		m.filtered++
		return nil
	}
	m.published++

	if m.queue == nil && m.memLen() < m.opts.HighWater {
		m.memory = append(m.memory, e)
		return nil
	}

	if m.queue == nil {
		f, err := queuefile.Open(QueuePath(m.opts.Dir, m.name), m.fileOptions())
		if err != nil {
			m.dropped++
			return m.degrade(fmt.Errorf("failed to open queue file: %w", err))
		}
		m.queue = f
		m.logger.Info().
			Int("high_water", m.opts.HighWater).
			Str("path", f.Path()).
			Msg("Memory queue full, overflowing to queue file")
	}

	if _, err := m.queue.Append(e); err != nil {
		m.dropped++
		return m.degrade(fmt.Errorf("failed to write queue file: %w", err))
	}
	if m.degraded {
		m.logger.Info().Msg("Queue file writable again, muxer recovered")
		m.degraded = false
	}
	return nil
}

// Read returns the next event, waiting until ctx is done. It returns
// ErrTimeout when the deadline passes without an event and ErrEndOfStream
// once the stop marker was read, even after Close. A muxer closed before its
// marker was read returns ErrClosed.
func (m *Muxer) Read(ctx context.Context) (Delivery, error) {
	for {
		m.mu.Lock()
		if m.stopDelivered && m.closed {
			m.mu.Unlock()
			return Delivery{}, ErrEndOfStream
		}
		if m.closed {
			m.mu.Unlock()
			return Delivery{}, ErrClosed
		}

		d, ok, ferr := m.nextLocked()
		if ok {
			m.mu.Unlock()
			if ferr != nil {
				m.fault(ferr)
			}
			return d, nil
		}
		if m.stopDelivered {
			m.mu.Unlock()
			return Delivery{}, ErrEndOfStream
		}
		if m.stopPending {
			m.stopDelivered = true
			m.seq++
			d := Delivery{Event: events.NewControl(events.TypeStop), Position: m.seq}
			m.drainLocked()
			m.mu.Unlock()
			m.logger.Debug().Msg("Stop marker delivered")
			return d, nil
		}
		m.mu.Unlock()
		if ferr != nil {
			m.fault(ferr)
			continue
		}

		select {
		case <-m.notify:
		case <-m.closedCh:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Delivery{}, ErrTimeout
			}
			return Delivery{}, ctx.Err()
		}
	}
}

// ReadTimeout is Read with a relative deadline
func (m *Muxer) ReadTimeout(timeout time.Duration) (Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Read(ctx)
}

// nextLocked pops the next event in publish order. A file that cannot be read
// is abandoned; the error is returned for fault reporting and the search goes
// on with the next source.
func (m *Muxer) nextLocked() (Delivery, bool, error) {
	var ferr error

	if len(m.redeliver) > 0 {
		p := m.redeliver[0]
		m.redeliver = m.redeliver[1:]
		return m.deliverLocked(p), true, nil
	}

	if m.retained != nil {
		e, pos, err := m.retained.ReadNext()
		switch {
		case err == nil:
			return m.deliverLocked(pending{event: e, file: m.retained, pos: pos}), true, nil
		case errors.Is(err, queuefile.ErrEndOfQueue):
			m.cleanupLocked()
		default:
			ferr = m.abandonLocked(&m.retained, err)
		}
	}

	if m.memLen() > 0 {
		e := m.memory[m.memHead]
		m.memory[m.memHead] = nil
		m.memHead++
		if m.memHead == len(m.memory) {
			m.memory = m.memory[:0]
			m.memHead = 0
		} else if m.memHead > 1024 && m.memHead*2 > len(m.memory) {
			m.memory = append(m.memory[:0], m.memory[m.memHead:]...)
			m.memHead = 0
		}
		return m.deliverLocked(pending{event: e}), true, ferr
	}

	if m.queue != nil {
		e, pos, err := m.queue.ReadNext()
		switch {
		case err == nil:
			return m.deliverLocked(pending{event: e, file: m.queue, pos: pos}), true, ferr
		case errors.Is(err, queuefile.ErrEndOfQueue):
			m.cleanupLocked()
		default:
			ferr = errors.Join(ferr, m.abandonLocked(&m.queue, err))
		}
	}

	return Delivery{}, false, ferr
}

func (m *Muxer) deliverLocked(p pending) Delivery {
	m.seq++
	p.seq = m.seq
	m.delivered++

	if m.opts.Persistent {
		m.inflight = append(m.inflight, p)
	} else if p.file != nil {
		if err := p.file.Ack(p.pos); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to acknowledge queue file entry")
		}
		m.cleanupLocked()
	}
	return Delivery{Event: p.event, Position: p.seq}
}

// Ack acknowledges every delivery up to pos. It is a no-op for non-persistent
// muxers, whose events are gone from the queue as soon as they are read.
func (m *Muxer) Ack(pos Position) {
	if !m.opts.Persistent {
		return
	}

	m.mu.Lock()
	n := 0
	last := make(map[*queuefile.File]queuefile.Position)
	for n < len(m.inflight) && m.inflight[n].seq <= pos {
		if p := m.inflight[n]; p.file != nil {
			last[p.file] = p.pos
		}
		n++
	}
	m.inflight = m.inflight[n:]
	m.drainLocked()

	var errs []error
	for f, fpos := range last {
		if err := f.Ack(fpos); err != nil {
			errs = append(errs, err)
		}
	}
	m.cleanupLocked()
	m.mu.Unlock()

	if len(errs) > 0 {
		m.fault(errors.Join(errs...))
	}
}

// Nack makes every unacknowledged delivery available again, in its original
// order, before anything else.
func (m *Muxer) Nack() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inflight) == 0 {
		return
	}
	m.logger.Debug().Int("events", len(m.inflight)).Msg("Reprocessing unacknowledged events")
	m.redeliver = append(append([]pending{}, m.inflight...), m.redeliver...)
	m.inflight = nil
	m.signal()
}

// Stop queues the end-of-stream marker behind every pending event. Later
// publishes are ignored.
func (m *Muxer) Stop() {
	m.mu.Lock()
	m.stopPending = true
	m.mu.Unlock()
	m.signal()
}

// Drained is closed once the consumer has read the stop marker and
// acknowledged everything before it, or the muxer was closed
func (m *Muxer) Drained() <-chan struct{} {
	return m.drained
}

func (m *Muxer) drainLocked() {
	if m.isDrained || !m.stopDelivered || len(m.inflight) > 0 || len(m.redeliver) > 0 {
		return
	}
	m.isDrained = true
	close(m.drained)
}

// Close releases the muxer. A persistent muxer saves the events it holds in
// memory, read but unacknowledged ones included, so the next muxer with the
// same name delivers them again; a non-persistent one deletes its files.
// Close is idempotent.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closedCh)
	if !m.isDrained {
		m.isDrained = true
		close(m.drained)
	}

	var errs []error
	if m.opts.Persistent {
		if err := m.spillLocked(); err != nil {
			m.logger.Error().Err(err).Msg("Could not save memory queue, events lost")
			errs = append(errs, err)
		}
		for _, f := range []*queuefile.File{m.retained, m.queue} {
			if f != nil {
				if err := f.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	} else {
		for _, f := range []*queuefile.File{m.retained, m.queue} {
			if f != nil {
				if err := f.Remove(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	m.logger.Info().
		Int("memory", m.memLen()).
		Int("in_flight", len(m.inflight)).
		Msg("Muxer closed")

	m.memory = nil
	m.memHead = 0
	m.inflight = nil
	m.redeliver = nil
	m.retained = nil
	m.queue = nil
	return errors.Join(errs...)
}

// spillLocked appends the memory-held events, oldest first, to the memory file
func (m *Muxer) spillLocked() error {
	var toSave []*events.Event
	for _, list := range [][]pending{m.inflight, m.redeliver} {
		for _, p := range list {
			if p.file == nil {
				toSave = append(toSave, p.event)
			}
		}
	}
	toSave = append(toSave, m.memory[m.memHead:]...)
	if len(toSave) == 0 {
		return nil
	}

	f := m.retained
	if f == nil {
		var err error
		f, err = queuefile.Open(MemoryPath(m.opts.Dir, m.name), m.fileOptions())
		if err != nil {
			return err
		}
		defer f.Close()
	}
	for _, e := range toSave {
		if _, err := f.Append(e); err != nil {
			return err
		}
	}
	m.logger.Debug().Int("events", len(toSave)).Str("path", f.Path()).Msg("Memory queue saved")
	return nil
}

// Remove deletes the on-disk backlog of a closed muxer
func (m *Muxer) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		return fmt.Errorf("muxer %s is still open", m.name)
	}
	return RemoveFiles(m.opts.Dir, m.name)
}

// RemoveFiles deletes the queue and memory files of subscriber name
func RemoveFiles(dir, name string) error {
	return errors.Join(
		queuefile.RemoveAll(QueuePath(dir, name)),
		queuefile.RemoveAll(MemoryPath(dir, name)),
	)
}

// Status returns a snapshot of the muxer
func (m *Muxer) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Name:        m.name,
		Persistent:  m.opts.Persistent,
		Filter:      m.opts.Filter.String(),
		Memory:      m.memLen(),
		InFlight:    len(m.inflight),
		FileBacklog: m.fileBacklog(),
		Degraded:    m.degraded,
		CaughtUp:    m.queue == nil && m.retained == nil,
		Stopping:    m.stopPending,
		Published:   m.published,
		Delivered:   m.delivered,
		Dropped:     m.dropped,
		Filtered:    m.filtered,
	}
	s.Queued = s.Memory + s.FileBacklog + len(m.redeliver)
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	for _, f := range []*queuefile.File{m.retained, m.queue} {
		if f != nil {
			s.FileBytes += f.Size()
		}
	}
	if m.queue != nil {
		s.QueueFile = m.queue.Path()
	}
	return s
}

// cleanupLocked removes drained files. The queue file goes away once every
// entry was read and acknowledged and memory is back under LowWater; from
// then on new events stay in memory again.
func (m *Muxer) cleanupLocked() {
	if m.retained != nil && m.retained.Empty() {
		if err := m.retained.Remove(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to remove memory file")
		}
		m.retained = nil
	}
	if m.queue != nil && m.queue.Empty() && m.memLen() <= m.opts.LowWater {
		if err := m.queue.Remove(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to remove queue file")
		}
		m.queue = nil
		m.logger.Info().Msg("Queue file drained, muxer caught up")
	}
}

// abandonLocked gives up on an unreadable file; its remaining events are lost
func (m *Muxer) abandonLocked(f **queuefile.File, err error) error {
	path := (*f).Path()
	_ = (*f).Close()
	*f = nil
	m.logger.Error().Err(err).Str("path", path).Msg("Queue file unreadable, abandoning its backlog")
	return m.degrade(fmt.Errorf("failed to read %s: %w", path, err))
}

func (m *Muxer) degrade(err error) error {
	if !m.degraded {
		m.logger.Error().Err(err).Msg("Muxer degraded")
	}
	m.degraded = true
	m.lastErr = err
	return err
}

func (m *Muxer) fault(err error) {
	if m.opts.OnFault != nil {
		m.opts.OnFault(m.name, err)
	}
}

func (m *Muxer) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Muxer) memLen() int {
	return len(m.memory) - m.memHead
}

func (m *Muxer) fileBacklog() int {
	n := 0
	for _, f := range []*queuefile.File{m.retained, m.queue} {
		if f != nil {
			n += f.Len()
		}
	}
	return n
}

func (m *Muxer) fileOptions() queuefile.Options {
	return queuefile.Options{
		MaxFileSize:  m.opts.MaxFileSize,
		MaxTotalSize: m.opts.MaxTotalSize,
	}
}
