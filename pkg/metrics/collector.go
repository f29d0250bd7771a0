package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/muxer"
)

// DefaultCollectInterval is how often the collector samples its source
const DefaultCollectInterval = 15 * time.Second

// Source is what the collector samples. The engine satisfies it.
type Source interface {
	Running() bool
	Retained() int
	MuxerStatuses() []muxer.Status
}

// Collector periodically copies engine and muxer state into gauges and the
// health registry
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	known map[string]bool
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		known:    make(map[string]bool),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source.Running() {
		EngineRunning.Set(1)
		UpdateComponent("engine", true, "")
	} else {
		EngineRunning.Set(0)
		UpdateComponent("engine", false, "not running")
	}
	RetainedEvents.Set(float64(c.source.Retained()))

	statuses := c.source.MuxerStatuses()
	SubscribersTotal.Set(float64(len(statuses)))

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.Name] = true
		c.collectMuxer(st)
	}

	// Drop series of subscribers that went away
	for name := range c.known {
		if !seen[name] {
			deleteMuxerSeries(name)
			RemoveComponent(muxerComponent(name))
		}
	}
	c.known = seen
}

func (c *Collector) collectMuxer(st muxer.Status) {
	MuxerQueuedEvents.WithLabelValues(st.Name).Set(float64(st.Queued))
	MuxerInFlightEvents.WithLabelValues(st.Name).Set(float64(st.InFlight))
	MuxerFileBacklog.WithLabelValues(st.Name).Set(float64(st.FileBacklog))
	MuxerFileBytes.WithLabelValues(st.Name).Set(float64(st.FileBytes))

	if st.Degraded {
		MuxerDegraded.WithLabelValues(st.Name).Set(1)
		DegradeComponent(muxerComponent(st.Name), st.LastError)
		return
	}
	MuxerDegraded.WithLabelValues(st.Name).Set(0)
	UpdateComponent(muxerComponent(st.Name), true, "")
}

func deleteMuxerSeries(name string) {
	MuxerQueuedEvents.DeleteLabelValues(name)
	MuxerInFlightEvents.DeleteLabelValues(name)
	MuxerFileBacklog.DeleteLabelValues(name)
	MuxerFileBytes.DeleteLabelValues(name)
	MuxerDegraded.DeleteLabelValues(name)
}

func muxerComponent(name string) string {
	return "muxer/" + name
}
