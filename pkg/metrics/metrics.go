package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	EngineRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_engine_running",
			Help: "Whether the multiplexing engine is running (1 = running, 0 = not running)",
		},
	)

	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_subscribers_total",
			Help: "Number of active subscribers",
		},
	)

	RetainedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_retained_events",
			Help: "Events published while the engine was stopped and not replayed yet",
		},
	)

	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_published_total",
			Help: "Total number of events fanned out by the engine",
		},
	)

	EventsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_rejected_total",
			Help: "Total number of protocol events refused by Publish",
		},
	)

	SubscriberFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_subscriber_faults_total",
			Help: "Total number of queue file faults by subscriber",
		},
		[]string{"subscriber"},
	)

	// Muxer metrics
	MuxerQueuedEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_muxer_queued_events",
			Help: "Events waiting to be read by subscriber",
		},
		[]string{"subscriber"},
	)

	MuxerInFlightEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_muxer_in_flight_events",
			Help: "Events read but not acknowledged by subscriber",
		},
		[]string{"subscriber"},
	)

	MuxerFileBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_muxer_file_backlog_events",
			Help: "Events waiting in queue files by subscriber",
		},
		[]string{"subscriber"},
	)

	MuxerFileBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_muxer_file_bytes",
			Help: "Bytes used by queue files by subscriber",
		},
		[]string{"subscriber"},
	)

	MuxerDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_muxer_degraded",
			Help: "Whether the muxer of a subscriber is degraded (1 = degraded)",
		},
		[]string{"subscriber"},
	)

	// Wire metrics
	WireFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_wire_frames_total",
			Help: "Total number of frames by direction",
		},
		[]string{"direction"},
	)

	WireFramesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_wire_frames_skipped_total",
			Help: "Total number of decoded frames dropped for an unknown event type",
		},
	)

	// Failover metrics
	FailoverConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_failover_connect_attempts_total",
			Help: "Total number of connection attempts by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	FailoverConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_failover_connected",
			Help: "Whether an output is connected (1 = connected)",
		},
		[]string{"output"},
	)

	FailoverUnackedEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_failover_unacked_events",
			Help: "Events written to the peer and not acknowledged by it yet",
		},
		[]string{"output"},
	)

	FailoverBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_failover_breaker_state",
			Help: "Circuit breaker state by endpoint (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"endpoint"},
	)

	FailoverWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_failover_write_duration_seconds",
			Help:    "Time to encode and flush one batch of events in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"output"},
	)

	// Input metrics
	InputConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_input_connections",
			Help: "Number of open feeder connections",
		},
	)

	InputAcksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_input_acks_total",
			Help: "Total number of acks sent back to feeders",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EngineRunning)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(RetainedEvents)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsRejectedTotal)
	prometheus.MustRegister(SubscriberFaultsTotal)
	prometheus.MustRegister(MuxerQueuedEvents)
	prometheus.MustRegister(MuxerInFlightEvents)
	prometheus.MustRegister(MuxerFileBacklog)
	prometheus.MustRegister(MuxerFileBytes)
	prometheus.MustRegister(MuxerDegraded)
	prometheus.MustRegister(WireFramesTotal)
	prometheus.MustRegister(WireFramesSkippedTotal)
	prometheus.MustRegister(FailoverConnectAttemptsTotal)
	prometheus.MustRegister(FailoverConnected)
	prometheus.MustRegister(FailoverUnackedEvents)
	prometheus.MustRegister(FailoverBreakerState)
	prometheus.MustRegister(FailoverWriteDuration)
	prometheus.MustRegister(InputConnections)
	prometheus.MustRegister(InputAcksTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in h under labels
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
