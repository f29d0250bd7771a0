/*
Package metrics provides Prometheus metrics and health reporting for Beacon.

All metrics are package-level variables registered with the default
Prometheus registry at init. Packages update them directly: the engine counts
published events and subscriber faults, the wire codec counts frames, the
failover supervisor tracks connection attempts and breaker state, and the API
server records request counts and latency. Gauges that describe state rather
than activity are filled by the Collector.

# Architecture

	┌──────────────────── METRICS ──────────────────────────────┐
	│                                                            │
	│   engine ──┐   wire ──┐   failover ──┐   api ──┐          │
	│            │          │              │         │          │
	│            ▼          ▼              ▼         ▼          │
	│   ┌──────────────────────────────────────────────┐        │
	│   │      package-level counters / histograms      │        │
	│   └──────────────────────┬───────────────────────┘        │
	│                          │                                 │
	│   ┌──────────────┐       │      ┌────────────────────┐    │
	│   │  Collector   │──────►│◄─────│  health registry   │    │
	│   │ (every 15s)  │──────────────►  engine, api,      │    │
	│   │  Source:     │       │      │  muxer/<name> ...  │    │
	│   │  engine      │       │      └─────────┬──────────┘    │
	│   └──────────────┘       ▼                ▼               │
	│                     /metrics      /health /ready /live    │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

Engine:

	beacon_engine_running              1 while the engine accepts publishes
	beacon_subscribers_total           active subscribers
	beacon_retained_events             events held in the store while stopped
	beacon_events_published_total      events fanned out
	beacon_events_rejected_total       protocol events refused by Publish
	beacon_subscriber_faults_total     muxer faults, by subscriber

Muxers (label: subscriber):

	beacon_muxer_queued_events         events waiting to be read
	beacon_muxer_in_flight_events      events read but not acknowledged
	beacon_muxer_file_backlog_events   events waiting in the queue file
	beacon_muxer_file_bytes            queue file bytes on disk
	beacon_muxer_degraded              1 while the muxer drops events

Wire and failover:

	beacon_wire_frames_total                  frames, by direction
	beacon_wire_frames_skipped_total          frames of unknown type skipped
	beacon_failover_connect_attempts_total    by endpoint and result
	beacon_failover_connected                 1 while an output is connected
	beacon_failover_unacked_events            written to the peer, not acked yet
	beacon_failover_breaker_state             0 closed, 1 half-open, 2 open
	beacon_failover_write_duration_seconds    batch write latency, by output
	beacon_input_connections                  accepted peer connections
	beacon_input_acks_total                   acks sent back to feeders

API:

	beacon_api_requests_total                 by method and status
	beacon_api_request_duration_seconds       by method

# Health

Components register themselves by name. A component is healthy, degraded or
unhealthy. The overall status is the worst of them; "degraded" still answers
200 on /health so that one lagging subscriber does not fail the broker's
liveness. Readiness only looks at the critical components, "engine" and "api"
by default.

# Usage

	collector := metrics.NewCollector(eng, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	timer := metrics.NewTimer()
	// ... write a batch ...
	timer.ObserveDurationVec(metrics.FailoverWriteDuration, output)

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
*/
package metrics
