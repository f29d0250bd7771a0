/*
Package log provides structured logging for beacon using zerolog.

The log package wraps zerolog with a process-wide logger, configurable level and
format, and child loggers that tag every line with the component that emitted it.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  Global Logger (zerolog, no-op until Init)                 │
	│        │                                                   │
	│        ▼                                                   │
	│  Configuration: level, JSON or console, output writer      │
	│        │                                                   │
	│        ▼                                                   │
	│  Component loggers                                         │
	│    WithComponent("multiplexing")                           │
	│    WithMuxer("central-rrd")                                │
	│    WithEndpoint("failover", "10.0.0.4:5669")               │
	│    WithConnID("tcp", "4b1c...")                            │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("multiplexing")
	logger.Info().Int("muxers", 3).Msg("engine started")

Component loggers copy the global logger at the time they are created, so
long-lived objects build theirs in their constructor, after Init has run.
*/
package log
