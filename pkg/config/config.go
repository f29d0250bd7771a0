package config

import (
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/failover"
)

// Config is the broker configuration
type Config struct {
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Engine  EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Inputs  []InputConfig  `mapstructure:"inputs" yaml:"inputs"`
	Outputs []OutputConfig `mapstructure:"outputs" yaml:"outputs"`
	API     APIConfig      `mapstructure:"api" yaml:"api"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type EngineConfig struct {
	QueueDir     string        `mapstructure:"queue_dir" yaml:"queue_dir"`
	HighWater    int           `mapstructure:"high_water" yaml:"high_water"`
	LowWater     int           `mapstructure:"low_water" yaml:"low_water"`
	MaxFileSize  int64         `mapstructure:"max_file_size" yaml:"max_file_size"`
	MaxTotalSize int64         `mapstructure:"max_total_size" yaml:"max_total_size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`

	// StorePath is the bbolt file of the subscriber registry. Empty means
	// beacon.db inside QueueDir.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

// InputConfig is a TCP listener accepting events from pollers
type InputConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Listen      string `mapstructure:"listen" yaml:"listen"`
	Compression bool   `mapstructure:"compression" yaml:"compression"`
	AckEvery    int    `mapstructure:"ack_every" yaml:"ack_every,omitempty"`
}

// OutputConfig is a subscriber forwarding its events to a peer
type OutputConfig struct {
	Name             string        `mapstructure:"name" yaml:"name"`
	Persistent       bool          `mapstructure:"persistent" yaml:"persistent"`
	Filters          []string      `mapstructure:"filters" yaml:"filters,omitempty"`
	Endpoints        []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Compression      bool          `mapstructure:"compression" yaml:"compression"`
	CompressionLevel int           `mapstructure:"compression_level" yaml:"compression_level"`
	HighWater        int           `mapstructure:"high_water" yaml:"high_water,omitempty"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	AckMode          string        `mapstructure:"ack_mode" yaml:"ack_mode,omitempty"`
	AckWindow        int           `mapstructure:"ack_window" yaml:"ack_window,omitempty"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout,omitempty"`
	Backoff          BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

type APIConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	CollectInterval time.Duration `mapstructure:"collect_interval" yaml:"collect_interval"`
}

// Policy returns the retry policy of the output. Unset fields keep the
// failover defaults.
func (o OutputConfig) Policy() failover.Policy {
	p := failover.DefaultPolicy()
	if o.Backoff.InitialInterval > 0 {
		p.InitialInterval = o.Backoff.InitialInterval
	}
	if o.Backoff.MaxInterval > 0 {
		p.MaxInterval = o.Backoff.MaxInterval
	}
	if o.Backoff.Multiplier > 0 {
		p.Multiplier = o.Backoff.Multiplier
	}
	if o.Backoff.BreakerFailures > 0 {
		p.BreakerFailures = o.Backoff.BreakerFailures
	}
	if o.Backoff.BreakerTimeout > 0 {
		p.BreakerTimeout = o.Backoff.BreakerTimeout
	}
	return p
}

// Filter parses the output's filter list
func (o OutputConfig) Filter() (events.Filter, error) {
	return events.ParseFilter(o.Filters)
}

// ForwarderOptions returns the forwarder settings of the output
func (o OutputConfig) ForwarderOptions(reg *events.Registry) failover.ForwarderOptions {
	return failover.ForwarderOptions{
		Registry:         reg,
		Compression:      o.Compression,
		CompressionLevel: o.CompressionLevel,
		ReadTimeout:      o.ReadTimeout,
		BatchSize:        o.BatchSize,
		AckMode:          failover.AckMode(o.AckMode),
		AckWindow:        o.AckWindow,
		AckTimeout:       o.AckTimeout,
	}
}
