package config

import (
	"time"

	"github.com/cuemby/beacon/pkg/failover"
	"github.com/spf13/viper"
)

const (
	DefaultQueueDir     = "/var/lib/beacon"
	DefaultHighWater    = 10000
	DefaultDrainTimeout = 30 * time.Second
	DefaultHTTPAddr     = "127.0.0.1:9090"
	DefaultGRPCAddr     = "127.0.0.1:9091"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("engine.queue_dir", DefaultQueueDir)
	v.SetDefault("engine.high_water", DefaultHighWater)
	v.SetDefault("engine.low_water", 0)
	v.SetDefault("engine.max_file_size", 100<<20)
	v.SetDefault("engine.max_total_size", 0)
	v.SetDefault("engine.drain_timeout", DefaultDrainTimeout)
	v.SetDefault("engine.store_path", "")

	v.SetDefault("api.http_addr", DefaultHTTPAddr)
	v.SetDefault("api.grpc_addr", DefaultGRPCAddr)
	v.SetDefault("api.collect_interval", 15*time.Second)
}

// outputDefaults fills the per-output settings viper cannot default inside
// a list
func outputDefaults(o *OutputConfig) {
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 256
	}
	if o.AckMode == "" {
		o.AckMode = string(failover.AckPeer)
	}
}
