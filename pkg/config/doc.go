/*
Package config loads the broker configuration.

Configuration is a YAML file read with viper. Every scalar key can be
overridden from the environment with the BEACON_ prefix and dots replaced by
underscores: engine.high_water becomes BEACON_ENGINE_HIGH_WATER. Lists
(inputs, outputs) only come from the file.

	log:
	  level: info            # trace, debug, info, warn, error
	  json: false
	engine:
	  queue_dir: /var/lib/beacon
	  high_water: 10000      # events kept in memory per subscriber
	  low_water: 0           # memory level at which the queue file is retired
	  max_file_size: 104857600
	  max_total_size: 0      # 0 is unbounded
	  drain_timeout: 30s
	  store_path: ""         # defaults to <queue_dir>/beacon.db
	inputs:
	  - name: pollers
	    listen: 0.0.0.0:5669
	    compression: false
	    ack_every: 256       # events per ack sent back to the feeder
	outputs:
	  - name: central
	    persistent: true
	    filters: [neb, "storage:metric"]
	    endpoints: [central-1:5670, central-2:5670]
	    compression: true
	    read_timeout: 5s
	    ack_mode: peer       # peer waits for acks, flush trusts the socket
	    ack_window: 1024     # events written but not yet acked
	    ack_timeout: 30s
	    backoff:
	      initial_interval: 1s
	      max_interval: 30s
	      multiplier: 2
	      breaker_failures: 5
	      breaker_timeout: 30s
	api:
	  http_addr: 127.0.0.1:9090
	  grpc_addr: 127.0.0.1:9091

Validate reports every problem at once, each as a *ValidationError naming
the field.
*/
package config
