/*
Package api exposes the broker's health and status to operators and
orchestrators.

Two servers are provided. HealthServer is a plain HTTP server for humans,
load balancers and Prometheus. Server speaks the standard gRPC health
protocol (grpc.health.v1) so that service meshes and gRPC health clients can
check the broker and each of its outputs.

# Architecture

	┌──────────────────────── BEACON ────────────────────────────┐
	│                                                             │
	│   engine ───────────┐        failover supervisors ───┐     │
	│   Status/Running    │        Status per output       │     │
	│                     ▼                                ▼     │
	│   ┌───────────────────────────┐  ┌──────────────────────┐  │
	│   │ HealthServer (HTTP)       │  │ Server (gRPC)        │  │
	│   │  /health  /ready  /live   │  │  grpc.health.v1      │  │
	│   │  /status  /metrics        │  │  ""  = engine        │  │
	│   │                           │  │  output/<name>       │  │
	│   └─────────────┬─────────────┘  └──────────┬───────────┘  │
	└─────────────────┼───────────────────────────┼──────────────┘
	                  ▼                           ▼
	        curl / Prometheus            gRPC health clients

# HTTP Endpoints

	GET /health    overall health from the metrics component registry;
	               503 only when a component is unhealthy
	GET /ready     200 once the engine and the API are up
	GET /live      200 while the process runs
	GET /status    engine status, muxer statuses and output statuses as JSON
	GET /metrics   Prometheus exposition

Every endpoint except /metrics is counted in beacon_api_requests_total and
timed in beacon_api_request_duration_seconds. gRPC calls are recorded in the
same metrics by MetricsInterceptor, labelled with the full method name.

# gRPC Health

The empty service name is SERVING while the engine runs. Each output is a
separate service, "output/central" for an output named central, SERVING while
its supervisor holds a connection. Statuses are refreshed by Watch, or by an
explicit UpdateHealth. Stop marks everything NOT_SERVING before draining
connections. Server reflection is registered so grpcurl works without
descriptors.

# Usage

	hs := api.NewHealthServer(eng, supervisors...)
	go hs.Start(":9090")
	defer hs.Shutdown(ctx)

	srv := api.NewServer(eng, supervisors...)
	go srv.Watch(ctx, api.DefaultHealthInterval)
	go srv.Start(":9091")
	defer srv.Stop()
*/
package api
