package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/beacon/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DefaultHealthInterval is how often the gRPC health statuses are refreshed
const DefaultHealthInterval = 5 * time.Second

// RunningSource reports whether the engine accepts publishes
type RunningSource interface {
	Running() bool
}

// Server exposes the standard gRPC health service. The empty service name
// follows the engine; each output is served as "output/<name>".
type Server struct {
	engine  RunningSource
	outputs []OutputSource
	grpc    *grpc.Server
	health  *health.Server
	logger  zerolog.Logger
}

// NewServer creates a new gRPC API server
func NewServer(eng RunningSource, outputs ...OutputSource) *Server {
	s := &Server{
		engine:  eng,
		outputs: outputs,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(MetricsInterceptor()),
			grpc.ChainStreamInterceptor(StreamMetricsInterceptor()),
		),
		health: health.NewServer(),
		logger: log.WithComponent("api"),
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.UpdateHealth()

	return s
}

// OutputService returns the health service name of an output
func OutputService(name string) string {
	return "output/" + name
}

// Start starts the gRPC server
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Watch refreshes the health statuses every interval until ctx is done
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.UpdateHealth()
		case <-ctx.Done():
			return
		}
	}
}

// UpdateHealth copies the engine and output states into the health service
func (s *Server) UpdateHealth() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if s.engine != nil && s.engine.Running() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, out := range s.outputs {
		st := out.Status()
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Ready {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(OutputService(st.Name), status)
	}
}

// Stop gracefully stops the gRPC server. Health watchers are told every
// service is going away first.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
