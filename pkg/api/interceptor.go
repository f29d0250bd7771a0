package api

import (
	"context"

	"github.com/cuemby/beacon/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor creates a gRPC unary interceptor that records request
// counts and latency per method.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		observe(info.FullMethod, err, timer)
		return resp, err
	}
}

// StreamMetricsInterceptor is MetricsInterceptor for streaming methods such
// as health Watch. Latency covers the whole stream.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		timer := metrics.NewTimer()
		err := handler(srv, ss)
		observe(info.FullMethod, err, timer)
		return err
	}
}

func observe(method string, err error, timer *metrics.Timer) {
	metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	timer.ObserveDurationVec(metrics.APIRequestDuration, method)
}
