package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/beacon/pkg/engine"
	"github.com/cuemby/beacon/pkg/failover"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
)

// EngineSource reports the state of the multiplexing engine
type EngineSource interface {
	Status() engine.Status
}

// OutputSource reports the state of one forwarding output
type OutputSource interface {
	Status() failover.Status
}

// HealthServer provides HTTP health check, metrics and status endpoints
type HealthServer struct {
	engine  EngineSource
	outputs []OutputSource
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(eng EngineSource, outputs ...OutputSource) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		engine:  eng,
		outputs: outputs,
		mux:     mux,
		logger:  log.WithComponent("api"),
	}
	hs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Register endpoints
	mux.Handle("/health", instrument("/health", getOnly(metrics.HealthHandler())))
	mux.Handle("/ready", instrument("/ready", getOnly(metrics.ReadyHandler())))
	mux.Handle("/live", instrument("/live", getOnly(metrics.LivenessHandler())))
	mux.Handle("/status", instrument("/status", getOnly(http.HandlerFunc(hs.statusHandler))))
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start listens on addr and serves until Shutdown
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Serve serves on lis until Shutdown. The api health component is healthy
// while serving.
func (hs *HealthServer) Serve(lis net.Listener) error {
	metrics.RegisterComponent("api", true, lis.Addr().String())
	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	err := hs.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.UpdateComponent("api", false, err.Error())
	return err
}

// Shutdown stops the server, waiting for active requests up to ctx
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	return hs.server.Shutdown(ctx)
}

// StatusResponse is the body of /status
type StatusResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Engine    *engine.Status    `json:"engine,omitempty"`
	Outputs   []failover.Status `json:"outputs,omitempty"`
}

// statusHandler implements the /status endpoint
func (hs *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{Timestamp: time.Now()}
	if hs.engine != nil {
		st := hs.engine.Status()
		response.Engine = &st
	}
	for _, out := range hs.outputs {
		response.Outputs = append(response.Outputs, out.Status())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}
