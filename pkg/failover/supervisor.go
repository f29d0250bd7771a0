package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrConnect is returned by Open when no endpoint could be reached before
// the deadline
var ErrConnect = errors.New("connection failed")

// Endpoint opens a transport stream to a peer
type Endpoint interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// Policy configures retries and circuit breaking
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// BreakerFailures is the number of consecutive failures after which an
	// endpoint is skipped for BreakerTimeout
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// EndpointStatus describes one endpoint of a supervisor
type EndpointStatus struct {
	Address string `json:"address"`
	Breaker string `json:"breaker"`
}

// Status is a snapshot of a supervisor
type Status struct {
	Name      string           `json:"name"`
	Ready     bool             `json:"ready"`
	Current   string           `json:"current,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

// Supervisor connects a network-bound consumer to its peer. Endpoints are
// tried in order, the first one being the primary and the others its
// secondaries, and the whole list is retried with exponential backoff. Each
// endpoint sits behind its own circuit breaker so that a dead primary does
// not delay a live secondary on every reconnect.
type Supervisor struct {
	name      string
	endpoints []Endpoint
	breakers  []*gobreaker.CircuitBreaker
	policy    Policy
	logger    zerolog.Logger

	ready atomic.Bool

	mu      sync.Mutex
	current string
	lastErr error
}

// NewSupervisor creates a supervisor for the output called name
func NewSupervisor(name string, endpoints []Endpoint, policy Policy) (*Supervisor, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("output %s has no endpoint", name)
	}
	def := DefaultPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.BreakerFailures == 0 {
		policy.BreakerFailures = def.BreakerFailures
	}
	if policy.BreakerTimeout <= 0 {
		policy.BreakerTimeout = def.BreakerTimeout
	}

	s := &Supervisor{
		name:      name,
		endpoints: endpoints,
		policy:    policy,
		logger:    log.WithComponent("failover").With().Str("output", name).Logger(),
	}
	for _, ep := range endpoints {
		s.breakers = append(s.breakers, s.newBreaker(ep.String()))
	}
	metrics.FailoverConnected.WithLabelValues(name).Set(0)
	return s, nil
}

func (s *Supervisor) newBreaker(endpoint string) *gobreaker.CircuitBreaker {
	threshold := s.policy.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     s.policy.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			updateBreakerMetrics(name, to)
			s.logger.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Endpoint circuit breaker changed state")
		},
	})
	updateBreakerMetrics(endpoint, cb.State())
	return cb
}

// Name returns the output name
func (s *Supervisor) Name() string {
	return s.name
}

// Open returns a stream to the first endpoint that accepts a connection,
// retrying with exponential backoff until ctx is done. It then fails with
// ErrConnect.
func (s *Supervisor) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.policy.InitialInterval
	exp.MaxInterval = s.policy.MaxInterval
	exp.Multiplier = s.policy.Multiplier
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(exp, ctx)

	var conn io.ReadWriteCloser
	var lastErr error
	attempt := 0
	operation := func() error {
		attempt++
		for i, ep := range s.endpoints {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			res, err := s.breakers[i].Execute(func() (interface{}, error) {
				return ep.Open(ctx)
			})
			switch {
			case err == nil:
				metrics.FailoverConnectAttemptsTotal.WithLabelValues(ep.String(), "success").Inc()
				conn = res.(io.ReadWriteCloser)
				s.connected(ep.String(), attempt)
				return nil
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				metrics.FailoverConnectAttemptsTotal.WithLabelValues(ep.String(), "rejected").Inc()
			default:
				metrics.FailoverConnectAttemptsTotal.WithLabelValues(ep.String(), "failure").Inc()
				lastErr = err
				s.logger.Debug().Err(err).Str("endpoint", ep.String()).Int("attempt", attempt).Msg("Connection attempt failed")
			}
		}
		if lastErr == nil {
			return errors.New("every endpoint is suspended")
		}
		return lastErr
	}

	notify := func(err error, next time.Duration) {
		s.logger.Warn().Err(err).Dur("retry_in", next).Msg("Could not connect to any endpoint")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		s.setDown(lastErr)
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnect, s.name, attempt, lastErr)
	}
	return conn, nil
}

func (s *Supervisor) connected(endpoint string, attempt int) {
	s.mu.Lock()
	s.current = endpoint
	s.lastErr = nil
	s.mu.Unlock()
	s.ready.Store(true)
	metrics.FailoverConnected.WithLabelValues(s.name).Set(1)
	metrics.UpdateComponent("output/"+s.name, true, endpoint)
	s.logger.Info().Str("endpoint", endpoint).Int("attempt", attempt).Msg("Connected")
}

// MarkDown records that the current stream failed
func (s *Supervisor) MarkDown(err error) {
	if s.ready.Load() {
		s.logger.Warn().Err(err).Str("endpoint", s.Current()).Msg("Connection lost")
	}
	s.setDown(err)
}

func (s *Supervisor) setDown(err error) {
	s.mu.Lock()
	s.current = ""
	s.lastErr = err
	s.mu.Unlock()
	s.ready.Store(false)
	metrics.FailoverConnected.WithLabelValues(s.name).Set(0)

	// Events keep queueing in the muxer while the output is down
	msg := "disconnected"
	if err != nil {
		msg = err.Error()
	}
	metrics.DegradeComponent("output/"+s.name, msg)
}

// IsReady reports whether a stream is currently established. It never
// blocks.
func (s *Supervisor) IsReady() bool {
	return s.ready.Load()
}

// Current returns the endpoint of the current stream, if any
func (s *Supervisor) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status returns a snapshot of the supervisor
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:    s.name,
		Ready:   s.ready.Load(),
		Current: s.current,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	for i, ep := range s.endpoints {
		st.Endpoints = append(st.Endpoints, EndpointStatus{
			Address: ep.String(),
			Breaker: s.breakers[i].State().String(),
		})
	}
	return st
}

func updateBreakerMetrics(endpoint string, state gobreaker.State) {
	var value float64
	switch state {
	case gobreaker.StateClosed:
		value = 0
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	metrics.FailoverBreakerState.WithLabelValues(endpoint).Set(value)
}
