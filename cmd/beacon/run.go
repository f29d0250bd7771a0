package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/beacon/pkg/api"
	"github.com/cuemby/beacon/pkg/config"
	"github.com/cuemby/beacon/pkg/engine"
	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/failover"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/tcp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker",
	Long: `Run the broker: accept events on the configured inputs and forward them
to every output. SIGINT or SIGTERM stops the inputs, waits for the outputs to
drain up to engine.drain_timeout and saves what is left to disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := newBroker(ctx, cfg)
		if err != nil {
			return err
		}
		return b.run(ctx)
	},
}

// broker owns every long-lived component of a running instance
type broker struct {
	cfg    *config.Config
	store  *storage.BoltStore
	engine *engine.Engine

	inputs      []*tcp.Acceptor
	subs        []*engine.Subscriber
	supervisors []*failover.Supervisor
	forwarders  []*failover.Forwarder

	collector *metrics.Collector
	http      *api.HealthServer
	httpLis   net.Listener
	grpc      *api.Server
	grpcLis   net.Listener

	logger zerolog.Logger
}

// newBroker opens the store, starts the engine, subscribes the outputs and
// binds every listener. Nothing is served until run.
func newBroker(ctx context.Context, cfg *config.Config) (_ *broker, err error) {
	b := &broker{cfg: cfg, logger: log.WithComponent("broker")}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	if err := os.MkdirAll(cfg.Engine.QueueDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	if b.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	b.engine = engine.New(engine.Options{
		Dir:          cfg.Engine.QueueDir,
		HighWater:    cfg.Engine.HighWater,
		LowWater:     cfg.Engine.LowWater,
		MaxFileSize:  cfg.Engine.MaxFileSize,
		MaxTotalSize: cfg.Engine.MaxTotalSize,
		DrainTimeout: cfg.Engine.DrainTimeout,
		Store:        b.store,
	})

	registry := events.DefaultRegistry()

	// Outputs subscribe before the engine starts so that they see the
	// events retained while it was stopped
	for _, out := range cfg.Outputs {
		if err := b.addOutput(out, registry); err != nil {
			return nil, err
		}
	}

	if err := b.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	for _, in := range cfg.Inputs {
		a, err := tcp.Listen(in.Listen, b.engine, tcp.AcceptorOptions{
			Registry:    registry,
			Compression: in.Compression,
			AckEvery:    in.AckEvery,
		})
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		b.inputs = append(b.inputs, a)
	}

	outputs := make([]api.OutputSource, len(b.supervisors))
	for i, sup := range b.supervisors {
		outputs[i] = sup
	}

	if cfg.API.HTTPAddr != "" {
		if b.httpLis, err = net.Listen("tcp", cfg.API.HTTPAddr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.API.HTTPAddr, err)
		}
		b.http = api.NewHealthServer(b.engine, outputs...)
	}
	if cfg.API.GRPCAddr != "" {
		if b.grpcLis, err = net.Listen("tcp", cfg.API.GRPCAddr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCAddr, err)
		}
		b.grpc = api.NewServer(b.engine, outputs...)
	}

	b.collector = metrics.NewCollector(b.engine, cfg.API.CollectInterval)
	return b, nil
}

func (b *broker) addOutput(out config.OutputConfig, registry *events.Registry) error {
	filter, err := out.Filter()
	if err != nil {
		return fmt.Errorf("output %s: %w", out.Name, err)
	}

	sub, err := b.engine.Subscribe(out.Name, engine.SubscribeOptions{
		Persistent: out.Persistent,
		Filter:     filter,
		HighWater:  out.HighWater,
	})
	if err != nil {
		return fmt.Errorf("output %s: %w", out.Name, err)
	}

	endpoints := make([]failover.Endpoint, len(out.Endpoints))
	for i, addr := range out.Endpoints {
		endpoints[i] = tcp.NewEndpoint(addr)
	}
	sup, err := failover.NewSupervisor(out.Name, endpoints, out.Policy())
	if err != nil {
		_ = b.engine.Unsubscribe(sub)
		return fmt.Errorf("output %s: %w", out.Name, err)
	}

	b.subs = append(b.subs, sub)
	b.supervisors = append(b.supervisors, sup)
	b.forwarders = append(b.forwarders, failover.NewForwarder(sup, sub, out.ForwarderOptions(registry)))
	return nil
}

// inputAddrs returns the bound input addresses, in configuration order
func (b *broker) inputAddrs() []string {
	addrs := make([]string, len(b.inputs))
	for i, a := range b.inputs {
		addrs[i] = a.Addr().String()
	}
	return addrs
}

// run serves until ctx is done, then shuts down in order: inputs first so
// nothing new arrives, then the engine drains into the outputs, then the rest.
func (b *broker) run(ctx context.Context) error {
	inCtx, cancelIn := context.WithCancel(context.Background())
	defer cancelIn()
	outCtx, cancelOut := context.WithCancel(context.Background())
	defer cancelOut()

	var inputs, outputs errgroup.Group
	for _, a := range b.inputs {
		a := a
		inputs.Go(func() error { return a.Serve(inCtx) })
	}
	for _, f := range b.forwarders {
		f := f
		outputs.Go(func() error {
			if err := f.Run(outCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	b.collector.Start()

	apiErr := make(chan error, 2)
	if b.http != nil {
		go func() { apiErr <- b.http.Serve(b.httpLis) }()
	}
	if b.grpc != nil {
		go b.grpc.Watch(outCtx, api.DefaultHealthInterval)
		go func() { apiErr <- b.grpc.Serve(b.grpcLis) }()
	}

	b.logger.Info().
		Strs("inputs", b.inputAddrs()).
		Int("outputs", len(b.forwarders)).
		Str("engine", b.engine.ID()).
		Msg("Broker running")

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info().Msg("Shutting down")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("API server error: %w", err)
			b.logger.Error().Err(err).Msg("API server failed, shutting down")
		}
	}

	cancelIn()
	if err := inputs.Wait(); err != nil {
		b.logger.Warn().Err(err).Msg("Input stopped with error")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), b.cfg.Engine.DrainTimeout+5*time.Second)
	defer cancelStop()
	if err := b.engine.Stop(stopCtx); err != nil {
		b.logger.Warn().Err(err).Msg("Engine stopped before every output drained")
	}

	cancelOut()
	if err := outputs.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	b.close()
	b.logger.Info().Msg("Shutdown complete")
	return runErr
}

// close releases whatever newBroker or run acquired. It is safe on a partly
// built broker.
func (b *broker) close() {
	for _, a := range b.inputs {
		_ = a.Close()
	}
	if b.collector != nil {
		b.collector.Stop()
	}
	if b.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.http.Shutdown(ctx)
		cancel()
	}
	if b.grpc != nil {
		b.grpc.Stop()
	}
	for _, lis := range []net.Listener{b.httpLis, b.grpcLis} {
		if lis != nil {
			_ = lis.Close()
		}
	}

	// Subscribers are already gone after a clean Stop; this covers a
	// broker that failed half way through newBroker
	for _, s := range b.subs {
		_ = b.engine.Unsubscribe(s)
	}
	if b.engine != nil {
		_ = b.engine.Stop(context.Background())
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}
