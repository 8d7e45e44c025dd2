package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/hiveroute/config"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/handler"
	"github.com/c360/hiveroute/health"
	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/natsclient"
	"github.com/c360/hiveroute/pkg/buffer"
	"github.com/c360/hiveroute/pkg/tlsutil"
	"github.com/c360/hiveroute/rpc"
)

// node is a running backend and the parts that must be stopped on exit.
type node struct {
	logger  *slog.Logger
	nats    *natsclient.Client
	sync    *filter.DistributedRegistry
	server  *rpc.Server
	metrics *metric.Server
}

func runBackend(ctx context.Context, opts *cliOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting hiveroute backend", "version", Version, "build_time", BuildTime,
		"node_id", cfg.ResolvedNodeID(), "config_path", opts.configPath)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	n := &node{logger: logger}
	startErr := n.start(signalCtx, cfg)

	if startErr == nil {
		logger.Info("Backend ready", "request_subject", cfg.RPC.RequestSubject)
		<-signalCtx.Done()
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	n.stop(shutdownCtx)

	if startErr != nil {
		return startErr
	}
	logger.Info("Backend shutdown complete")
	return nil
}

func (n *node) start(ctx context.Context, cfg *config.Config) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(appName)

	nc, err := connectNATS(ctx, cfg, n.logger, registry)
	if err != nil {
		return err
	}
	n.nats = nc
	monitor.Register("nats", func() health.Status {
		if nc.IsHealthy() {
			return health.NewHealthy("", nc.Status().String())
		}
		return health.NewUnhealthy("", nc.Status().String())
	})

	filters, err := n.startFilterRegistry(ctx, cfg, registry, monitor)
	if err != nil {
		return err
	}

	responder := rpc.NewTransportDispatcher(nc, n.logger)
	bus := eventbus.New(responder,
		eventbus.WithFilterRegistry(filters),
		eventbus.WithLogger(n.logger),
		eventbus.WithMetrics(registry))
	store, err := n.eventStore(ctx, cfg)
	if err != nil {
		return err
	}
	handlers := handler.New(bus, store,
		handler.WithLogger(n.logger),
		handler.WithStreamCloser(responder))
	dispatcher := rpc.NewDispatcher(handlers.Table(),
		rpc.WithDispatcherLogger(n.logger),
		rpc.WithDispatcherMetrics(registry))

	server, err := rpc.NewServer(nc, dispatcher, rpc.ServerConfig{
		Subject:       cfg.RPC.RequestSubject,
		ConsumerGroup: cfg.RPC.ConsumerGroup,
		Consumers:     cfg.RPC.RequestWorkers,
		Workers:       cfg.RPC.WorkerThreads,
		BufferSize:    cfg.RPC.BufferSize,
		WaitStrategy:  buffer.ParseWaitStrategy(cfg.RPC.WaitStrategy),
		RateLimit:     cfg.RPC.RateLimit,
		RateBurst:     cfg.RPC.RateBurst,
	},
		rpc.WithServerLogger(n.logger),
		rpc.WithServerMetrics(registry),
		rpc.WithResponder(responder))
	if err != nil {
		return fmt.Errorf("create request server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start request server: %w", err)
	}
	n.server = server
	monitor.Register("rpc_server", func() health.Status {
		stats := server.Stats()
		if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
			return health.NewDegraded("", "request buffer full")
		}
		return health.NewHealthy("", fmt.Sprintf("%d requests processed", stats.Processed))
	})

	if cfg.Metrics.Enabled {
		n.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor.Healthy)
		go func() {
			if err := n.metrics.Start(); err != nil {
				n.logger.Error("Metrics server failed", "error", err)
			}
		}()
		n.logger.Info("Metrics server listening", "address", n.metrics.Address())
	}
	return nil
}

func (n *node) eventStore(ctx context.Context, cfg *config.Config) (handler.EventStore, error) {
	if cfg.Store.Backend != config.StoreJetStream {
		return handler.NewMemoryStore(cfg.Store.Capacity), nil
	}
	kv, err := n.nats.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Store.Bucket,
		TTL:    cfg.Store.TTL.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure event bucket: %w", err)
	}
	n.logger.Info("Event history shared through JetStream", "bucket", cfg.Store.Bucket)
	return handler.NewKVStore(kv), nil
}

// startFilterRegistry returns the plugin filter registry: local only, or
// replicated over the sync stream when sync is enabled.
func (n *node) startFilterRegistry(
	ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor,
) (filter.Registry, error) {
	local := filter.NewMemoryRegistry()
	if !cfg.Sync.Enabled {
		n.logger.Warn("Filter sync disabled, plugin subscriptions stay on this node")
		return local, nil
	}

	if _, err := n.nats.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Sync.Stream,
		Subjects: []string{cfg.Sync.Subject},
		MaxAge:   cfg.Sync.MaxAge.Std(),
	}); err != nil {
		return nil, fmt.Errorf("ensure sync stream: %w", err)
	}

	monitor.Update("filter_sync", health.NewHealthy("", "no broadcasts yet"))
	dist, err := filter.NewDistributedRegistry(local,
		filter.NewStreamChannel(n.nats, cfg.Sync.Stream, cfg.Sync.Subject),
		filter.WithNodeID(cfg.ResolvedNodeID()),
		filter.WithLogger(n.logger),
		filter.WithMetrics(registry),
		filter.WithPublishTimeout(cfg.Sync.PublishTimeout.Std()),
		filter.WithDedupeTTL(cfg.Sync.DedupeTTL.Std()),
		filter.WithPublishCallback(func(_ filter.SyncMessage, err error) {
			if err != nil {
				monitor.Update("filter_sync", health.NewDegraded("", "last broadcast failed"))
				return
			}
			monitor.Update("filter_sync", health.NewHealthy("", "broadcasting"))
		}))
	if err != nil {
		return nil, fmt.Errorf("create filter sync: %w", err)
	}
	if err := dist.Start(ctx); err != nil {
		return nil, fmt.Errorf("start filter sync: %w", err)
	}
	n.sync = dist
	return dist, nil
}

// stop releases whatever start managed to bring up, in reverse order.
func (n *node) stop(ctx context.Context) {
	if n.metrics != nil {
		if err := n.metrics.Stop(ctx); err != nil {
			n.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if n.server != nil {
		if err := n.server.Stop(); err != nil {
			n.logger.Warn("Request server stop failed", "error", err)
		}
	}
	if n.sync != nil {
		if err := n.sync.Close(ctx); err != nil {
			n.logger.Warn("Filter sync close failed", "error", err)
		}
	}
	if n.nats != nil {
		if err := n.nats.Close(ctx); err != nil {
			n.logger.Warn("NATS close failed", "error", err)
		}
	}
}

func connectNATS(
	ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithSlog(logger),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.NATS.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS settings: %w", err)
	}
	opts = append(opts, natsclient.WithTLSConfig(tlsConfig))

	nc, err := natsclient.NewClient(cfg.NATS.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "servers", len(cfg.NATS.URLs))
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}
