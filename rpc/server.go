package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/pkg/buffer"
	"github.com/c360/hiveroute/pkg/worker"
)

// ServerConfig sizes the request pipeline.
type ServerConfig struct {
	Subject       string
	ConsumerGroup string
	Consumers     int
	Workers       int
	BufferSize    int
	WaitStrategy  buffer.WaitStrategy
	StopTimeout   time.Duration
	// RateLimit caps admitted requests per second across all consumers.
	// Zero admits everything; excess requests wait in the consumer.
	RateLimit float64
	RateBurst int
}

// DefaultServerConfig returns the single-consumer, single-worker pipeline.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Subject:       "request_topic",
		ConsumerGroup: "request_consumer_group",
		Consumers:     1,
		Workers:       1,
		BufferSize:    1024,
		WaitStrategy:  buffer.Blocking,
		StopTimeout:   10 * time.Second,
	}
}

// Server consumes requests from a queue group, buffers them in a ring and
// serves them from a worker pool. A full ring blocks the consumers.
type Server struct {
	cfg        ServerConfig
	transport  Transport
	dispatcher *Dispatcher
	responder  MessageDispatcher
	logger     *slog.Logger

	ring    *buffer.Ring[[]byte]
	pool    *worker.Pool[[]byte]
	limiter *rate.Limiter

	mu      sync.Mutex
	started bool
	leave   context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	responder MessageDispatcher
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithServerMetrics exports ring and worker pool metrics.
func WithServerMetrics(registry *metric.MetricsRegistry) ServerOption {
	return func(o *serverOptions) {
		o.registry = registry
	}
}

// WithResponder overrides how responses are sent. Defaults to a
// TransportDispatcher over the server's transport.
func WithResponder(d MessageDispatcher) ServerOption {
	return func(o *serverOptions) {
		o.responder = d
	}
}

// NewServer builds the request pipeline. Nothing is consumed until Start.
func NewServer(transport Transport, dispatcher *Dispatcher, cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.Missing("transport"), "Server", "New", "check arguments")
	}
	if dispatcher == nil {
		return nil, errors.WrapInvalid(errors.Missing("dispatcher"), "Server", "New", "check arguments")
	}
	def := DefaultServerConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = def.ConsumerGroup
	}
	if cfg.Consumers < 1 {
		cfg.Consumers = def.Consumers
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	o := &serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With("component", "rpc-server")
	if o.responder == nil {
		o.responder = NewTransportDispatcher(transport, logger)
	}

	ring, err := buffer.NewRing[[]byte](cfg.BufferSize,
		buffer.WithWaitStrategy(cfg.WaitStrategy),
		buffer.WithMetrics(o.registry, "rpc_requests"))
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "create request ring")
	}

	s := &Server{
		cfg:        cfg,
		transport:  transport,
		dispatcher: dispatcher,
		responder:  o.responder,
		logger:     logger,
		ring:       ring,
	}
	if cfg.RateLimit > 0 {
		if cfg.RateBurst < 1 {
			cfg.RateBurst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		s.cfg = cfg
	}
	s.pool, err = worker.NewPool(cfg.Workers, ring, s.process,
		worker.WithLogger[[]byte](logger),
		worker.WithMetricsRegistry[[]byte](o.registry, "rpc_server"))
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "create worker pool")
	}
	return s, nil
}

// Start launches the workers and joins the consumer group.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}

	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Server", "Start", "start worker pool")
	}
	subCtx, leave := context.WithCancel(ctx)
	for i := 0; i < s.cfg.Consumers; i++ {
		if err := s.transport.QueueSubscribe(subCtx, s.cfg.Subject, s.cfg.ConsumerGroup, s.enqueue); err != nil {
			leave()
			_ = s.pool.Stop(s.cfg.StopTimeout)
			return errors.WrapTransient(errors.Join(errors.ErrSubscriptionFailed, err),
				"Server", "Start", "subscribe "+s.cfg.Subject)
		}
	}
	s.started = true
	s.leave = leave

	s.logger.Info("RPC server started", "subject", s.cfg.Subject, "group", s.cfg.ConsumerGroup,
		"consumers", s.cfg.Consumers, "workers", s.cfg.Workers,
		"buffer", s.cfg.BufferSize, "wait_strategy", s.cfg.WaitStrategy.String(), "rate_limit", s.cfg.RateLimit)
	return nil
}

// Stop leaves the consumer group, drains buffered requests and stops the
// workers.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.leave()
	return s.pool.Stop(s.cfg.StopTimeout)
}

// Stats returns worker pool statistics.
func (s *Server) Stats() worker.PoolStats {
	return s.pool.Stats()
}

// Buffered returns the number of requests waiting in the ring.
func (s *Server) Buffered() int {
	return s.ring.Len()
}

func (s *Server) enqueue(ctx context.Context, data []byte) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn("Dropping request, admission wait aborted", "error", err)
			return
		}
	}
	if err := s.pool.Submit(ctx, data); err != nil {
		s.logger.Error("Dropping request, pipeline unavailable", "error", err)
	}
}

func (s *Server) process(ctx context.Context, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.WrapInvalid(err, "Server", "process", "decode request")
	}

	var resp Response
	if req.Type == TypePing {
		resp = Response{CorrelationID: req.CorrelationID, Status: StatusOK, Last: true}
	} else {
		resp = s.dispatcher.Handle(ctx, req)
	}

	if req.ReplyTo == "" {
		return nil
	}
	return s.responder.Send(ctx, req.ReplyTo, resp)
}
