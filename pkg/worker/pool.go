// Package worker provides a fixed-size worker pool draining a ring buffer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/pkg/buffer"
)

// Pool runs a fixed number of workers that take items from a ring buffer and
// hand them to a processor. A failing or panicking item is counted and logged;
// the worker moves on to the next item.
type Pool[T any] struct {
	workers   int
	source    *buffer.Ring[T]
	processor func(context.Context, T) error
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	metrics         *poolMetrics
}

type poolMetrics struct {
	processed      prometheus.Counter
	failed         prometheus.Counter
	panicked       prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithLogger sets the logger used for failures and recovered panics
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool of workers draining source. It panics on a nil
// processor or source, matching other programmer errors at construction.
func NewPool[T any](workers int, source *buffer.Ring[T], processor func(context.Context, T) error,
	opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		workers = 10
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if source == nil {
		panic(ErrNilSource)
	}

	p := &Pool[T]{
		workers:   workers,
		source:    source,
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		if err := p.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool[T]) initializeMetrics() error {
	prefix := p.metricsPrefix
	m := &poolMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		panicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_panics_total",
			Help: "Total work items whose processor panicked",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const component = "worker_pool"
	if err := p.metricsRegistry.RegisterCounter(component, prefix+"_processed_total", m.processed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(component, prefix+"_failed_total", m.failed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(component, prefix+"_panics_total", m.panicked); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterHistogramVec(
		component, prefix+"_processing_duration_seconds", m.processingTime); err != nil {
		return err
	}
	p.metrics = m
	return nil
}

// Submit publishes work into the ring, waiting while it is full.
func (p *Pool[T]) Submit(ctx context.Context, work T) error {
	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	p.lifecycleMu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolStopped
	}

	if err := p.source.Publish(ctx, work); err != nil {
		return err
	}
	p.submitted.Add(1)
	return nil
}

// Start launches the workers
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	p.started = true
	return nil
}

// Stop closes the ring and waits for the workers to drain what is buffered.
// After timeout the workers are cancelled and ErrStopTimeout is returned.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	_ = p.source.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.source.Cap(),
		QueueDepth: p.source.Len(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Panicked   int64 `json:"panicked"`
}

func (p *Pool[T]) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		work, err := p.source.Take(ctx)
		if err != nil {
			return
		}
		p.process(ctx, id, work)
	}
}

func (p *Pool[T]) process(ctx context.Context, id int, work T) {
	start := time.Now()
	status := "success"

	err := p.invoke(ctx, work)
	p.processed.Add(1)

	if err != nil {
		status = "error"
		p.failed.Add(1)
		var pe *panicError
		if errors.As(err, &pe) {
			status = "panic"
			p.panicked.Add(1)
			p.logger.Error("Worker recovered from panic",
				"worker", id, "panic", pe.value, "stack", string(pe.stack))
		} else {
			p.logger.Debug("Work item failed", "worker", id, "error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		switch status {
		case "error":
			p.metrics.failed.Inc()
		case "panic":
			p.metrics.failed.Inc()
			p.metrics.panicked.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (p *Pool[T]) invoke(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return p.processor(ctx, work)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.value)
}
