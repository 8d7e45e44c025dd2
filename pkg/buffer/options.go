package buffer

import (
	"time"

	"github.com/c360/hiveroute/metric"
)

// Option configures a Ring.
type Option func(*ringOptions)

type ringOptions struct {
	strategy      WaitStrategy
	sleepInterval time.Duration

	// optional Prometheus export of the statistics
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithWaitStrategy sets how waiters idle. Defaults to Blocking.
func WithWaitStrategy(strategy WaitStrategy) Option {
	return func(o *ringOptions) {
		o.strategy = strategy
	}
}

// WithSleepInterval sets the pause used by the Sleeping strategy.
func WithSleepInterval(d time.Duration) Option {
	return func(o *ringOptions) {
		if d > 0 {
			o.sleepInterval = d
		}
	}
}

// WithMetrics enables Prometheus metrics export. Ignored when registry is nil
// or prefix is empty.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *ringOptions) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

func applyOptions(options ...Option) *ringOptions {
	opts := &ringOptions{
		strategy:      Blocking,
		sleepInterval: 100 * time.Microsecond,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
