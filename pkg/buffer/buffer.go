// Package buffer provides the fixed-capacity ring buffer that sits between the
// transport and the request workers.
//
// Producers never drop: a full ring makes Publish wait until space frees up,
// the context is done, or the ring is closed. How a waiting goroutine idles
// is chosen with a WaitStrategy:
//   - Blocking parks on a condition variable (lowest CPU)
//   - Sleeping polls with a short sleep between checks
//   - Yielding polls and yields the processor between checks
//   - BusySpin polls without pausing (lowest latency, burns a core)
//
// Statistics are always collected; Prometheus metrics are optional via
// WithMetrics.
package buffer

import (
	"strings"
)

// WaitStrategy selects how idle consumers and blocked producers wait.
type WaitStrategy int

const (
	// Blocking parks waiters on a condition variable
	Blocking WaitStrategy = iota
	// Sleeping polls with a short sleep
	Sleeping
	// Yielding polls and yields the processor
	Yielding
	// BusySpin polls continuously
	BusySpin
)

// String returns the configuration name of the strategy.
func (w WaitStrategy) String() string {
	switch w {
	case Blocking:
		return "blocking"
	case Sleeping:
		return "sleeping"
	case Yielding:
		return "yielding"
	case BusySpin:
		return "busyspin"
	default:
		return "unknown"
	}
}

// ParseWaitStrategy maps a configuration name to a strategy. Unknown or empty
// names select Blocking.
func ParseWaitStrategy(name string) WaitStrategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sleeping":
		return Sleeping
	case "yielding":
		return Yielding
	case "busyspin", "busy_spin", "busy-spin":
		return BusySpin
	default:
		return Blocking
	}
}
