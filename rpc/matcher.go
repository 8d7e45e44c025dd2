package rpc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
)

// Callback receives the responses of one call. It runs on the listener
// goroutine that received the response and must not block for long.
type Callback func(Response)

type pendingCall struct {
	callback Callback
	stop     func() bool
}

// Matcher maps correlation ids to the callbacks of pending calls. A call
// stays registered until a response with Last arrives, it is removed, or the
// context it was added with is done.
type Matcher struct {
	calls   sync.Map // correlation id -> *pendingCall
	pending atomic.Int64
	logger  *slog.Logger
	metrics *metric.Metrics
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithMatcherLogger sets the logger.
func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMatcherMetrics records pending calls and unknown correlations.
func WithMatcherMetrics(registry *metric.MetricsRegistry) MatcherOption {
	return func(m *Matcher) {
		m.metrics = registry.CoreMetrics()
	}
}

// NewMatcher creates an empty matcher.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers callback for id. The entry is dropped when ctx is done.
func (m *Matcher) Add(ctx context.Context, id string, callback Callback) error {
	if id == "" {
		return errors.WrapInvalid(errors.Missing("correlationId"), "Matcher", "Add", "check id")
	}
	if callback == nil {
		return errors.WrapInvalid(errors.Missing("callback"), "Matcher", "Add", "check callback")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrCallCancelled, err), "Matcher", "Add", "check context")
	}

	call := &pendingCall{callback: callback}
	call.stop = context.AfterFunc(ctx, func() { m.cancel(id, call, ctx.Err()) })

	m.updatePending(1)
	if _, loaded := m.calls.LoadOrStore(id, call); loaded {
		call.stop()
		m.updatePending(-1)
		return errors.WrapInvalid(errors.ErrDuplicateRegistered, "Matcher", "Add", "register "+id)
	}
	// ctx may have ended before the entry was stored.
	if err := ctx.Err(); err != nil {
		m.cancel(id, call, err)
		return errors.WrapTransient(errors.Join(errors.ErrCallCancelled, err), "Matcher", "Add", "check context")
	}
	return nil
}

func (m *Matcher) cancel(id string, call *pendingCall, cause error) {
	if m.calls.CompareAndDelete(id, call) {
		m.updatePending(-1)
		m.logger.Debug("Pending call cancelled", "correlation_id", id, "error", cause)
	}
}

// Remove drops the entry for id and reports whether one existed.
func (m *Matcher) Remove(id string) bool {
	v, ok := m.calls.LoadAndDelete(id)
	if !ok {
		return false
	}
	m.release(v.(*pendingCall))
	return true
}

// Offer routes resp to its pending call. A terminal response removes the
// entry first, so a second terminal response for the same id finds nothing.
// Responses for unknown ids are dropped and reported as false.
func (m *Matcher) Offer(resp Response) bool {
	var (
		v  any
		ok bool
	)
	if resp.Last {
		v, ok = m.calls.LoadAndDelete(resp.CorrelationID)
	} else {
		v, ok = m.calls.Load(resp.CorrelationID)
	}
	if !ok {
		m.metrics.RecordUnknownCorrelation()
		m.logger.Warn("Dropping response for unknown correlation id",
			"correlation_id", resp.CorrelationID, "last", resp.Last)
		return false
	}

	call := v.(*pendingCall)
	if resp.Last {
		m.release(call)
	}
	call.callback(resp)
	return true
}

// Pending returns the number of registered calls.
func (m *Matcher) Pending() int {
	return int(m.pending.Load())
}

func (m *Matcher) release(call *pendingCall) {
	if call.stop != nil {
		call.stop()
	}
	m.updatePending(-1)
}

func (m *Matcher) updatePending(delta int64) {
	m.metrics.SetPendingCalls(int(m.pending.Add(delta)))
}
