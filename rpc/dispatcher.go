package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
)

// Request outcomes recorded in the request metrics.
const (
	outcomeOK          = "ok"
	outcomeInvalid     = "invalid"
	outcomeError       = "error"
	outcomePanic       = "panic"
	outcomeUnsupported = "unsupported"
)

// Handler serves one action. Returning an error produces a failure
// response; errors classified invalid become status 400 with their message.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Table maps actions to their handlers. It is built once at startup.
type Table map[string]Handler

// Dispatcher routes requests to handlers by action.
type Dispatcher struct {
	handlers Table
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics records requests by action and outcome.
func WithDispatcherMetrics(registry *metric.MetricsRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = registry.CoreMetrics()
	}
}

// NewDispatcher creates a dispatcher over a copy of handlers.
func NewDispatcher(handlers Table, opts ...DispatcherOption) *Dispatcher {
	table := make(Table, len(handlers))
	for action, h := range handlers {
		table[action] = h
	}
	d := &Dispatcher{handlers: table, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle serves req and always returns a response for it. Unknown actions,
// handler errors and handler panics become terminal failure responses.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	outcome := outcomeOK
	defer func() {
		resp.CorrelationID = req.CorrelationID
		d.metrics.RecordRequest(req.Action, outcome, time.Since(start))
	}()

	h, ok := d.handlers[req.Action]
	if !ok {
		outcome = outcomeUnsupported
		d.logger.Warn("Unsupported action", "action", req.Action, "correlation_id", req.CorrelationID)
		return ErrorResponse(StatusServerError, fmt.Sprintf("%s: %q", errors.ErrUnsupportedAction, req.Action))
	}

	resp, err := d.invoke(ctx, h, req)
	var panicked *handlerPanic
	switch {
	case err == nil:
		return resp
	case errors.As(err, &panicked):
		outcome = outcomePanic
		d.logger.Error("Handler panicked", "action", req.Action, "correlation_id", req.CorrelationID,
			"error", err, "stack", panicked.stack)
		return ErrorResponse(StatusServerError, "internal server error")
	case errors.IsInvalid(err):
		outcome = outcomeInvalid
		d.logger.Debug("Rejected request", "action", req.Action, "error", err)
		return ErrorResponse(statusFor(err), err.Error())
	default:
		outcome = outcomeError
		d.logger.Error("Handler failed", "action", req.Action, "correlation_id", req.CorrelationID, "error", err)
		return ErrorResponse(StatusServerError, "internal server error")
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return h.Handle(ctx, req)
}

func statusFor(err error) int {
	if errors.Is(err, errors.ErrNotFound) {
		return StatusNotFound
	}
	return StatusBadRequest
}

type handlerPanic struct {
	value any
	stack string
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}
