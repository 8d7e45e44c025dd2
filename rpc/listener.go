package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/c360/hiveroute/errors"
)

// ResponseListener feeds responses from the reply partitions into a Matcher.
// Partitions are spread over the workers round robin; each worker owns the
// subscriptions of its partitions, so responses sharing a correlation id
// are handled in transport order.
type ResponseListener struct {
	transport  Transport
	matcher    *Matcher
	subject    string
	partitions int
	workers    int
	logger     *slog.Logger

	started  atomic.Bool
	received atomic.Int64
	dropped  atomic.Int64
}

// NewResponseListener creates a listener for subject split into partitions.
func NewResponseListener(transport Transport, matcher *Matcher, subject string, partitions, workers int,
	logger *slog.Logger) *ResponseListener {
	if partitions < 1 {
		partitions = 1
	}
	if workers < 1 {
		workers = 1
	}
	if workers > partitions {
		workers = partitions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseListener{
		transport:  transport,
		matcher:    matcher,
		subject:    subject,
		partitions: partitions,
		workers:    workers,
		logger:     logger.With("component", "rpc-listener"),
	}
}

// Start subscribes every worker to its partitions. Subscriptions end with
// ctx.
func (l *ResponseListener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "ResponseListener", "Start", "check state")
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < l.workers; w++ {
		g.Go(func() error {
			for p := w; p < l.partitions; p += l.workers {
				subject := PartitionSubject(l.subject, p)
				if err := l.transport.Subscribe(ctx, subject, l.handle); err != nil {
					return errors.WrapTransient(errors.Join(errors.ErrSubscriptionFailed, err),
						"ResponseListener", "Start", "subscribe "+subject)
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			l.logger.Debug("Listener worker subscribed", "worker", w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.started.Store(false)
		return err
	}

	l.logger.Info("Response listener started", "subject", l.subject,
		"partitions", l.partitions, "workers", l.workers)
	return nil
}

// Stats returns the number of responses received and dropped.
func (l *ResponseListener) Stats() (received, dropped int64) {
	return l.received.Load(), l.dropped.Load()
}

func (l *ResponseListener) handle(_ context.Context, data []byte) {
	l.received.Add(1)

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		l.dropped.Add(1)
		l.logger.Warn("Dropping malformed response", "error", err)
		return
	}
	if !l.matcher.Offer(resp) {
		l.dropped.Add(1)
	}
}
