// Package eventbus fans device events out to their subscribers. Client
// subscriptions resolve through the subscription registry; plugin filters
// resolve through a filter registry when one is configured.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/rpc"
	"github.com/c360/hiveroute/subscription"
)

// Delivery paths recorded in the delivery metrics.
const (
	pathSubscription = "subscription"
	pathFilter       = "filter"
)

// Bus routes events to subscribers through a MessageDispatcher.
type Bus struct {
	dispatcher rpc.MessageDispatcher
	registry   *subscription.Registry
	filters    filter.Registry
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithRegistry shares an existing subscription registry.
func WithRegistry(r *subscription.Registry) Option {
	return func(b *Bus) {
		if r != nil {
			b.registry = r
		}
	}
}

// WithFilterRegistry enables the plugin path.
func WithFilterRegistry(r filter.Registry) Option {
	return func(b *Bus) {
		b.filters = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records published events and deliveries.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bus) {
		b.metrics = registry.CoreMetrics()
	}
}

// New creates a bus sending through dispatcher.
func New(dispatcher rpc.MessageDispatcher, opts ...Option) *Bus {
	b := &Bus{
		dispatcher: dispatcher,
		registry:   subscription.NewRegistry(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "eventbus")
	return b
}

// Registry returns the subscription registry.
func (b *Bus) Registry() *subscription.Registry { return b.registry }

// Filters returns the filter registry, or nil.
func (b *Bus) Filters() filter.Registry { return b.filters }

// Subscribe attaches subscriber to sub.
func (b *Bus) Subscribe(subscriber subscription.Subscriber, sub subscription.Subscription) {
	b.registry.Register(subscriber, sub)
	b.logger.Debug("Subscribed", "subscriber", subscriber.ID, "subscription", sub.String())
}

// Unsubscribe detaches subscriber from everything it holds.
func (b *Bus) Unsubscribe(subscriber subscription.Subscriber) {
	b.registry.Unregister(subscriber)
	b.logger.Debug("Unsubscribed", "subscriber", subscriber.ID)
}

// UnsubscribeDevice drops every subscription scoped to deviceID.
func (b *Bus) UnsubscribeDevice(deviceID string) {
	b.registry.UnregisterDevice(deviceID)
}

// Publish sends one non-terminal response per subscriber and applicable
// subscription, then one per matching plugin subscriber. A subscriber
// matching through two subscriptions receives the event twice. Delivery
// failures are logged and counted; the fan-out always completes. The only
// error is a failure to encode the event.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	b.metrics.RecordEventPublished(e.Type())

	for _, sub := range e.ApplicableSubscriptions() {
		for _, s := range b.registry.Subscribers(sub) {
			b.deliver(ctx, pathSubscription, s, body)
		}
	}

	if b.filters != nil {
		for _, s := range b.filters.Subscribers(e.Filter()) {
			b.deliver(ctx, pathFilter, s, body)
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, path string, s subscription.Subscriber, body []byte) {
	err := b.dispatcher.Send(ctx, s.ReplyTo, rpc.Response{
		CorrelationID: s.CorrelationID,
		Status:        rpc.StatusOK,
		Body:          body,
		Last:          false,
	})
	b.metrics.RecordDelivery(path, err)
	if err != nil {
		b.logger.Warn("Event delivery failed", "path", path, "subscriber", s.ID, "reply_to", s.ReplyTo, "error", err)
	}
}
