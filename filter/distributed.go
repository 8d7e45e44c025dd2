package filter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
	"github.com/c360/hiveroute/pkg/cache"
	"github.com/c360/hiveroute/subscription"
)

// Sync outcomes recorded in the sync metrics.
const (
	syncSent       = "sent"
	syncSendFailed = "send_failed"
	syncApplied    = "applied"
	syncSkipped    = "skipped"
	syncRejected   = "rejected"
)

// PublishCallback observes the result of an asynchronous sync publish. err
// is nil on success.
type PublishCallback func(msg SyncMessage, err error)

// DistributedOption configures a DistributedRegistry.
type DistributedOption func(*DistributedRegistry)

// WithNodeID sets the origin stamped on outgoing messages. Defaults to a
// random UUID.
func WithNodeID(id string) DistributedOption {
	return func(r *DistributedRegistry) {
		if id != "" {
			r.nodeID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DistributedOption {
	return func(r *DistributedRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records sync outcomes and dedupe cache activity.
func WithMetrics(registry *metric.MetricsRegistry) DistributedOption {
	return func(r *DistributedRegistry) {
		r.registry = registry
		r.metrics = registry.CoreMetrics()
	}
}

// WithPublishTimeout bounds each sync publish.
func WithPublishTimeout(d time.Duration) DistributedOption {
	return func(r *DistributedRegistry) {
		if d > 0 {
			r.publishTimeout = d
		}
	}
}

// WithPublishCallback observes every publish result.
func WithPublishCallback(fn PublishCallback) DistributedOption {
	return func(r *DistributedRegistry) {
		r.onPublish = fn
	}
}

// WithDedupeTTL sets how long applied message ids are remembered.
func WithDedupeTTL(d time.Duration) DistributedOption {
	return func(r *DistributedRegistry) {
		if d > 0 {
			r.dedupeTTL = d
		}
	}
}

// DistributedRegistry wraps a local Registry and replicates its mutations to
// other nodes over a SyncChannel. Mutations apply locally first and are then
// queued for a single background publisher, so peers receive one node's
// mutations in the order they were made. Lookups are served from the local
// registry.
type DistributedRegistry struct {
	local   Registry
	channel SyncChannel

	nodeID         string
	logger         *slog.Logger
	registry       *metric.MetricsRegistry
	metrics        *metric.Metrics
	publishTimeout time.Duration
	dedupeTTL      time.Duration
	onPublish      PublishCallback

	seen    *cache.TTL[struct{}]
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	queue   []SyncMessage
	closing bool
	wake    chan struct{}
	drained chan struct{}
}

var _ Registry = (*DistributedRegistry)(nil)

// NewDistributedRegistry decorates local with replication over channel.
func NewDistributedRegistry(local Registry, channel SyncChannel, opts ...DistributedOption) (*DistributedRegistry, error) {
	if local == nil {
		return nil, errors.WrapInvalid(errors.Missing("local registry"), "DistributedRegistry", "New", "check arguments")
	}
	if channel == nil {
		return nil, errors.WrapInvalid(errors.Missing("sync channel"), "DistributedRegistry", "New", "check arguments")
	}

	r := &DistributedRegistry{
		local:          local,
		channel:        channel,
		nodeID:         uuid.NewString(),
		logger:         slog.Default(),
		publishTimeout: 5 * time.Second,
		dedupeTTL:      5 * time.Minute,
		wake:           make(chan struct{}, 1),
		drained:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "filter-sync", "node", r.nodeID)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	cleanup := r.dedupeTTL / 5
	if cleanup < time.Second {
		cleanup = time.Second
	}
	seen, err := cache.NewTTL[struct{}](r.ctx, r.dedupeTTL, cleanup,
		cache.WithMetrics[struct{}](r.registry, "filter_sync_dedupe"))
	if err != nil {
		r.cancel()
		return nil, errors.Wrap(err, "DistributedRegistry", "New", "create dedupe cache")
	}
	r.seen = seen
	go r.run()
	return r, nil
}

// NodeID returns the origin stamped on outgoing messages.
func (r *DistributedRegistry) NodeID() string { return r.nodeID }

// Local returns the wrapped registry.
func (r *DistributedRegistry) Local() Registry { return r.local }

// Start attaches to the sync channel. Remote mutations are applied to the
// local registry until ctx is done or Close is called.
func (r *DistributedRegistry) Start(ctx context.Context) error {
	if r.closed.Load() {
		return errors.WrapInvalid(errors.ErrClosed, "DistributedRegistry", "Start", "check state")
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "DistributedRegistry", "Start", "check state")
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	if err := r.channel.Consume(consumeCtx, r.receive); err != nil {
		stop()
		cancel()
		r.started.Store(false)
		return errors.WrapTransient(err, "DistributedRegistry", "Start", "consume sync channel")
	}
	r.logger.Info("Filter sync started")
	return nil
}

// Register implements Registry.
func (r *DistributedRegistry) Register(f Filter, s subscription.Subscriber) error {
	if err := r.local.Register(f, s); err != nil {
		return err
	}
	r.broadcast(SyncMessage{Action: ActionRegister, Filter: &f, Subscriber: &s})
	return nil
}

// Unregister implements Registry.
func (r *DistributedRegistry) Unregister(s subscription.Subscriber) {
	r.local.Unregister(s)
	r.broadcast(SyncMessage{Action: ActionUnregister, Subscriber: &s})
}

// UnregisterDevice implements Registry.
func (r *DistributedRegistry) UnregisterDevice(deviceID string) {
	r.local.UnregisterDevice(deviceID)
	r.broadcast(SyncMessage{Action: ActionUnregisterDevice, DeviceIDs: []string{deviceID}})
}

// UnregisterNetwork implements Registry.
func (r *DistributedRegistry) UnregisterNetwork(networkID int64) {
	r.local.UnregisterNetwork(networkID)
	r.broadcast(SyncMessage{Action: ActionUnregisterNetwork, NetworkID: networkID})
}

// UnregisterDeviceType implements Registry.
func (r *DistributedRegistry) UnregisterDeviceType(deviceTypeID int64) {
	r.local.UnregisterDeviceType(deviceTypeID)
	r.broadcast(SyncMessage{Action: ActionUnregisterDeviceType, DeviceTypeID: deviceTypeID})
}

// Subscribers implements Registry from local state only.
func (r *DistributedRegistry) Subscribers(f Filter) []subscription.Subscriber {
	return r.local.Subscribers(f)
}

// Close publishes the queued sync messages until ctx is done, then detaches
// from the sync channel. Messages still queued when ctx ends are dropped and
// reported to the publish callback with ErrClosed.
func (r *DistributedRegistry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.signal()

	var err error
	select {
	case <-r.drained:
	case <-ctx.Done():
		err = errors.WrapTransient(ctx.Err(), "DistributedRegistry", "Close", "wait for sync publishes")
	}

	r.cancel()
	<-r.drained
	if cerr := r.seen.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (r *DistributedRegistry) broadcast(msg SyncMessage) {
	msg.ID = uuid.NewString()
	msg.Origin = r.nodeID

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.logger.Warn("Dropping sync message after close", "action", msg.Action)
		return
	}
	r.seen.Add(msg.ID, struct{}{})
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	r.signal()
}

func (r *DistributedRegistry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// run publishes queued messages one at a time in enqueue order. It returns
// once Close was called and the queue is empty, or when r.ctx is cancelled.
func (r *DistributedRegistry) run() {
	defer close(r.drained)
	for {
		r.mu.Lock()
		closing := r.closing
		r.mu.Unlock()
		batch := r.takeQueue()

		for i, msg := range batch {
			if r.ctx.Err() != nil {
				r.abandon(batch[i:])
				r.abandon(r.takeQueue())
				return
			}
			r.send(msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}

		select {
		case <-r.wake:
		case <-r.ctx.Done():
			r.abandon(r.takeQueue())
			return
		}
	}
}

func (r *DistributedRegistry) takeQueue() []SyncMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.queue
	r.queue = nil
	return batch
}

func (r *DistributedRegistry) send(msg SyncMessage) {
	err := r.publish(msg)
	if err != nil {
		r.metrics.RecordSync(syncSendFailed)
		r.logger.Error("Filter sync publish failed", "id", msg.ID, "action", msg.Action, "error", err)
	} else {
		r.metrics.RecordSync(syncSent)
	}
	if r.onPublish != nil {
		r.onPublish(msg, err)
	}
}

func (r *DistributedRegistry) abandon(msgs []SyncMessage) {
	for _, msg := range msgs {
		r.metrics.RecordSync(syncSendFailed)
		r.logger.Warn("Dropping queued sync message on close", "id", msg.ID, "action", msg.Action)
		if r.onPublish != nil {
			r.onPublish(msg, errors.WrapTransient(errors.ErrClosed, "DistributedRegistry", "Close", "publish queued message"))
		}
	}
}

func (r *DistributedRegistry) publish(msg SyncMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapFatal(err, "DistributedRegistry", "publish", "marshal sync message")
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.publishTimeout)
	defer cancel()
	if err := r.channel.Publish(ctx, data); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrSyncPublishFailed, err),
			"DistributedRegistry", "publish", "send to sync channel")
	}
	return nil
}

func (r *DistributedRegistry) receive(data []byte) {
	if r.closed.Load() {
		return
	}
	msg, err := decodeSyncMessage(data)
	if err != nil {
		r.metrics.RecordSync(syncRejected)
		r.logger.Warn("Rejected sync message", "error", err)
		return
	}
	if msg.Origin == r.nodeID || !r.seen.Add(msg.ID, struct{}{}) {
		r.metrics.RecordSync(syncSkipped)
		return
	}
	if err := msg.apply(r.local); err != nil {
		r.metrics.RecordSync(syncRejected)
		r.logger.Warn("Failed to apply sync message", "id", msg.ID, "action", msg.Action, "error", err)
		return
	}
	r.metrics.RecordSync(syncApplied)
	r.logger.Debug("Applied sync message", "id", msg.ID, "action", msg.Action, "origin", msg.Origin)
}
