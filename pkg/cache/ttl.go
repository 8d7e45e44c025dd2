// Package cache provides an expiring key set used to remember recently seen
// identifiers, such as the ids of applied sync messages.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
)

// EvictCallback is called with the key and value of an expired entry.
type EvictCallback[V any] func(key string, value V)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe map whose entries expire after a fixed duration.
// Expired entries are invisible immediately and removed by a background sweep.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]ttlEntry[V]
	evictFn EvictCallback[V]
	now     func() time.Time

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V]) error

// WithEvictionCallback sets a callback invoked for swept entries.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) error {
		c.evictFn = fn
		return nil
	}
}

// WithMetrics exports hit, miss and eviction counters under prefix.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(c *TTL[V]) error {
		if registry == nil || prefix == "" {
			return nil
		}
		labels := prometheus.Labels{"component": prefix}
		c.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hiveroute", Subsystem: "cache", Name: "hits_total",
			ConstLabels: labels, Help: "Lookups that found a live entry",
		})
		c.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hiveroute", Subsystem: "cache", Name: "misses_total",
			ConstLabels: labels, Help: "Lookups that found nothing or an expired entry",
		})
		c.evictions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hiveroute", Subsystem: "cache", Name: "evictions_total",
			ConstLabels: labels, Help: "Entries removed by expiry",
		})
		if err := registry.RegisterCounter(prefix, "cache_hits", c.hits); err != nil {
			return err
		}
		if err := registry.RegisterCounter(prefix, "cache_misses", c.misses); err != nil {
			return err
		}
		return registry.RegisterCounter(prefix, "cache_evictions", c.evictions)
	}
}

// NewTTL creates a cache whose entries live for ttl. A sweep runs every
// cleanupInterval until ctx is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("ttl must be positive, got %v", ttl), "TTL", "NewTTL", "validate ttl")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]ttlEntry[V]),
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapTransient(err, "TTL", "NewTTL", "apply option")
		}
	}

	go c.cleanup(ctx, cleanupInterval)
	return c, nil
}

// Get returns the value stored under key if it has not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || entry.expired(c.now()) {
		inc(c.misses)
		var zero V
		return zero, false
	}
	inc(c.hits)
	return entry.value, true
}

// Set stores value under key, replacing any previous entry and its expiry.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Add stores value only if key has no live entry. It reports whether the
// value was stored; the check and the insert are atomic.
func (c *TTL[V]) Add(key string, value V) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok && !entry.expired(now) {
		inc(c.hits)
		return false
	}
	inc(c.misses)
	c.items[key] = ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	return true
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweep.
func (c *TTL[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *TTL[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *TTL[V]) removeExpired() {
	now := c.now()
	expired := make(map[string]V)

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expired(now) {
			expired[key] = entry.value
			delete(c.items, key)
		}
	}
	c.mu.Unlock()

	for key, value := range expired {
		inc(c.evictions)
		if c.evictFn != nil {
			c.evictFn(key, value)
		}
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
