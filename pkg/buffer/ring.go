package buffer

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/c360/hiveroute/errors"
)

// Ring is a fixed-capacity multi-producer, multi-consumer FIFO.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	notEmpty *sync.Cond
	notFull  *sync.Cond

	strategy      WaitStrategy
	sleepInterval time.Duration
	stats         *Statistics
	metrics       *ringMetrics
}

// NewRing creates a ring holding at most capacity items. A capacity below 1
// is raised to 1.
func NewRing[T any](capacity int, options ...Option) (*Ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	opts := applyOptions(options...)

	var metrics *ringMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newRingMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Ring", "NewRing", "metrics registration")
		}
	}

	r := &Ring[T]{
		items:         make([]T, capacity),
		capacity:      capacity,
		strategy:      opts.strategy,
		sleepInterval: opts.sleepInterval,
		stats:         NewStatistics(),
		metrics:       metrics,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Publish appends item, waiting while the ring is full. It fails only when
// the context is done or the ring is closed; items are never dropped.
func (r *Ring[T]) Publish(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.strategy == Blocking {
		return r.publishBlocking(ctx, item)
	}

	waited := false
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return errors.WrapInvalid(errors.ErrClosed, "Ring", "Publish", "ring closed")
		}
		if r.size < r.capacity {
			r.push(item)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		if !waited {
			waited = true
			r.recordProducerWait()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.idle()
	}
}

func (r *Ring[T]) publishBlocking(ctx context.Context, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity && !r.closed {
		r.recordProducerWait()
		stop := r.wakeOnDone(ctx, r.notFull)
		defer stop()

		for r.size == r.capacity && !r.closed {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.notFull.Wait()
		}
	}

	if r.closed {
		return errors.WrapInvalid(errors.ErrClosed, "Ring", "Publish", "ring closed")
	}
	r.push(item)
	return nil
}

// TryPublish appends item if there is room and reports whether it did.
func (r *Ring[T]) TryPublish(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.size == r.capacity {
		return false
	}
	r.push(item)
	return true
}

// Take removes the oldest item, waiting while the ring is empty. After Close
// the remaining items are still returned; once drained Take reports
// errors.ErrClosed.
func (r *Ring[T]) Take(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if r.strategy == Blocking {
		return r.takeBlocking(ctx)
	}

	for {
		r.mu.Lock()
		if r.size > 0 {
			item := r.pop()
			r.mu.Unlock()
			return item, nil
		}
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return zero, errors.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		r.idle()
	}
}

func (r *Ring[T]) takeBlocking(ctx context.Context) (T, error) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 && !r.closed {
		stop := r.wakeOnDone(ctx, r.notEmpty)
		defer stop()

		for r.size == 0 && !r.closed {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			r.notEmpty.Wait()
		}
	}

	if r.size == 0 {
		return zero, errors.ErrClosed
	}
	return r.pop(), nil
}

// TryTake removes the oldest item if one is buffered.
func (r *Ring[T]) TryTake() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.pop(), true
}

// Close stops accepting items and wakes every waiter. Buffered items can
// still be taken.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
	return nil
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Strategy returns the configured wait strategy.
func (r *Ring[T]) Strategy() WaitStrategy {
	return r.strategy
}

// Stats returns the ring statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// push requires r.mu held and a free slot.
func (r *Ring[T]) push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.publish(r.size)
	r.metrics.recordPublish(r.size, r.capacity)
	r.notEmpty.Signal()
}

// pop requires r.mu held and at least one item.
func (r *Ring[T]) pop() T {
	var zero T
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--

	r.stats.take(r.size)
	r.metrics.recordTake(r.size, r.capacity)
	r.notFull.Signal()
	return item
}

func (r *Ring[T]) recordProducerWait() {
	r.stats.producerWait()
	r.metrics.recordProducerWait()
}

// wakeOnDone broadcasts cond when ctx is done. The broadcast takes r.mu so a
// waiter cannot miss it between checking ctx and calling Wait.
func (r *Ring[T]) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	return context.AfterFunc(ctx, func() {
		r.mu.Lock()
		cond.Broadcast()
		r.mu.Unlock()
	})
}

func (r *Ring[T]) idle() {
	switch r.strategy {
	case Sleeping:
		time.Sleep(r.sleepInterval)
	case Yielding:
		runtime.Gosched()
	case BusySpin:
	}
}
