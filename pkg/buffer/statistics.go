package buffer

import (
	"sync/atomic"
)

// Statistics tracks ring activity.
type Statistics struct {
	published     atomic.Int64
	taken         atomic.Int64
	producerWaits atomic.Int64
	size          atomic.Int64
	maxSize       atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) publish(size int) {
	s.published.Add(1)
	s.updateSize(size)
}

func (s *Statistics) take(size int) {
	s.taken.Add(1)
	s.updateSize(size)
}

func (s *Statistics) producerWait() {
	s.producerWaits.Add(1)
}

func (s *Statistics) updateSize(size int) {
	n := int64(size)
	s.size.Store(n)
	for {
		current := s.maxSize.Load()
		if n <= current || s.maxSize.CompareAndSwap(current, n) {
			return
		}
	}
}

// Published returns the number of items accepted by the ring.
func (s *Statistics) Published() int64 { return s.published.Load() }

// Taken returns the number of items handed to consumers.
func (s *Statistics) Taken() int64 { return s.taken.Load() }

// ProducerWaits returns how often a producer found the ring full.
func (s *Statistics) ProducerWaits() int64 { return s.producerWaits.Load() }

// Size returns the last observed number of buffered items.
func (s *Statistics) Size() int64 { return s.size.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// Summary returns the statistics as a map for logging.
func (s *Statistics) Summary() map[string]int64 {
	return map[string]int64{
		"published":      s.Published(),
		"taken":          s.Taken(),
		"producer_waits": s.ProducerWaits(),
		"size":           s.Size(),
		"max_size":       s.MaxSize(),
	}
}
