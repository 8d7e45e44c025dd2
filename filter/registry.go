package filter

import (
	"slices"
	"sync"

	"github.com/c360/hiveroute/subscription"
)

// Registry stores filter registrations and answers which subscribers want a
// given event. Implementations must be safe for concurrent use.
type Registry interface {
	// Register adds s to every cell f expands to. Registering the same
	// filter twice for one subscriber is a no-op.
	Register(f Filter, s subscription.Subscriber) error
	// Unregister removes every registration held by s.
	Unregister(s subscription.Subscriber)
	// UnregisterDevice narrows filters that name deviceID. Filters left with
	// no devices are dropped.
	UnregisterDevice(deviceID string)
	UnregisterNetwork(networkID int64)
	UnregisterDeviceType(deviceTypeID int64)
	// Subscribers returns everyone registered on a cell that f, or any
	// wildcard generalization of f, expands to. Results are ordered by id.
	Subscribers(f Filter) []subscription.Subscriber
}

type cell struct {
	mu   sync.Mutex
	subs map[int64]subscription.Subscriber
	dead bool
}

type registration struct {
	mu         sync.Mutex
	subscriber subscription.Subscriber
	filters    []Filter
	removed    bool
}

// MemoryRegistry is the in-process Registry. Cells and per-subscriber
// registrations live in concurrent maps; a mutation locks one registration
// and then the cells it touches, never the whole table.
type MemoryRegistry struct {
	cells         sync.Map // Key -> *cell
	registrations sync.Map // int64 -> *registration
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

// Register implements Registry.
func (r *MemoryRegistry) Register(f Filter, s subscription.Subscriber) error {
	if err := f.Validate(); err != nil {
		return err
	}
	for {
		v, _ := r.registrations.LoadOrStore(s.ID, &registration{subscriber: s})
		reg := v.(*registration)
		reg.mu.Lock()
		if reg.removed {
			reg.mu.Unlock()
			continue
		}
		reg.subscriber = s
		if !slices.ContainsFunc(reg.filters, f.Equal) {
			reg.filters = append(reg.filters, f)
		}
		r.place(f, s)
		reg.mu.Unlock()
		return nil
	}
}

// Unregister implements Registry. It scans every cell, so it is linear in
// the size of the table.
func (r *MemoryRegistry) Unregister(s subscription.Subscriber) {
	v, ok := r.registrations.Load(s.ID)
	if !ok {
		return
	}
	reg := v.(*registration)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.removed {
		return
	}

	r.cells.Range(func(key, _ any) bool {
		r.evict(key.(Key), s.ID)
		return true
	})
	reg.removed = true
	reg.filters = nil
	r.registrations.CompareAndDelete(s.ID, reg)
}

// UnregisterDevice implements Registry.
func (r *MemoryRegistry) UnregisterDevice(deviceID string) {
	r.narrow(func(f Filter) (Filter, bool, bool) { return f.withoutDevice(deviceID) })
}

// UnregisterNetwork implements Registry.
func (r *MemoryRegistry) UnregisterNetwork(networkID int64) {
	r.narrow(func(f Filter) (Filter, bool, bool) { return f.withoutNetwork(networkID) })
}

// UnregisterDeviceType implements Registry.
func (r *MemoryRegistry) UnregisterDeviceType(deviceTypeID int64) {
	r.narrow(func(f Filter) (Filter, bool, bool) { return f.withoutDeviceType(deviceTypeID) })
}

// Subscribers implements Registry.
func (r *MemoryRegistry) Subscribers(f Filter) []subscription.Subscriber {
	found := make(map[int64]subscription.Subscriber)
	visited := make(map[Key]struct{})
	for _, key := range f.Keys() {
		for _, first := range key.First.generalizations() {
			for _, second := range key.Second.generalizations() {
				k := Key{First: first, Second: second}
				if _, ok := visited[k]; ok {
					continue
				}
				visited[k] = struct{}{}
				r.collect(k, found)
			}
		}
	}

	out := make([]subscription.Subscriber, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b subscription.Subscriber) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Filters returns the filters currently held by subscriber id.
func (r *MemoryRegistry) Filters(id int64) []Filter {
	v, ok := r.registrations.Load(id)
	if !ok {
		return nil
	}
	reg := v.(*registration)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return slices.Clone(reg.filters)
}

// narrow applies fn to every registered filter. When any filter of a
// subscriber changes, its cells are cleared and the surviving filters are
// placed again, since two filters of one subscriber may share a cell.
func (r *MemoryRegistry) narrow(fn func(Filter) (Filter, bool, bool)) {
	r.registrations.Range(func(id, v any) bool {
		reg := v.(*registration)
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.removed {
			return true
		}

		var kept []Filter
		touched := false
		for _, f := range reg.filters {
			narrowed, changed, alive := fn(f)
			if changed {
				touched = true
			}
			if alive && !slices.ContainsFunc(kept, narrowed.Equal) {
				kept = append(kept, narrowed)
			}
		}
		if !touched {
			return true
		}

		for _, f := range reg.filters {
			for _, key := range f.Keys() {
				r.evict(key, reg.subscriber.ID)
			}
		}
		reg.filters = kept
		for _, f := range kept {
			r.place(f, reg.subscriber)
		}
		if len(kept) == 0 {
			reg.removed = true
			r.registrations.CompareAndDelete(id, reg)
		}
		return true
	})
}

func (r *MemoryRegistry) place(f Filter, s subscription.Subscriber) {
	for _, key := range f.Keys() {
		for {
			v, _ := r.cells.LoadOrStore(key, &cell{subs: make(map[int64]subscription.Subscriber)})
			c := v.(*cell)
			c.mu.Lock()
			if c.dead {
				c.mu.Unlock()
				continue
			}
			c.subs[s.ID] = s
			c.mu.Unlock()
			break
		}
	}
}

func (r *MemoryRegistry) evict(key Key, id int64) {
	v, ok := r.cells.Load(key)
	if !ok {
		return
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	if len(c.subs) == 0 && !c.dead {
		c.dead = true
		r.cells.CompareAndDelete(key, c)
	}
}

func (r *MemoryRegistry) collect(key Key, into map[int64]subscription.Subscriber) {
	v, ok := r.cells.Load(key)
	if !ok {
		return
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.subs {
		into[id] = s
	}
}
