package subscription

import (
	"sort"
	"sync"
)

// subscriberEntry holds one subscriber and its subscriptions. Once removed
// is set the entry is out of the index and must not be reused.
type subscriberEntry struct {
	mu            sync.Mutex
	subscriber    Subscriber
	subscriptions map[Subscription]struct{}
	removed       bool
}

// idSet is the set of subscriber ids attached to one subscription. A dead
// set has been dropped from the index.
type idSet struct {
	mu   sync.Mutex
	ids  map[int64]struct{}
	dead bool
}

// Registry indexes subscribers by id and by subscription. Operations on
// different subscribers never contend on a shared lock; readers see a
// point-in-time view of each set.
//
// Lock order is subscriberEntry.mu before idSet.mu.
type Registry struct {
	subscribers   sync.Map // int64 -> *subscriberEntry
	subscriptions sync.Map // Subscription -> *idSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register attaches subscriber to subscription. It is idempotent; the
// latest reply address and correlation id for the subscriber id win.
func (r *Registry) Register(subscriber Subscriber, subscription Subscription) {
	for {
		v, _ := r.subscribers.LoadOrStore(subscriber.ID, &subscriberEntry{
			subscriptions: make(map[Subscription]struct{}),
		})
		entry := v.(*subscriberEntry)

		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue
		}
		entry.subscriber = subscriber
		entry.subscriptions[subscription] = struct{}{}
		r.addID(subscription, subscriber.ID)
		entry.mu.Unlock()
		return
	}
}

// Unregister detaches subscriber from every subscription it holds and
// forgets it. Unknown subscribers are ignored.
func (r *Registry) Unregister(subscriber Subscriber) {
	v, ok := r.subscribers.Load(subscriber.ID)
	if !ok {
		return
	}
	entry := v.(*subscriberEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return
	}
	for s := range entry.subscriptions {
		r.removeID(s, subscriber.ID)
	}
	entry.subscriptions = nil
	entry.removed = true
	r.subscribers.CompareAndDelete(subscriber.ID, entry)
}

// UnregisterSubscription drops a subscription for all of its subscribers.
// A subscriber left without subscriptions is forgotten.
func (r *Registry) UnregisterSubscription(subscription Subscription) {
	v, ok := r.subscriptions.LoadAndDelete(subscription)
	if !ok {
		return
	}
	set := v.(*idSet)

	set.mu.Lock()
	set.dead = true
	ids := make([]int64, 0, len(set.ids))
	for id := range set.ids {
		ids = append(ids, id)
	}
	set.mu.Unlock()

	for _, id := range ids {
		r.detach(id, subscription)
	}
}

// UnregisterDevice drops every subscription scoped to deviceID.
func (r *Registry) UnregisterDevice(deviceID string) {
	var matched []Subscription
	r.subscriptions.Range(func(key, _ any) bool {
		if s := key.(Subscription); s.EntityID == deviceID {
			matched = append(matched, s)
		}
		return true
	})
	for _, s := range matched {
		r.UnregisterSubscription(s)
	}
}

// Subscribers returns the subscribers attached to subscription, ordered by id.
func (r *Registry) Subscribers(subscription Subscription) []Subscriber {
	v, ok := r.subscriptions.Load(subscription)
	if !ok {
		return nil
	}
	set := v.(*idSet)

	set.mu.Lock()
	ids := make([]int64, 0, len(set.ids))
	for id := range set.ids {
		ids = append(ids, id)
	}
	set.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	result := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		if sub, ok := r.Subscriber(id); ok {
			result = append(result, sub)
		}
	}
	return result
}

// Subscriptions returns the subscriptions held by subscriber.
func (r *Registry) Subscriptions(subscriber Subscriber) []Subscription {
	v, ok := r.subscribers.Load(subscriber.ID)
	if !ok {
		return nil
	}
	entry := v.(*subscriberEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil
	}
	result := make([]Subscription, 0, len(entry.subscriptions))
	for s := range entry.subscriptions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result
}

// Subscriber looks a subscriber up by its subscription request id.
func (r *Registry) Subscriber(id int64) (Subscriber, bool) {
	v, ok := r.subscribers.Load(id)
	if !ok {
		return Subscriber{}, false
	}
	entry := v.(*subscriberEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return Subscriber{}, false
	}
	return entry.subscriber, true
}

// AllSubscriptions lists every subscription with at least one subscriber.
func (r *Registry) AllSubscriptions() []Subscription {
	var result []Subscription
	r.subscriptions.Range(func(key, _ any) bool {
		result = append(result, key.(Subscription))
		return true
	})
	return result
}

// detach removes subscription from subscriber id unless a concurrent
// Register has already re-attached it through a new set.
func (r *Registry) detach(id int64, subscription Subscription) {
	v, ok := r.subscribers.Load(id)
	if !ok {
		return
	}
	entry := v.(*subscriberEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed || r.hasID(subscription, id) {
		return
	}
	delete(entry.subscriptions, subscription)
	if len(entry.subscriptions) == 0 {
		entry.removed = true
		r.subscribers.CompareAndDelete(id, entry)
	}
}

func (r *Registry) addID(subscription Subscription, id int64) {
	for {
		v, _ := r.subscriptions.LoadOrStore(subscription, &idSet{ids: make(map[int64]struct{})})
		set := v.(*idSet)

		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.ids[id] = struct{}{}
		set.mu.Unlock()
		return
	}
}

func (r *Registry) removeID(subscription Subscription, id int64) {
	v, ok := r.subscriptions.Load(subscription)
	if !ok {
		return
	}
	set := v.(*idSet)

	set.mu.Lock()
	defer set.mu.Unlock()

	delete(set.ids, id)
	if len(set.ids) == 0 && !set.dead {
		set.dead = true
		r.subscriptions.CompareAndDelete(subscription, set)
	}
}

func (r *Registry) hasID(subscription Subscription, id int64) bool {
	v, ok := r.subscriptions.Load(subscription)
	if !ok {
		return false
	}
	set := v.(*idSet)

	set.mu.Lock()
	defer set.mu.Unlock()

	_, ok = set.ids[id]
	return ok && !set.dead
}
