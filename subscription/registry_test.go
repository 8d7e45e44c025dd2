package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscriber(id int64) Subscriber {
	return Subscriber{ID: id, ReplyTo: "reply.0", CorrelationID: fmt.Sprintf("corr-%d", id)}
}

func TestRegistry_RegisterBothDirections(t *testing.T) {
	r := NewRegistry()
	s := subscriber(1)
	a := New(CommandEvent, "d1")
	b := Named(NotificationEvent, "d1", "temperature")

	r.Register(s, a)
	r.Register(s, b)

	assert.ElementsMatch(t, []Subscription{a, b}, r.Subscriptions(s))
	assert.Equal(t, []Subscriber{s}, r.Subscribers(a))
	assert.Equal(t, []Subscriber{s}, r.Subscribers(b))
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := subscriber(1)
	a := New(CommandEvent, "d1")

	r.Register(s, a)
	r.Register(s, a)

	assert.Len(t, r.Subscriptions(s), 1)
	assert.Len(t, r.Subscribers(a), 1)
}

func TestRegistry_LatestSubscriberAddressWins(t *testing.T) {
	r := NewRegistry()
	a := New(CommandEvent, "d1")

	r.Register(Subscriber{ID: 7, ReplyTo: "reply.0", CorrelationID: "old"}, a)
	r.Register(Subscriber{ID: 7, ReplyTo: "reply.1", CorrelationID: "new"}, a)

	got, ok := r.Subscriber(7)
	require.True(t, ok)
	assert.Equal(t, "new", got.CorrelationID)
	assert.Equal(t, "reply.1", got.ReplyTo)
}

func TestRegistry_ManySubscribersOneSubscription(t *testing.T) {
	r := NewRegistry()
	a := New(CommandEvent, "d1")
	r.Register(subscriber(3), a)
	r.Register(subscriber(1), a)
	r.Register(subscriber(2), a)

	got := r.Subscribers(a)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	s1, s2 := subscriber(1), subscriber(2)
	a := New(CommandEvent, "d1")
	b := New(NotificationEvent, "d1")

	r.Register(s1, a)
	r.Register(s1, b)
	r.Register(s2, a)

	r.Unregister(s1)

	assert.Empty(t, r.Subscriptions(s1))
	assert.Equal(t, []Subscriber{s2}, r.Subscribers(a))
	assert.Empty(t, r.Subscribers(b))
	_, ok := r.Subscriber(1)
	assert.False(t, ok)
	assert.ElementsMatch(t, []Subscription{a}, r.AllSubscriptions())

	// unknown and repeated unregister are no-ops
	r.Unregister(s1)
	r.Unregister(subscriber(99))
}

func TestRegistry_ReRegisterAfterUnregister(t *testing.T) {
	r := NewRegistry()
	s := subscriber(1)
	a := New(CommandEvent, "d1")

	r.Register(s, a)
	r.Unregister(s)
	r.Register(s, a)

	assert.Equal(t, []Subscriber{s}, r.Subscribers(a))
	assert.Equal(t, []Subscription{a}, r.Subscriptions(s))
}

func TestRegistry_UnregisterSubscription(t *testing.T) {
	r := NewRegistry()
	s1, s2 := subscriber(1), subscriber(2)
	a := New(CommandEvent, "d1")
	b := New(CommandEvent, "d2")

	r.Register(s1, a)
	r.Register(s1, b)
	r.Register(s2, a)

	r.UnregisterSubscription(a)

	assert.Empty(t, r.Subscribers(a))
	assert.Equal(t, []Subscription{b}, r.Subscriptions(s1))

	// s2 held only a, so it is gone
	_, ok := r.Subscriber(2)
	assert.False(t, ok)
	_, ok = r.Subscriber(1)
	assert.True(t, ok)
}

func TestRegistry_UnregisterDevice(t *testing.T) {
	r := NewRegistry()
	s1, s2 := subscriber(1), subscriber(2)
	r.Register(s1, New(CommandEvent, "d1"))
	r.Register(s1, Named(NotificationEvent, "d1", "temp"))
	r.Register(s1, New(CommandEvent, "d2"))
	r.Register(s2, New(CommandUpdateEvent, "d1"))

	r.UnregisterDevice("d1")

	assert.Equal(t, []Subscription{New(CommandEvent, "d2")}, r.Subscriptions(s1))
	assert.Empty(t, r.Subscriptions(s2))
	for _, s := range r.AllSubscriptions() {
		assert.NotEqual(t, "d1", s.EntityID)
	}
}

func TestRegistry_ConcurrentRegisterSameSubscriber(t *testing.T) {
	r := NewRegistry()
	s := subscriber(1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(s, New(CommandEvent, fmt.Sprintf("d%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Subscriptions(s), 50)
	for i := 0; i < 50; i++ {
		assert.Equal(t, []Subscriber{s}, r.Subscribers(New(CommandEvent, fmt.Sprintf("d%d", i))))
	}
}

// Racing register and unregister for the same id must leave both indexes
// agreeing with each other.
func TestRegistry_RegisterUnregisterRace(t *testing.T) {
	r := NewRegistry()
	a := New(CommandEvent, "d1")

	for round := 0; round < 200; round++ {
		s := subscriber(int64(round % 5))
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); r.Register(s, a) }()
		go func() { defer wg.Done(); r.Unregister(s) }()
		go func() { defer wg.Done(); r.UnregisterSubscription(a) }()
		wg.Wait()
	}

	for id := int64(0); id < 5; id++ {
		s := subscriber(id)
		held := r.Subscriptions(s)
		listed := false
		for _, sub := range r.Subscribers(a) {
			if sub.ID == id {
				listed = true
			}
		}
		assert.Equal(t, len(held) == 1, listed, "subscriber %d indexes disagree", id)
	}
}

func TestSubscription_String(t *testing.T) {
	assert.Equal(t, "COMMAND_EVENT(d1)", New(CommandEvent, "d1").String())
	assert.Equal(t, "NOTIFICATION_EVENT(d1,temp)", Named(NotificationEvent, "d1", "temp").String())
}
