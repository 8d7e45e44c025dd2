package filter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/subscription"
)

func sub(id int64) subscription.Subscriber {
	return subscription.Subscriber{ID: id, ReplyTo: fmt.Sprintf("reply.%d", id), CorrelationID: fmt.Sprintf("c%d", id)}
}

func ids(subs []subscription.Subscriber) []int64 {
	out := make([]int64, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func TestMemoryRegistry_NetworkAndGlobalUnion(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{NetworkIDs: []int64{5}, EventName: EventNotification}, sub(1)))
	require.NoError(t, r.Register(Filter{}, sub(2)))

	got := r.Subscribers(ForEvent(5, 7, "dev", EventNotification, "temp"))
	assert.Equal(t, []int64{1, 2}, ids(got))

	got = r.Subscribers(ForEvent(6, 7, "dev", EventNotification, "temp"))
	assert.Equal(t, []int64{2}, ids(got))

	got = r.Subscribers(ForEvent(5, 7, "dev", EventCommand, "reboot"))
	assert.Equal(t, []int64{2}, ids(got), "event kind is part of the key")
}

func TestMemoryRegistry_ExactDeviceAndNames(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{
		NetworkIDs:    []int64{1},
		DeviceTypeIDs: []int64{2},
		DeviceIDs:     []string{"dev"},
		EventName:     EventCommand,
		Names:         []string{"on", "off"},
	}, sub(1)))

	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(1, 2, "dev", EventCommand, "off"))))
	assert.Empty(t, r.Subscribers(ForEvent(1, 2, "dev", EventCommand, "blink")))
	assert.Empty(t, r.Subscribers(ForEvent(1, 2, "other", EventCommand, "on")))
}

func TestMemoryRegistry_SubscriberDeduplicatedAcrossCells(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{}, sub(1)))
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"dev"}}, sub(1)))

	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(1, 1, "dev", EventCommand, "x"))))
}

func TestMemoryRegistry_RegisterIdempotent(t *testing.T) {
	r := NewMemoryRegistry()
	f := Filter{DeviceIDs: []string{"dev"}}
	require.NoError(t, r.Register(f, sub(1)))
	require.NoError(t, r.Register(f, sub(1)))

	assert.Len(t, r.Filters(1), 1)
	assert.Len(t, r.Subscribers(ForEvent(0, 0, "dev", "", "")), 1)
}

func TestMemoryRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewMemoryRegistry()
	err := r.Register(Filter{DeviceIDs: []string{}}, sub(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)
	assert.Nil(t, r.Filters(1))
}

func TestMemoryRegistry_Unregister(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"a", "b"}}, sub(1)))
	require.NoError(t, r.Register(Filter{}, sub(1)))
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"a"}}, sub(2)))

	r.Unregister(sub(1))

	assert.Equal(t, []int64{2}, ids(r.Subscribers(ForEvent(0, 0, "a", "", ""))))
	assert.Empty(t, r.Subscribers(ForEvent(0, 0, "b", "", "")))
	assert.Nil(t, r.Filters(1))

	r.Unregister(sub(1))
	r.Unregister(sub(99))
}

func TestMemoryRegistry_UnregisterDeviceNarrows(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"d", "d2"}, EventName: EventCommand}, sub(1)))

	r.UnregisterDevice("d")
	assert.Empty(t, r.Subscribers(ForEvent(0, 0, "d", EventCommand, "x")))
	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(0, 0, "d2", EventCommand, "x"))))
	require.Len(t, r.Filters(1), 1)
	assert.Equal(t, []string{"d2"}, r.Filters(1)[0].DeviceIDs)

	r.UnregisterDevice("d2")
	assert.Empty(t, r.Subscribers(ForEvent(0, 0, "d2", EventCommand, "x")))
	assert.Nil(t, r.Filters(1))
}

// Two filters of one subscriber can occupy the same cell; narrowing one must
// not strip the cell the other still needs.
func TestMemoryRegistry_UnregisterDeviceKeepsSharedCells(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"d"}}, sub(1)))
	require.NoError(t, r.Register(Filter{DeviceIDs: []string{"d", "e"}}, sub(1)))

	r.UnregisterDevice("e")

	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(0, 0, "d", "", ""))))
	assert.Empty(t, r.Subscribers(ForEvent(0, 0, "e", "", "")))
	assert.Len(t, r.Filters(1), 2)
}

func TestMemoryRegistry_UnregisterDeviceLeavesWildcards(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{NetworkIDs: []int64{1}}, sub(1)))

	r.UnregisterDevice("d")

	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(1, 0, "d", "", ""))))
}

func TestMemoryRegistry_UnregisterNetworkAndDeviceType(t *testing.T) {
	r := NewMemoryRegistry()
	require.NoError(t, r.Register(Filter{NetworkIDs: []int64{1, 2}}, sub(1)))
	require.NoError(t, r.Register(Filter{DeviceTypeIDs: []int64{7}}, sub(2)))

	r.UnregisterNetwork(1)
	assert.Empty(t, r.Subscribers(ForEvent(1, 0, "", "", "")))
	assert.Equal(t, []int64{1}, ids(r.Subscribers(ForEvent(2, 0, "", "", ""))))

	r.UnregisterDeviceType(7)
	assert.Empty(t, r.Subscribers(ForEvent(0, 7, "", "", "")))
	assert.Nil(t, r.Filters(2))
}

func TestMemoryRegistry_ConcurrentMutations(t *testing.T) {
	r := NewMemoryRegistry()
	var wg sync.WaitGroup

	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			f := Filter{DeviceIDs: []string{"shared", fmt.Sprintf("own-%d", id)}}
			for j := 0; j < 20; j++ {
				assert.NoError(t, r.Register(f, sub(id)))
				_ = r.Subscribers(ForEvent(0, 0, "shared", "", ""))
				if id%2 == 0 {
					r.Unregister(sub(id))
				}
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			r.UnregisterDevice("missing")
		}
	}()
	wg.Wait()

	got := r.Subscribers(ForEvent(0, 0, "shared", "", ""))
	assert.Len(t, got, 25)
	for _, s := range got {
		assert.Equal(t, int64(1), s.ID%2)
	}
}
