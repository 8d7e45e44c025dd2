package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/eventbus"
	"github.com/c360/hiveroute/filter"
	"github.com/c360/hiveroute/rpc"
	"github.com/c360/hiveroute/subscription"
	"github.com/c360/hiveroute/testutil"
)

type backend struct {
	transport *testutil.MockNATSClient
	client    *rpc.Client
	matcher   *rpc.Matcher
	bus       *eventbus.Bus
	filters   *filter.MemoryRegistry
	store     *MemoryStore
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := &backend{
		transport: testutil.NewMockNATSClient(),
		matcher:   rpc.NewMatcher(),
		filters:   filter.NewMemoryRegistry(),
		store:     NewMemoryStore(0),
	}
	responder := rpc.NewTransportDispatcher(b.transport, nil)
	b.bus = eventbus.New(responder, eventbus.WithFilterRegistry(b.filters))
	handlers := New(b.bus, b.store, WithStreamCloser(responder))

	server, err := rpc.NewServer(b.transport, rpc.NewDispatcher(handlers.Table()), rpc.ServerConfig{})
	require.NoError(t, err)
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { _ = server.Stop() })

	require.NoError(t, rpc.NewResponseListener(b.transport, b.matcher, "response_topic", 3, 1, nil).Start(ctx))
	b.client = rpc.NewClient(b.transport, b.matcher, rpc.WithCallTimeout(2*time.Second))
	return b
}

func (b *backend) call(t *testing.T, action string, body any) rpc.Response {
	t.Helper()
	req, err := rpc.NewRequest(action, body)
	require.NoError(t, err)
	resp, err := b.client.CallSync(context.Background(), req)
	require.NoError(t, err)
	return resp
}

// stream opens a streaming call and collects every response it receives.
type stream struct {
	mu        sync.Mutex
	responses []rpc.Response
}

func (s *stream) add(r rpc.Response) {
	s.mu.Lock()
	s.responses = append(s.responses, r)
	s.mu.Unlock()
}

func (s *stream) snapshot() []rpc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rpc.Response(nil), s.responses...)
}

func (b *backend) open(t *testing.T, action string, body any) (*stream, rpc.Request) {
	t.Helper()
	req, err := rpc.NewRequest(action, body)
	require.NoError(t, err)
	req.Last = false

	s := &stream{}
	require.NoError(t, b.client.Call(context.Background(), req, s.add))
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return s, req
}

func TestCommandSubscribe_EndToEnd(t *testing.T) {
	b := newBackend(t)

	s, req := b.open(t, ActionCommandSubscribe, SubscribeRequest{SubscriptionID: 7, DeviceID: "d1"})
	first := s.snapshot()[0]
	assert.False(t, first.Failed())
	assert.False(t, first.Last)

	sub := subscription.New(subscription.CommandEvent, "d1")
	assert.Equal(t, []subscription.Subscription{sub}, b.bus.Registry().AllSubscriptions())
	subscribers := b.bus.Registry().Subscribers(sub)
	require.Len(t, subscribers, 1)
	assert.Equal(t, int64(7), subscribers[0].ID)

	resp := b.call(t, ActionCommandInsert, CommandRequest{Command: &eventbus.Command{DeviceID: "d1", Command: "reboot"}})
	require.False(t, resp.Failed(), resp.Err())

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	event := s.snapshot()[1]
	assert.Equal(t, req.CorrelationID, event.CorrelationID)
	assert.False(t, event.Last)

	decoded, err := eventbus.Decode(event.Body)
	require.NoError(t, err)
	assert.Equal(t, "reboot", decoded.(eventbus.CommandEvent).Command.Command)

	b.call(t, ActionCommandInsert, CommandRequest{Command: &eventbus.Command{DeviceID: "d2", Command: "reboot"}})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.snapshot(), 2, "other devices are not delivered")
}

func TestCommandSubscribe_ReplaysHistory(t *testing.T) {
	b := newBackend(t)
	since := time.Now().Add(-time.Hour).UTC()
	for _, name := range []string{"on", "off", "on"} {
		b.call(t, ActionCommandInsert, CommandRequest{Command: &eventbus.Command{DeviceID: "d1", Command: name}})
	}

	s, _ := b.open(t, ActionCommandSubscribe, SubscribeRequest{
		SubscriptionID: 1, DeviceID: "d1", Names: []string{"on"}, Timestamp: &since,
	})

	var body SubscribeResponse
	require.NoError(t, s.snapshot()[0].Decode(&body))
	assert.Equal(t, int64(1), body.SubscriptionID)
	assert.Len(t, body.Commands, 2)
}

func TestUnsubscribe_ClosesStream(t *testing.T) {
	b := newBackend(t)
	s, _ := b.open(t, ActionNotificationSubscribe, SubscribeRequest{SubscriptionID: 3, DeviceID: "d1"})
	assert.Equal(t, 1, b.matcher.Pending())

	resp := b.call(t, ActionNotificationUnsubscribe, UnsubscribeRequest{SubscriptionID: 3})
	require.False(t, resp.Failed(), resp.Err())

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.snapshot()[1].Last)
	assert.Equal(t, 0, b.matcher.Pending())
	assert.Empty(t, b.bus.Registry().AllSubscriptions())

	resp = b.call(t, ActionNotificationUnsubscribe, UnsubscribeRequest{SubscriptionID: 3})
	assert.Equal(t, rpc.StatusNotFound, resp.Status)
}

func TestNotificationFlow(t *testing.T) {
	b := newBackend(t)
	s, _ := b.open(t, ActionNotificationSubscribe, SubscribeRequest{
		SubscriptionID: 5, DeviceID: "d1", Names: []string{"temperature"},
	})

	b.call(t, ActionNotificationInsert, NotificationRequest{Notification: &eventbus.Notification{DeviceID: "d1", Notification: "humidity"}})
	b.call(t, ActionNotificationInsert, NotificationRequest{Notification: &eventbus.Notification{DeviceID: "d1", Notification: "temperature"}})

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	resp := b.call(t, ActionNotificationSearch, SearchRequest{DeviceID: "d1"})
	var found NotificationsResponse
	require.NoError(t, resp.Decode(&found))
	assert.Len(t, found.Notifications, 2)
}

func TestCommandUpdate_NotifiesFollowers(t *testing.T) {
	b := newBackend(t)
	resp := b.call(t, ActionCommandInsert, CommandRequest{Command: &eventbus.Command{DeviceID: "d1", Command: "reboot"}})
	var inserted CommandRequest
	require.NoError(t, resp.Decode(&inserted))

	s, _ := b.open(t, ActionCommandUpdateSubscribe, CommandUpdateSubscribeRequest{SubscriptionID: 9, CommandID: inserted.Command.ID})

	resp = b.call(t, ActionCommandUpdate, CommandRequest{Command: &eventbus.Command{ID: inserted.Command.ID, Status: "done"}})
	require.False(t, resp.Failed(), resp.Err())

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	decoded, err := eventbus.Decode(s.snapshot()[1].Body)
	require.NoError(t, err)
	assert.Equal(t, "done", decoded.(eventbus.CommandUpdateEvent).Command.Status)

	resp = b.call(t, ActionCommandSearch, SearchRequest{DeviceID: "d1"})
	var found CommandsResponse
	require.NoError(t, resp.Decode(&found))
	require.Len(t, found.Commands, 1)
	assert.Equal(t, "done", found.Commands[0].Status)

	resp = b.call(t, ActionCommandUpdate, CommandRequest{Command: &eventbus.Command{ID: 12345, Status: "done"}})
	assert.Equal(t, rpc.StatusNotFound, resp.Status)
}

func TestPluginSubscribe_ReceivesScopedEvents(t *testing.T) {
	b := newBackend(t)
	s, _ := b.open(t, ActionPluginSubscribe, PluginSubscribeRequest{
		SubscriptionID:      50,
		Filter:              filter.Filter{NetworkIDs: []int64{5}},
		ReturnNotifications: true,
	})
	assert.Len(t, b.filters.Filters(50), 1)

	b.call(t, ActionNotificationInsert, NotificationRequest{Notification: &eventbus.Notification{DeviceID: "a", NetworkID: 5, Notification: "t"}})
	b.call(t, ActionNotificationInsert, NotificationRequest{Notification: &eventbus.Notification{DeviceID: "b", NetworkID: 6, Notification: "t"}})
	b.call(t, ActionCommandInsert, CommandRequest{Command: &eventbus.Command{DeviceID: "a", NetworkID: 5, Command: "c"}})

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.snapshot(), 2)

	resp := b.call(t, ActionPluginUnsubscribe, UnsubscribeRequest{SubscriptionID: 50})
	require.False(t, resp.Failed())
	assert.Nil(t, b.filters.Filters(50))
}

func TestDeviceDelete_RemovesBothPaths(t *testing.T) {
	b := newBackend(t)
	b.open(t, ActionCommandSubscribe, SubscribeRequest{SubscriptionID: 1, DeviceID: "d1"})
	b.open(t, ActionPluginSubscribe, PluginSubscribeRequest{
		SubscriptionID: 2, Filter: filter.Filter{DeviceIDs: []string{"d1", "d2"}}, ReturnCommands: true,
	})

	resp := b.call(t, ActionDeviceDelete, DeviceRequest{DeviceID: "d1"})
	require.False(t, resp.Failed(), resp.Err())

	assert.Empty(t, b.bus.Registry().AllSubscriptions())
	require.Len(t, b.filters.Filters(2), 1)
	assert.Equal(t, []string{"d2"}, b.filters.Filters(2)[0].DeviceIDs)
}

func TestHandlers_Validation(t *testing.T) {
	b := newBackend(t)
	tests := []struct {
		action string
		body   any
		field  string
	}{
		{ActionCommandSubscribe, SubscribeRequest{DeviceID: "d1"}, "subscriptionId"},
		{ActionCommandSubscribe, SubscribeRequest{SubscriptionID: 1}, "deviceId"},
		{ActionNotificationUnsubscribe, UnsubscribeRequest{}, "subscriptionId"},
		{ActionCommandInsert, CommandRequest{}, "command"},
		{ActionCommandInsert, CommandRequest{Command: &eventbus.Command{Command: "x"}}, "command.deviceId"},
		{ActionNotificationInsert, NotificationRequest{Notification: &eventbus.Notification{DeviceID: "d"}}, "notification.notification"},
		{ActionCommandUpdateSubscribe, CommandUpdateSubscribeRequest{SubscriptionID: 1}, "commandId"},
		{ActionPluginSubscribe, PluginSubscribeRequest{SubscriptionID: 1}, "returnCommands"},
		{ActionDeviceDelete, DeviceRequest{}, "deviceId"},
	}

	for _, tt := range tests {
		t.Run(tt.action+"/"+tt.field, func(t *testing.T) {
			resp := b.call(t, tt.action, tt.body)
			assert.Equal(t, rpc.StatusBadRequest, resp.Status)
			assert.True(t, resp.Last)
			assert.Contains(t, resp.Err().Error(), tt.field)
		})
	}

	resp := b.call(t, ActionPluginSubscribe, PluginSubscribeRequest{
		SubscriptionID: 1, Filter: filter.Filter{DeviceIDs: []string{}}, ReturnCommands: true,
	})
	assert.Equal(t, rpc.StatusBadRequest, resp.Status)
	assert.Nil(t, b.filters.Filters(1))

	s, _ := b.open(t, ActionPluginSubscribe, PluginSubscribeRequest{
		SubscriptionID: 2, Filter: filter.Filter{NetworkIDs: []int64{5}}, ReturnNotifications: true,
	})
	require.False(t, s.snapshot()[0].Failed())
	resp = b.call(t, ActionPluginSubscribe, PluginSubscribeRequest{
		SubscriptionID: 2, Filter: filter.Filter{Names: []string{}}, ReturnCommands: true,
	})
	assert.Equal(t, rpc.StatusBadRequest, resp.Status)
	assert.Contains(t, resp.Err().Error(), "names")
	assert.Equal(t, []filter.Filter{{NetworkIDs: []int64{5}, EventName: filter.EventNotification}}, b.filters.Filters(2),
		"a rejected plugin_subscribe keeps the filters of earlier calls")
}

func TestHandlers_WithoutBody(t *testing.T) {
	h := New(eventbus.New(nil), NewMemoryStore(0))
	_, err := h.Table()[ActionCommandInsert].Handle(context.Background(), rpc.Request{Action: ActionCommandInsert})
	assert.ErrorIs(t, err, errors.ErrNoBody)

	_, err = h.Table()[ActionPluginUnsubscribe].Handle(context.Background(),
		rpc.Request{Action: ActionPluginUnsubscribe, Body: json.RawMessage(`{"subscriptionId":1}`)})
	assert.True(t, errors.IsFatal(err), "plugin actions need a filter registry")
}
