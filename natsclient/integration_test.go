//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "device.events", func(_ context.Context, data []byte) {
		received <- string(data)
	}))

	require.NoError(t, tc.Client.Publish(ctx, "device.events", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

// Each message on a queue group reaches exactly one member.
func TestIntegration_QueueSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	peer := tc.NewPeer(t)
	ctx := context.Background()

	counts := make(chan string, 100)
	require.NoError(t, tc.Client.QueueSubscribe(ctx, "request_topic", "request_group", func(context.Context, []byte) {
		counts <- "a"
	}))
	require.NoError(t, peer.QueueSubscribe(ctx, "request_topic", "request_group", func(context.Context, []byte) {
		counts <- "b"
	}))
	require.NoError(t, tc.Client.GetConnection().Flush())
	require.NoError(t, peer.GetConnection().Flush())

	for i := 0; i < 20; i++ {
		require.NoError(t, tc.Client.Publish(ctx, "request_topic", []byte("x")))
	}

	total := 0
	timeout := time.After(3 * time.Second)
	for total < 20 {
		select {
		case <-counts:
			total++
		case <-timeout:
			t.Fatalf("received %d of 20", total)
		}
	}

	select {
	case <-counts:
		t.Fatal("message delivered to more than one group member")
	case <-time.After(200 * time.Millisecond):
	}
}

// Every node consuming the sync stream sees each message, and DeliverNew
// skips history published before the consumer existed.
func TestIntegration_StreamBroadcast(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	peer := tc.NewPeer(t)
	ctx := context.Background()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "FILTER_SYNC",
		Subjects: []string{"filter.sync"},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStream(ctx, "filter.sync", []byte("old")))

	got1 := make(chan string, 4)
	got2 := make(chan string, 4)
	require.NoError(t, tc.Client.ConsumeStream(ctx, "FILTER_SYNC", "filter.sync",
		func(data []byte) { got1 <- string(data) }, WithDeliverNew()))
	require.NoError(t, peer.ConsumeStream(ctx, "FILTER_SYNC", "filter.sync",
		func(data []byte) { got2 <- string(data) }, WithDeliverNew()))

	require.NoError(t, peer.PublishToStream(ctx, "filter.sync", []byte("new")))

	for _, ch := range []chan string{got1, got2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "new", msg)
		case <-time.After(3 * time.Second):
			t.Fatal("stream message not received")
		}
	}
}

func TestIntegration_CloseStopsConsumers(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S", Subjects: []string{"s.>"}})
	require.NoError(t, err)
	require.NoError(t, tc.Client.ConsumeStream(ctx, "S", "s.x", func([]byte) {}))

	require.NoError(t, tc.Client.Close(ctx))
	assert.Equal(t, StatusDisconnected, tc.Client.Status())

	err = tc.Client.ConsumeStream(ctx, "S", "s.x", func([]byte) {})
	assert.Error(t, err)
}

func TestIntegration_CancelDetaches(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{Name: "DETACH", Subjects: []string{"detach.>"}})
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	plain := make(chan struct{}, 100)
	streamed := make(chan struct{}, 100)
	require.NoError(t, tc.Client.Subscribe(subCtx, "detach.plain", func(context.Context, []byte) { plain <- struct{}{} }))
	require.NoError(t, tc.Client.ConsumeStream(subCtx, "DETACH", "detach.stream",
		func([]byte) { streamed <- struct{}{} }, WithDeliverNew()))

	cancel()
	assert.Eventually(t, func() bool {
		tc.Client.mu.RLock()
		subs := len(tc.Client.subs)
		tc.Client.mu.RUnlock()
		tc.Client.consumersMu.Lock()
		consumers := len(tc.Client.consumers)
		tc.Client.consumersMu.Unlock()
		return subs == 0 && consumers == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, tc.Client.GetConnection().Flush())

	require.NoError(t, tc.Client.Publish(ctx, "detach.plain", []byte("x")))
	require.NoError(t, tc.Client.PublishToStream(ctx, "detach.stream", []byte("x")))

	select {
	case <-plain:
		t.Fatal("plain subscription still delivering after cancel")
	case <-streamed:
		t.Fatal("stream consumer still delivering after cancel")
	case <-time.After(300 * time.Millisecond):
	}
}
