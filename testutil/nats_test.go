package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNATSClient_QueueGroupRoundRobin(t *testing.T) {
	client := NewMockNATSClient()
	ctx := context.Background()

	var a, b, plain int
	require.NoError(t, client.QueueSubscribe(ctx, "request_topic", "g", func(context.Context, []byte) { a++ }))
	require.NoError(t, client.QueueSubscribe(ctx, "request_topic", "g", func(context.Context, []byte) { b++ }))
	require.NoError(t, client.Subscribe(ctx, "request_topic", func(context.Context, []byte) { plain++ }))

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Publish(ctx, "request_topic", []byte("x")))
	}

	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 4, plain)
	assert.Equal(t, 4, client.GetMessageCount("request_topic"))
}

func TestMockNATSClient_CancelDetaches(t *testing.T) {
	client := NewMockNATSClient()
	ctx, cancel := context.WithCancel(context.Background())

	var plain, queued, streamed atomic.Int32
	require.NoError(t, client.Subscribe(ctx, "events", func(context.Context, []byte) { plain.Add(1) }))
	require.NoError(t, client.QueueSubscribe(ctx, "events", "g", func(context.Context, []byte) { queued.Add(1) }))
	require.NoError(t, client.ConsumeStream(ctx, "S", "sync", func([]byte) { streamed.Add(1) }))

	require.NoError(t, client.Publish(context.Background(), "events", []byte("x")))
	require.NoError(t, client.PublishToStream(context.Background(), "sync", []byte("x")))

	cancel()
	assert.Eventually(t, func() bool {
		p, q, st := plain.Load(), queued.Load(), streamed.Load()
		_ = client.Publish(context.Background(), "events", []byte("y"))
		_ = client.PublishToStream(context.Background(), "sync", []byte("y"))
		return plain.Load() == p && queued.Load() == q && streamed.Load() == st
	}, time.Second, 10*time.Millisecond, "handlers still attached after cancel")

	p, q, st := plain.Load(), queued.Load(), streamed.Load()
	require.NoError(t, client.Publish(context.Background(), "events", []byte("z")))
	require.NoError(t, client.PublishToStream(context.Background(), "sync", []byte("z")))
	assert.Equal(t, p, plain.Load())
	assert.Equal(t, q, queued.Load())
	assert.Equal(t, st, streamed.Load())
}

func TestMockNATSClient_StreamBroadcast(t *testing.T) {
	client := NewMockNATSClient()
	ctx := context.Background()

	var got1, got2 []string
	require.NoError(t, client.ConsumeStream(ctx, "S", "sync", func(d []byte) { got1 = append(got1, string(d)) }))
	require.NoError(t, client.ConsumeStream(ctx, "S", "sync", func(d []byte) { got2 = append(got2, string(d)) }))

	require.NoError(t, client.PublishToStream(ctx, "sync", []byte("m1")))

	assert.Equal(t, []string{"m1"}, got1)
	assert.Equal(t, []string{"m1"}, got2)
}

func TestMockNATSClient_PublishErrors(t *testing.T) {
	client := NewMockNATSClient()
	ctx := context.Background()

	client.SetPublishError("reply.0", assert.AnError)
	assert.ErrorIs(t, client.Publish(ctx, "reply.0", nil), assert.AnError)
	assert.NoError(t, client.Publish(ctx, "reply.1", nil))

	client.SetPublishError("", assert.AnError)
	assert.ErrorIs(t, client.PublishToStream(ctx, "sync", nil), assert.AnError)

	client.SetPublishError("", nil)
	client.SetPublishError("reply.0", nil)
	assert.NoError(t, client.Publish(ctx, "reply.0", nil))
	AssertNoMessages(t, client, "sync")
}

func TestMockNATSClient_Closed(t *testing.T) {
	client := NewMockNATSClient()
	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	ctx := context.Background()
	assert.Error(t, client.Publish(ctx, "a", nil))
	assert.Error(t, client.Subscribe(ctx, "a", func(context.Context, []byte) {}))
}

func TestWaitForMessageCount(t *testing.T) {
	client := NewMockNATSClient()
	go func() {
		for i := 0; i < 3; i++ {
			_ = client.Publish(context.Background(), "s", []byte{byte(i)})
		}
	}()
	WaitForMessageCount(t, client, "s", 3, time.Second)
	assert.Equal(t, []byte{2}, WaitForMessage(t, client, "s", time.Second))
}
