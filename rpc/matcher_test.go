package rpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
)

func TestMatcher_TerminalResponseReleasesCall(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := NewMatcher(WithMatcherMetrics(registry))

	var got []Response
	require.NoError(t, m.Add(context.Background(), "c1", func(r Response) { got = append(got, r) }))
	assert.Equal(t, 1, m.Pending())

	assert.True(t, m.Offer(Response{CorrelationID: "c1", Last: true}))
	assert.Equal(t, 0, m.Pending())

	assert.False(t, m.Offer(Response{CorrelationID: "c1", Last: true}), "second terminal response is ignored")
	assert.Len(t, got, 1)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, promtest.ToFloat64(core.UnknownCorrelations))
	assert.Equal(t, 0.0, promtest.ToFloat64(core.PendingCalls))
}

func TestMatcher_StreamsUntilLast(t *testing.T) {
	m := NewMatcher()
	var got []Response
	require.NoError(t, m.Add(context.Background(), "c1", func(r Response) { got = append(got, r) }))

	for i := 0; i < 3; i++ {
		assert.True(t, m.Offer(Response{CorrelationID: "c1"}))
	}
	assert.Equal(t, 1, m.Pending())

	assert.True(t, m.Offer(Response{CorrelationID: "c1", Last: true}))
	assert.Len(t, got, 4)
	assert.False(t, m.Offer(Response{CorrelationID: "c1"}))
}

func TestMatcher_ContextCancelRemovesCall(t *testing.T) {
	m := NewMatcher()
	ctx, cancel := context.WithCancel(context.Background())

	called := false
	require.NoError(t, m.Add(ctx, "c1", func(Response) { called = true }))
	cancel()

	require.Eventually(t, func() bool { return m.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Offer(Response{CorrelationID: "c1", Last: true}))
	assert.False(t, called)
}

func TestMatcher_AddRejects(t *testing.T) {
	m := NewMatcher()
	noop := func(Response) {}

	assert.True(t, errors.IsInvalid(m.Add(context.Background(), "", noop)))
	assert.True(t, errors.IsInvalid(m.Add(context.Background(), "c1", nil)))

	require.NoError(t, m.Add(context.Background(), "c1", noop))
	err := m.Add(context.Background(), "c1", noop)
	assert.ErrorIs(t, err, errors.ErrDuplicateRegistered)
	assert.Equal(t, 1, m.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.Add(ctx, "c2", noop)
	assert.ErrorIs(t, err, errors.ErrCallCancelled)
	assert.Equal(t, 1, m.Pending())
}

func TestMatcher_Remove(t *testing.T) {
	m := NewMatcher()
	require.NoError(t, m.Add(context.Background(), "c1", func(Response) {}))

	assert.True(t, m.Remove("c1"))
	assert.False(t, m.Remove("c1"))
	assert.Equal(t, 0, m.Pending())
}

func TestMatcher_ConcurrentCalls(t *testing.T) {
	m := NewMatcher()
	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, m.Add(context.Background(), id, func(Response) {
			mu.Lock()
			delivered++
			mu.Unlock()
		}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Offer(Response{CorrelationID: id})
			m.Offer(Response{CorrelationID: id, Last: true})
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, delivered)
	assert.Equal(t, 0, m.Pending())
}
