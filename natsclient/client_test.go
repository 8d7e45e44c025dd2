package natsclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithMessageTimeout(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 100; i++ {
		client.recordFailure()
	}
	assert.Equal(t, time.Minute, client.Backoff())
}

func TestCircuitBreaker_HalfOpens(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())

	// No-op when the circuit is not open
	client.setStatus(StatusConnected)
	client.testCircuit()
	assert.Equal(t, StatusConnected, client.Status())
}

func TestConnect_CircuitOpenFailsFast(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}

	start := time.Now()
	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestConnect_UnreachableServer(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.Failures())
}

func TestOperations_RequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()
	noop := func(context.Context, []byte) {}

	assert.ErrorIs(t, client.Publish(ctx, "a", nil), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "a", noop), ErrNotConnected)
	assert.ErrorIs(t, client.QueueSubscribe(ctx, "a", "q", noop), ErrNotConnected)
	assert.ErrorIs(t, client.PublishToStream(ctx, "a", nil), ErrNotConnected)
	assert.ErrorIs(t, client.ConsumeStream(ctx, "S", "a", func([]byte) {}), ErrNotConnected)

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.Error(t, err)
}

func TestOperations_CircuitOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}

	err = client.PublishToStream(context.Background(), "a", nil)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}

func TestConsumeOptions(t *testing.T) {
	cfg := jetstream.ConsumerConfig{}
	WithDeliverNew()(&cfg)
	WithDurable("sync-node-1")(&cfg)

	assert.Equal(t, jetstream.DeliverNewPolicy, cfg.DeliverPolicy)
	assert.Equal(t, "sync-node-1", cfg.Durable)
}

func TestBuildConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithName("hiveroute-backend"),
	)
	require.NoError(t, err)
	assert.Len(t, client.buildConnectionOptions(), 11)

	client, err = NewClient("nats://localhost:4222", WithToken("secret"))
	require.NoError(t, err)
	assert.Len(t, client.buildConnectionOptions(), 10)

	client, err = NewClient("tls://localhost:4222", WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS13}))
	require.NoError(t, err)
	assert.Len(t, client.buildConnectionOptions(), 10)

	client, err = NewClient("nats://localhost:4222", WithTLSConfig(nil))
	require.NoError(t, err)
	assert.Len(t, client.buildConnectionOptions(), 9)
}

func TestMetrics_StatusAndCircuit(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)
	m := registry.CoreMetrics()

	client.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))

	client.handleReconnect(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSCircuitBreaker))
	assert.Equal(t, int32(1), client.GetStatus().Reconnects)
}

func TestCallbacks(t *testing.T) {
	var mu sync.Mutex
	var health []bool
	reconnected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)

	client, err := NewClient("nats://localhost:4222",
		WithSlog(slog.Default()),
		WithHealthChangeCallback(func(h bool) {
			mu.Lock()
			health = append(health, h)
			mu.Unlock()
		}),
		WithReconnectCallback(func() { reconnected <- struct{}{} }),
		WithDisconnectCallback(func(err error) { disconnected <- err }),
	)
	require.NoError(t, err)

	client.handleDisconnect(nil, assert.AnError)
	assert.Equal(t, StatusReconnecting, client.Status())
	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not called")
	}

	client.handleReconnect(nil)
	assert.Equal(t, StatusConnected, client.Status())
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback not called")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(health) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				switch g {
				case 0:
					client.setStatus(StatusConnecting)
				case 1:
					client.recordFailure()
				case 2:
					client.resetCircuit()
				default:
					_ = client.GetStatus()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusCircuitOpen,
	}, client.Status())
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, client.Status())
}
