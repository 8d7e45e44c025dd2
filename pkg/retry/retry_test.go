package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cause := errors.New("unreachable")
	err := Do(context.Background(), Handshake(4), func(int) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")
	err := Do(context.Background(), Quick(), func(int) error {
		calls++
		return NonRetryable(cause)
	})

	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func(int) error { return errors.New("fail") })

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative initial delay", Config{InitialDelay: -1}},
		{"negative max delay", Config{MaxDelay: -1}},
		{"negative multiplier", Config{Multiplier: -1}},
		{"max below initial", Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			err := Do(context.Background(), tt.cfg, func(int) error {
				called = true
				return nil
			})
			assert.Error(t, err)
			assert.False(t, called)
		})
	}
}

func TestNextDelay_CapsAtMax(t *testing.T) {
	cfg := Config{MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 200*time.Millisecond, nextDelay(100*time.Millisecond, cfg))
	assert.Equal(t, 300*time.Millisecond, nextDelay(200*time.Millisecond, cfg))
}
