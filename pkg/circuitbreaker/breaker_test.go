package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("connection refused")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("ollama", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackend })
	_ = cb.Execute(ctx, func() error { return errBackend })
	require.Equal(t, StateOpen, cb.State())

	clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRejectsDoneContext(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackend })
	_ = cb.Execute(ctx, func() error { return errBackend })
	clock = clock.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, func() error { return errBackend })
	assert.Equal(t, StateOpen, cb.State())

	clock = clock.Add(29 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "cooldown restarts when a probe fails")
}

func TestBreakerLimitsProbes(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackend })
	_ = cb.Execute(ctx, func() error { return errBackend })
	clock = clock.Add(31 * time.Second)

	var inner error
	err := cb.Execute(ctx, func() error {
		inner = cb.Execute(ctx, func() error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrTooManyRequests)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerWindowClearsFailures(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	var transitions []State
	cb := NewCircuitBreaker("openai", Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		OnStateChange:    func(name string, from, to State) { transitions = append(transitions, to) },
	})
	cb.now = func() time.Time { return clock }
	cb.reset(clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackend })
	clock = clock.Add(2 * time.Minute)
	_ = cb.Execute(ctx, func() error { return errBackend })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
	assert.Empty(t, transitions)
}
