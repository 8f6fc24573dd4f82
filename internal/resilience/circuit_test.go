package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuit_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	boom := eris.New("source down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Next call is rejected without invoking fn.
	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuit_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	boom := eris.New("flaky")

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_HalfOpenProbeRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}).
		WithNow(func() time.Time { return now })

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return eris.New("down") })
	assert.Equal(t, CircuitOpen, cb.State())

	// Advance past reset timeout: probe allowed, success closes the circuit.
	now = now.Add(11 * time.Second)
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}).
		WithNow(func() time.Time { return now })

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return eris.New("down") })
	now = now.Add(11 * time.Second)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return eris.New("still down") })

	// Clock has not advanced past the new failure, so the circuit is open.
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteVal_PassesValueThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitConfig())
	val, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) ([]string, error) {
		return []string{"ebay"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ebay"}, val)
}

func TestCircuit_ShouldTripFilter(t *testing.T) {
	benign := eris.New("no results")
	cb := NewCircuitBreaker(CircuitConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})

	// Non-transient errors pass through without tripping.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return benign })
	assert.Equal(t, CircuitClosed, cb.State())
}
