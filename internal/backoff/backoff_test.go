package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestPolicy_ExponentialWithCap(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2, Rand: fixed(0.5)}

	st := p.Start()
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		var d time.Duration
		var ok bool
		st, d, ok = p.Next(st)
		require.True(t, ok)
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, delays)
	assert.Equal(t, 5, st.Attempt)
	assert.Equal(t, 5*time.Second, st.Interval)
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}

	_, low, _ := Policy{Initial: p.Initial, Max: p.Max, Multiplier: 2, Jitter: 0.2, Rand: fixed(0)}.Next(p.Start())
	_, high, _ := Policy{Initial: p.Initial, Max: p.Max, Multiplier: 2, Jitter: 0.2, Rand: fixed(0.999999)}.Next(p.Start())

	assert.Equal(t, 8*time.Second, low)
	assert.InDelta(t, float64(12*time.Second), float64(high), float64(time.Millisecond))

	for i := 0; i < 100; i++ {
		_, d, _ := p.Next(p.Start())
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestPolicy_JitterNeverExceedsMax(t *testing.T) {
	p := Policy{Initial: 4 * time.Second, Max: 4 * time.Second, Multiplier: 2, Jitter: 1, Rand: fixed(0.99)}
	_, d, ok := p.Next(p.Start())
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d)
}

func TestPolicy_MaxAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, MaxAttempts: 2, Rand: fixed(0.5)}
	st := p.Start()

	st, _, ok := p.Next(st)
	require.True(t, ok)
	st, _, ok = p.Next(st)
	require.True(t, ok)
	_, _, ok = p.Next(st)
	assert.False(t, ok)
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}
	errFail := errors.New("down")
	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errFail
	})
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, 3, calls) // first call + 2 retries
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Initial: time.Hour, Max: time.Hour}
	calls := 0
	err := Retry(ctx, p, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
