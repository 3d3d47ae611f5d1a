package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotYet = errors.New("not yet")

func instant(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Backoff: func(int) time.Duration { return 0 }}
}

func TestExponentialSchedule(t *testing.T) {
	p := Exponential(50*time.Millisecond, 5)
	assert.Equal(t, 5, p.MaxAttempts)
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, p.Backoff(attempt))
	}
	assert.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}, got)
}

func TestDoSucceedsOnLastAttempt(t *testing.T) {
	var notified []int
	calls := 0
	got, err := Do(context.Background(), instant(5), func(_ context.Context, attempt int) (string, error) {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 5 {
			return "", errNotYet
		}
		return "joined", nil
	}, func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, errNotYet)
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, "joined", got)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []int{1, 2, 3, 4}, notified)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	last := errors.New("attempt 3")
	_, err := Do(context.Background(), instant(3), func(_ context.Context, attempt int) (int, error) {
		calls++
		if attempt == 3 {
			return 0, last
		}
		return 0, errNotYet
	}, nil)

	require.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestDoWaitsBetweenAttempts(t *testing.T) {
	p := Exponential(5*time.Millisecond, 3)
	var waits []time.Duration
	start := time.Now()
	_, err := Do(context.Background(), p, func(context.Context, int) (struct{}, error) {
		return struct{}{}, errNotYet
	}, func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.ErrorIs(t, err, errNotYet)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, waits)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestDoSingleAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), instant(1), func(context.Context, int) (int, error) {
		calls++
		return 0, errNotYet
	}, func(int, error, time.Duration) { t.Fatal("no retry expected") })
	require.ErrorIs(t, err, errNotYet)
	assert.Equal(t, 1, calls)
}
