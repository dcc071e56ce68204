package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	d := 100 * time.Millisecond
	b := NewBackoff(d, 350*time.Millisecond)

	require.Equal(t, d, b.Failure())
	require.Equal(t, 2*d, b.Failure())
	require.Equal(t, 350*time.Millisecond, b.Failure())
	require.Equal(t, 350*time.Millisecond, b.Failure())
	require.Equal(t, 4, b.Failures())

	b.Success()
	require.Zero(t, b.Current())
	require.Equal(t, d, b.Failure())
}

func TestBackoffDoublesThreeTimes(t *testing.T) {
	d := time.Second
	b := NewBackoff(d, time.Minute)

	require.Equal(t, []time.Duration{d, 2 * d, 4 * d}, []time.Duration{b.Failure(), b.Failure(), b.Failure()})
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, time.Second, RetryDelay(time.Second, time.Minute, 0))
	require.Equal(t, time.Second, RetryDelay(time.Second, time.Minute, 1))
	require.Equal(t, 4*time.Second, RetryDelay(time.Second, time.Minute, 3))
	require.Equal(t, time.Minute, RetryDelay(time.Second, time.Minute, 20))
}
