package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_Schedule(t *testing.T) {
	base, maxDelay := time.Second, 5*time.Minute

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, Backoff(i+1, base, maxDelay), "retry %d", i+1)
	}
}

func TestBackoff_IncreasesUntilCap(t *testing.T) {
	base, maxDelay := 10*time.Millisecond, time.Second

	prev := time.Duration(0)
	n := 1
	for ; ; n++ {
		delay := Backoff(n, base, maxDelay)
		if delay == maxDelay {
			break
		}
		require.Greater(t, delay, prev, "delay must strictly grow below the cap")
		require.Less(t, delay, maxDelay)
		prev = delay
	}
	require.Equal(t, 7, n, "10ms doubles past 1s on the 7th retry")
	require.Equal(t, maxDelay, Backoff(n+1, base, maxDelay))
}

func TestBackoff_LargeRetryDoesNotOverflow(t *testing.T) {
	require.Equal(t, 5*time.Minute, Backoff(1_000, time.Second, 5*time.Minute))
	require.Equal(t, time.Duration(1<<62), Backoff(200, time.Second, time.Duration(1<<62)))
}

func TestBackoff_PanicsOnInvalidInput(t *testing.T) {
	require.Panics(t, func() { Backoff(0, time.Second, time.Minute) })
	require.Panics(t, func() { Backoff(1, 0, time.Minute) })
	require.Panics(t, func() { Backoff(1, time.Minute, time.Second) })
}
