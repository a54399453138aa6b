package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("multiple attempts", func(t *testing.T) {
		e := NewExponential(100*time.Millisecond, 10*time.Second, 0)
		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1600 * time.Millisecond,
			3200 * time.Millisecond,
			6400 * time.Millisecond,
			10 * time.Second, // capped at max
		}
		for i, want := range expected {
			require.Equal(t, want, e.NextDuration(), "attempt %d", i)
		}
	})

	t.Run("jitter added", func(t *testing.T) {
		e := NewExponential(1*time.Second, 10*time.Second, 1*time.Second)
		d := e.NextDuration()
		require.GreaterOrEqual(t, d, 1*time.Second)
		require.Less(t, d, 2*time.Second)
	})

	t.Run("edge case: min > max", func(t *testing.T) {
		e := NewExponential(10*time.Second, 5*time.Second, 0)
		require.Equal(t, 5*time.Second, e.NextDuration())
	})

	t.Run("reset restarts the sequence", func(t *testing.T) {
		e := NewExponential(100*time.Millisecond, 10*time.Second, 0)
		e.NextDuration()
		e.NextDuration()
		e.Reset()
		require.Equal(t, 100*time.Millisecond, e.NextDuration())
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds before exhausting attempts", func(t *testing.T) {
		calls := 0
		err := Retry(3, time.Millisecond, time.Millisecond, 0, func() error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	})

	t.Run("returns the last error after exhausting attempts", func(t *testing.T) {
		calls := 0
		want := errors.New("still failing")
		err := Retry(3, time.Millisecond, time.Millisecond, 0, func() error {
			calls++
			return want
		})
		require.ErrorIs(t, err, want)
		require.Equal(t, 3, calls)
	})
}
