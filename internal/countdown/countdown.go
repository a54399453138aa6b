// Package countdown implements a self-resetting timer used by the
// Dispatch Controller's heartbeat sweeper and claim-timeout reaper. Both
// need the same shape: "run this check again in N seconds, and again
// after that, forever, until stopped" — which is exactly what geth's
// p2p/dial countdown timer provides for connection retries.
package countdown

import (
	"sync"
	"time"
)

// OnTimeoutFunc is invoked when the countdown elapses. Its error return is
// discarded and never prevents the countdown from rearming.
type OnTimeoutFunc func(at time.Time, arg interface{}) error

// CountDown is a timer that calls OnTimeoutFn every period until StopTimer
// is called. It is safe for concurrent Reset/Stop calls from any goroutine.
type CountDown struct {
	mu     sync.Mutex
	timer  *time.Timer
	period time.Duration

	// OnTimeoutFn runs on the timer's own goroutine each time the period
	// elapses. Set it before the first Reset.
	OnTimeoutFn OnTimeoutFunc
}

// NewExpCountDown builds a countdown that fires every period. jitter and
// reserved are accepted for parity with callers that size the period
// dynamically; SwarmOS always uses a fixed period (HEARTBEAT_SWEEP_INTERVAL
// or CLAIM_TIMEOUT), so both are ignored.
func NewExpCountDown(period time.Duration, _ time.Duration, _ int) (*CountDown, error) {
	return &CountDown{period: period}, nil
}

func (c *CountDown) isInitilised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Reset (re)arms the timer, starting a fresh period from now. arg is
// passed through to OnTimeoutFn unchanged; it lets one countdown instance
// be reused across calls that need to remember what triggered it.
func (c *CountDown) Reset(arg interface{}, _ int, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.period, func() {
		fn := c.OnTimeoutFn
		if fn != nil {
			_ = fn(time.Now(), arg)
		}
		// Rearm regardless of the callback's error: a failed sweep pass
		// must not silently stop sweeping forever.
		c.Reset(arg, 0, 0)
	})
}

// StopTimer cancels the countdown. It is safe to call even if the
// countdown was never started.
func (c *CountDown) StopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
