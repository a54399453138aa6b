package countdown

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountdownWillCallback(t *testing.T) {
	var fakeArg interface{}
	called := make(chan int)
	onTimeout := func(time.Time, interface{}) error {
		called <- 1
		return nil
	}

	c, err := NewExpCountDown(50*time.Millisecond, 0, 0)
	assert.NoError(t, err)
	c.OnTimeoutFn = onTimeout
	c.Reset(fakeArg, 0, 0)
	<-called
	c.StopTimer()
}

func TestCountdownShouldReset(t *testing.T) {
	var fakeArg interface{}
	called := make(chan int)
	onTimeout := func(time.Time, interface{}) error {
		called <- 1
		return nil
	}

	c, err := NewExpCountDown(200*time.Millisecond, 0, 0)
	assert.NoError(t, err)
	c.OnTimeoutFn = onTimeout

	assert.False(t, c.isInitilised())
	c.Reset(fakeArg, 0, 0)
	assert.True(t, c.isInitilised())

	resetTimer := time.NewTimer(80 * time.Millisecond)
	select {
	case <-called:
		t.Fatal("callback fired before the extended deadline")
	case <-resetTimer.C:
		c.Reset(fakeArg, 0, 0)
	}

	<-called
	assert.True(t, c.isInitilised())
	c.StopTimer()
}

func TestCountdownShouldResetEvenIfErrored(t *testing.T) {
	var fakeArg interface{}
	called := make(chan int)
	onTimeout := func(time.Time, interface{}) error {
		called <- 1
		return errors.New("sweep pass failed")
	}

	c, err := NewExpCountDown(50*time.Millisecond, 0, 0)
	assert.NoError(t, err)
	c.OnTimeoutFn = onTimeout
	c.Reset(fakeArg, 0, 0)

	<-called
	// Despite the callback error, the countdown rearms.
	<-called
	c.StopTimer()
}

func TestCountdownShouldBeAbleToStop(t *testing.T) {
	var fakeArg interface{}
	called := make(chan int)
	onTimeout := func(time.Time, interface{}) error {
		called <- 1
		return nil
	}

	c, err := NewExpCountDown(200*time.Millisecond, 0, 0)
	assert.NoError(t, err)
	c.OnTimeoutFn = onTimeout

	assert.False(t, c.isInitilised())
	c.Reset(fakeArg, 0, 0)
	assert.True(t, c.isInitilised())

	c.StopTimer()
	assert.False(t, c.isInitilised())

	select {
	case <-called:
		t.Fatal("callback fired after Stop")
	case <-time.After(250 * time.Millisecond):
	}
}
