package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountdown_FiresOnce(t *testing.T) {
	var fired atomic.Int32
	c := NewCountdown(10*time.Millisecond, func() { fired.Add(1) })

	assert.True(t, c.Reset())
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, c.Pending())
}

func TestCountdown_ResetPostpones(t *testing.T) {
	var fired atomic.Int32
	c := NewCountdown(50*time.Millisecond, func() { fired.Add(1) })

	c.Reset()
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		c.Reset()
	}
	assert.Equal(t, int32(0), fired.Load(), "resets must keep postponing")
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCountdown_Cancel(t *testing.T) {
	var fired atomic.Int32
	c := NewCountdown(10*time.Millisecond, func() { fired.Add(1) })

	c.Reset()
	c.Cancel()
	assert.False(t, c.Pending())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// A cancelled countdown can be re-armed.
	assert.True(t, c.Reset())
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCountdown_Stop(t *testing.T) {
	var fired atomic.Int32
	c := NewCountdown(time.Millisecond, func() { fired.Add(1) })

	c.Stop()
	assert.False(t, c.Reset())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCountdown_Fire(t *testing.T) {
	var fired atomic.Int32
	c := NewCountdown(time.Hour, func() { fired.Add(1) })

	c.Fire()
	assert.Equal(t, int32(0), fired.Load(), "unarmed countdown does not fire")

	c.Reset()
	c.Fire()
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, c.Pending())
}
