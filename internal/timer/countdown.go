// Package timer provides a cancellable countdown used for debounce and
// idle-shutdown decisions.
package timer

import (
	"sync"
	"time"
)

// Countdown runs fn once the duration elapses without an intervening Reset
// or Cancel. It can be re-armed any number of times until Stop.
//
// Thread-safety: all methods are safe for concurrent use. fn runs on its own
// goroutine and is never invoked while the countdown lock is held.
type Countdown struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	t       *time.Timer
	gen     uint64
	stopped bool
}

// NewCountdown creates an unarmed countdown.
func NewCountdown(d time.Duration, fn func()) *Countdown {
	return &Countdown{d: d, fn: fn}
}

// Reset (re)arms the countdown for its full duration.
// Returns false if the countdown has been stopped.
func (c *Countdown) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	if c.t != nil {
		c.t.Stop()
	}
	c.gen++
	gen := c.gen
	c.t = time.AfterFunc(c.d, func() { c.fire(gen) })
	return true
}

// Cancel disarms the countdown without stopping it for good.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarm()
}

// Stop disarms the countdown permanently.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.disarm()
}

// Pending reports whether the countdown is armed.
func (c *Countdown) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil
}

// Fire runs fn immediately if the countdown is armed, as if it had elapsed.
func (c *Countdown) Fire() {
	c.mu.Lock()
	gen := c.gen
	armed := c.t != nil
	c.mu.Unlock()

	if armed {
		c.fire(gen)
	}
}

func (c *Countdown) disarm() {
	if c.t != nil {
		c.t.Stop()
		c.t = nil
	}
	// Bumping the generation invalidates callbacks already in flight.
	c.gen++
}

func (c *Countdown) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || c.t == nil {
		c.mu.Unlock()
		return
	}
	c.t = nil
	c.mu.Unlock()

	c.fn()
}
