package testutil

import (
	"encoding/json"
	"sync"
	"time"
)

// Notification is one notification a FakeClient received. Params are kept
// as JSON so tests compare what would cross the wire.
type Notification struct {
	Method string
	Params json.RawMessage
}

// FakeClient records notifications and runs close listeners like an RPC
// connection. It satisfies sidecar.Client, session.Client and app.Client.
type FakeClient struct {
	id string

	mu        sync.Mutex
	notes     []Notification
	listeners map[int]func()
	next      int
	closed    bool
	notifyErr error
	signal    chan struct{}
}

// NewFakeClient creates an open client.
func NewFakeClient(id string) *FakeClient {
	return &FakeClient{id: id, listeners: make(map[int]func()), signal: make(chan struct{}, 1)}
}

func (c *FakeClient) ID() string { return c.id }

// Notify records the notification, or returns the error set by FailNotify.
func (c *FakeClient) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.notifyErr != nil {
		err := c.notifyErr
		c.mu.Unlock()
		return err
	}
	c.notes = append(c.notes, Notification{Method: method, Params: raw})
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// FailNotify makes every later Notify return err.
func (c *FakeClient) FailNotify(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyErr = err
}

// OnClose registers fn. On a closed client fn runs immediately.
func (c *FakeClient) OnClose(fn func()) (off func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	id := c.next
	c.next++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close runs the close listeners once, in registration order.
func (c *FakeClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := make([]func(), 0, len(c.listeners))
	for i := 0; i < c.next; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.listeners = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Closed reports whether Close ran.
func (c *FakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Notifications returns what was received so far.
func (c *FakeClient) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

// Methods returns the methods of the received notifications in order.
func (c *FakeClient) Methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.notes))
	for i, n := range c.notes {
		out[i] = n.Method
	}
	return out
}

// WaitFor waits until a notification with method arrives and returns the
// first one. It gives up after timeout.
func (c *FakeClient) WaitFor(method string, timeout time.Duration) (Notification, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, n := range c.Notifications() {
			if n.Method == method {
				return n, true
			}
		}
		select {
		case <-c.signal:
		case <-deadline.C:
			return Notification{}, false
		}
	}
}
