package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resource struct {
	ready    chan struct{}
	readyErr error
	closeErr error
	closes   atomic.Int32
}

func newResource() *resource {
	r := &resource{ready: make(chan struct{})}
	close(r.ready)
	return r
}

func (r *resource) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *resource) Close() error {
	r.closes.Add(1)
	return r.closeErr
}

type client struct {
	mu  sync.Mutex
	fns map[int]func()
	seq int
}

func (c *client) OnClose(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = make(map[int]func())
	}
	c.seq++
	id := c.seq
	c.fns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, id)
	}
}

func (c *client) disconnect() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *client) listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

func TestSession_ConcurrentCloseTearsDownOnce(t *testing.T) {
	s := New(nil)
	a, b := newResource(), newResource()
	require.NoError(t, s.Add(context.Background(), a))
	require.NoError(t, s.Add(context.Background(), b))

	var teardowns atomic.Int32
	s.Teardown(func() error {
		teardowns.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Equal(t, int32(1), teardowns.Load())
	assert.True(t, s.Closed())
}

func TestSession_ClientDisconnectAndCloseAreExclusive(t *testing.T) {
	c := &client{}
	s := New(c)
	r := newResource()
	require.NoError(t, s.Add(context.Background(), r))
	require.Equal(t, 1, c.listeners())

	c.disconnect()
	<-s.Done()
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), r.closes.Load())

	// Explicit close unregisters from the client.
	c2 := &client{}
	s2 := New(c2)
	require.NoError(t, s2.Close())
	assert.Equal(t, 0, c2.listeners())
}

func TestSession_AddRacingCloseClosesResource(t *testing.T) {
	s := New(nil)
	r := &resource{ready: make(chan struct{})}

	errc := make(chan error, 1)
	go func() { errc <- s.Add(context.Background(), r) }()

	require.NoError(t, s.Close())
	close(r.ready)

	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.Equal(t, int32(1), r.closes.Load())
}

func TestSession_AddAfterClose(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	r := newResource()
	assert.ErrorIs(t, s.Add(context.Background(), r), ErrClosed)
	assert.Equal(t, int32(1), r.closes.Load())
}

func TestSession_AddReadyFailure(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")
	r := newResource()
	r.readyErr = boom

	assert.ErrorIs(t, s.Add(context.Background(), r), boom)
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), r.closes.Load(), "not tracked, closed once")
}

func TestSession_CloseReturnsFirstErrorButClosesAll(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")
	a, b := newResource(), newResource()
	a.closeErr = boom
	require.NoError(t, s.Add(context.Background(), a))
	require.NoError(t, s.Add(context.Background(), b))

	assert.ErrorIs(t, s.Close(), boom)
	assert.ErrorIs(t, s.Close(), boom, "later calls see the same outcome")
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
}

func TestSession_Delete(t *testing.T) {
	s := New(nil)
	r := newResource()
	require.NoError(t, s.Add(context.Background(), r))
	require.NoError(t, s.Delete(r))
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), r.closes.Load())
}

func TestSession_TeardownAfterCloseRunsImmediately(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	ran := false
	s.Teardown(func() error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}

type blockingResource struct {
	resource
	release chan struct{}
}

func (r *blockingResource) Close() error {
	r.closes.Add(1)
	<-r.release
	return nil
}

func TestSession_DeleteDuringTeardownClosesOnce(t *testing.T) {
	s := New(nil)
	r := &blockingResource{release: make(chan struct{})}
	r.ready = make(chan struct{})
	close(r.ready)
	require.NoError(t, s.Add(context.Background(), r))

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	require.Eventually(t, func() bool { return r.closes.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Delete(r))
	close(r.release)
	require.NoError(t, <-closed)
	assert.Equal(t, int32(1), r.closes.Load())
}
