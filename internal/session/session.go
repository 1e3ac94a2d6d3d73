// Package session scopes resources to one client operation and tears them
// down exactly once.
package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Add when the session closed before the resource
// became ready.
var ErrClosed = errors.New("session: closed")

// Resource is anything a session can own.
type Resource interface {
	Ready(ctx context.Context) error
	Close() error
}

// Client is the connection a session belongs to. OnClose registers fn to
// run when the client disconnects and returns a function that unregisters
// it.
type Client interface {
	OnClose(fn func()) (off func())
}

// Session tracks resources and teardown callbacks.
//
// Close and client disconnect both funnel into one teardown, which runs at
// most once however many times either path fires.
type Session struct {
	mu        sync.Mutex
	resources []Resource
	teardowns []func() error
	closing   bool
	off       func()

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a session. With a non-nil client, the session tears down when
// the client closes.
func New(client Client) *Session {
	s := &Session{done: make(chan struct{})}
	if client != nil {
		off := client.OnClose(func() { s.teardown() })
		s.mu.Lock()
		s.off = off
		s.mu.Unlock()
	}
	return s
}

// Add waits for r to be ready and then tracks it. If the session closes
// first, or readiness fails, r is closed and not tracked.
func (s *Session) Add(ctx context.Context, r Resource) error {
	if s.Closed() {
		r.Close()
		return ErrClosed
	}
	if err := r.Ready(ctx); err != nil {
		r.Close()
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		r.Close()
		return ErrClosed
	}
	s.resources = append(s.resources, r)
	s.mu.Unlock()
	return nil
}

// Delete stops tracking r and closes it. Once teardown has begun the
// session's resources belong to it, and Delete leaves r alone.
func (s *Session) Delete(r Resource) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	for i, x := range s.resources {
		if x == r {
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return r.Close()
}

// Teardown registers fn to run when the session closes. On an already
// closing session fn runs immediately.
func (s *Session) Teardown(fn func() error) {
	s.mu.Lock()
	if !s.closing {
		s.teardowns = append(s.teardowns, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Close tears the session down and returns the first error any resource
// close or teardown callback produced. Every close runs regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	off := s.off
	s.off = nil
	s.mu.Unlock()
	if off != nil {
		off()
	}
	return s.teardown()
}

// Closed reports whether teardown has begun.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) teardown() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		resources := s.resources
		teardowns := s.teardowns
		s.resources = nil
		s.teardowns = nil
		s.mu.Unlock()

		var g errgroup.Group
		for _, r := range resources {
			g.Go(r.Close)
		}
		for _, fn := range teardowns {
			g.Go(fn)
		}
		s.err = g.Wait()
		close(s.done)
	})
	<-s.done
	return s.err
}
