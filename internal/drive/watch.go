package drive

import (
	"context"
	"sync"
)

// Watcher receives every Change of a core in mutation order.
//
// The queue is unbounded: a slow consumer never causes a change to be
// dropped, it only falls behind.
type Watcher struct {
	mu     sync.Mutex
	queue  []Change
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
	remove func()
}

func newWatcher() *Watcher {
	return &Watcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *Watcher) push(ch Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.queue = append(w.queue, ch)
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a change is available, the context ends, or the watcher
// is closed (ErrClosed). Changes queued before Close are not delivered.
func (w *Watcher) Next(ctx context.Context) (Change, error) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return Change{}, ErrClosed
		}
		if len(w.queue) > 0 {
			ch := w.queue[0]
			w.queue[0] = Change{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ch, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-w.done:
		case <-w.signal:
		}
	}
}

// Len returns the number of undelivered changes.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Done is closed when the watcher is closed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Close destroys the watcher. Pending and future Next calls return
// ErrClosed. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.queue = nil
	remove := w.remove
	close(w.done)
	w.mu.Unlock()

	if remove != nil {
		remove()
	}
	return nil
}
