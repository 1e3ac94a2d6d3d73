// Package stream carries the tagged progress events of one-shot operations.
//
// A stream always ends with exactly one "final" event carrying
// {success}. A failing producer yields an "error" event first. After final,
// Next reports io.EOF.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/pubsub"
)

// Event tags.
const (
	TagStaging  = "staging"
	TagByteDiff = "byte-diff"
	TagSummary  = "summary"
	TagWarming  = "warming"
	TagComplete = "complete"
	TagError    = "error"
	TagFinal    = "final"
)

// Event is one tagged record.
type Event struct {
	Tag  string `json:"tag"`
	Data any    `json:"data,omitempty"`
}

// Final is the data of the final event.
type Final struct {
	Success bool `json:"success"`
}

// Stream is a single-producer, single-consumer event stream.
type Stream struct {
	topic *pubsub.Topic[Event]
	sub   *pubsub.Subscription[Event]

	mu     sync.Mutex
	ended  bool
	cancel context.CancelFunc

	producing bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates an open stream.
func New() *Stream {
	t := pubsub.NewTopic[Event]()
	return &Stream{topic: t, sub: t.Subscribe(nil), done: make(chan struct{})}
}

// Done is closed once the producer is finished with the stream: when the
// function passed to Run returns, or on the final event for streams made
// with New.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Push appends an event. It returns false once the stream has ended.
// Pushing a final event ends the stream.
func (s *Stream) Push(tag string, data any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return false
	}
	s.topic.Publish(Event{Tag: tag, Data: data})
	if tag == TagFinal {
		s.ended = true
		s.topic.Close()
		if !s.producing {
			s.finish()
		}
	}
	return true
}

// End pushes the final event.
func (s *Stream) End(success bool) {
	s.Push(TagFinal, Final{Success: success})
}

// Fail pushes err as an error event followed by an unsuccessful final.
func (s *Stream) Fail(err error) {
	s.Push(TagError, errs.From(err))
	s.End(false)
}

// Ended reports whether the final event has been pushed.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Next returns the next event. After the final event it returns io.EOF.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	ev, err := s.sub.Next(ctx)
	if err == pubsub.ErrClosed {
		return Event{}, io.EOF
	}
	return ev, err
}

// Collect reads every event up to and including final.
func (s *Stream) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Close is called by the consumer when it stops reading. The producer's
// context is canceled and no further events are queued.
func (s *Stream) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sub.Close()
}

// Run starts fn on its own goroutine and returns the stream it feeds. When
// fn returns the stream is ended: successfully on nil, via Fail otherwise.
// A panic in fn is reported as an internal error.
func Run(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context, s *Stream) error) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := New()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.producing = true

	go func() {
		defer s.finish()
		defer cancel()
		err := guard(ctx, logger, s, fn)
		if s.Ended() {
			return
		}
		if err != nil {
			s.Fail(err)
			return
		}
		s.End(true)
	}()
	return s
}

func guard(ctx context.Context, logger *slog.Logger, s *Stream, fn func(context.Context, *Stream) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stream producer panicked", "panic", r, "stack", string(debug.Stack()))
			err = errs.Wrap(errs.ErrInternal, "operation panicked", fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx, s)
}
