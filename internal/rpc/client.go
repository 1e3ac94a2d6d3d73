package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/pear/internal/errs"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("rpc: closed")

// Client is the caller side of a connection.
type Client struct {
	ws *websocket.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan message
	streams map[uint64]*ClientStream
	notes   chan Notification
	closed  bool
	done    chan struct{}
}

// Dial connects to the sidecar listening on the unix socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	ws, _, err := dialer.DialContext(ctx, "ws://pear/", nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan message),
		streams: make(map[uint64]*ClientStream),
		notes:   make(chan Notification, 64),
		done:    make(chan struct{}),
	}
	go c.read()
	return c, nil
}

// Notifications delivers server notifications. Notifications arriving
// while the buffer is full are dropped.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and decodes the result into out (which may be nil).
// Server errors are returned as *errs.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id, ch, err := c.register(nil)
	if err != nil {
		return err
	}
	defer c.unregister(id)
	if err := c.send(id, method, params); err != nil {
		return err
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		return json.Unmarshal(msg.Result, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientStream is an open stream. Events arrive in order.
type ClientStream struct {
	c  *Client
	id uint64

	mu     sync.Mutex
	queue  []message
	signal chan struct{}
	ended  bool
}

// Stream opens a stream method.
func (c *Client) Stream(ctx context.Context, method string, params any) (*ClientStream, error) {
	s := &ClientStream{c: c, signal: make(chan struct{}, 1)}
	id, _, err := c.register(s)
	if err != nil {
		return nil, err
	}
	s.id = id
	if err := c.send(id, method, params); err != nil {
		c.unregister(id)
		return nil, err
	}
	return s, nil
}

func (s *ClientStream) push(msg message) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	if msg.End || msg.Error != nil {
		s.ended = true
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *ClientStream) end() {
	s.push(message{End: true})
}

// Next returns the next raw event. It returns io.EOF once the server ends
// the stream, or the server's error if it failed to open.
func (s *ClientStream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			switch {
			case msg.Error != nil:
				return nil, msg.Error
			case msg.End:
				return nil, io.EOF
			}
			return msg.Event, nil
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close asks the server to stop the stream.
func (s *ClientStream) Close() {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if !ended {
		_ = s.c.send(0, CancelMethod, cancelParams{ID: s.id})
	}
	s.c.unregister(s.id)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) register(s *ClientStream) (uint64, chan message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	if s != nil {
		c.streams[id] = s
		return id, nil, nil
	}
	ch := make(chan message, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	delete(c.streams, id)
}

func (c *Client) send(id uint64, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteJSON(message{ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (c *Client) read() {
	defer c.shutdown()
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ID == 0 {
			select {
			case c.notes <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[msg.ID]
		s := c.streams[msg.ID]
		c.mu.Unlock()
		switch {
		case ch != nil:
			ch <- msg
		case s != nil:
			s.push(msg)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]chan message)
	c.streams = make(map[uint64]*ClientStream)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, s := range streams {
		s.end()
	}
	close(c.done)
}

// AsError converts err into the wire error type when it is one.
func AsError(err error) (*errs.Error, bool) {
	var e *errs.Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
