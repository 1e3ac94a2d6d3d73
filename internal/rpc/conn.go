package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/pear/internal/errs"
)

// Conn is one client connection as seen by the server.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu        sync.Mutex
	closed    bool
	listeners map[int]func()
	nextL     int
	streams   map[uint64]context.CancelFunc
	values    map[string]any
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		ws:        ws,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func()),
		streams:   make(map[uint64]context.CancelFunc),
		values:    make(map[string]any),
	}
}

// ID identifies the connection.
func (c *Conn) ID() string { return c.id }

// Context ends when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Set stores a per-connection value.
func (c *Conn) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// Get returns a per-connection value.
func (c *Conn) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// OnClose registers fn to run once when the connection closes. If it is
// already closed fn runs immediately.
func (c *Conn) OnClose(fn func()) (off func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(message{Method: method, Params: raw})
}

// Closed reports whether the connection has closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the socket and runs the close listeners.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := make([]func(), 0, len(c.listeners))
	for i := 0; i < c.nextL; i++ {
		if fn, ok := c.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.listeners = nil
	c.mu.Unlock()

	c.wmu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.ws.Close()
	c.wmu.Unlock()
	c.cancel()
	for _, fn := range listeners {
		fn()
	}
	return err
}

func (c *Conn) write(msg message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) respond(id uint64, result any, err error) {
	msg := message{ID: id}
	if err != nil {
		msg.Error = errs.From(err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			msg.Error = errs.Wrap(errs.ErrInternal, "encode result", merr)
		} else {
			msg.Result = raw
		}
	}
	if werr := c.write(msg); werr != nil {
		c.logger.Debug("respond failed", "conn", c.id, "error", werr)
	}
}

func (c *Conn) send(id uint64, ev any) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(message{ID: id, Event: raw})
}

func (c *Conn) trackStream(id uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[id] = cancel
}

func (c *Conn) untrackStream(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

func (c *Conn) cancelStream(id uint64) {
	c.mu.Lock()
	cancel := c.streams[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
