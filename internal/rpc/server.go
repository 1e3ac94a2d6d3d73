package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/pear/internal/errs"
)

// Handler answers one request.
type Handler func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

// Then is a handler result whose After func runs once the response has been
// written. Handlers that close the calling connection use it so the caller
// still receives the answer.
type Then struct {
	Result any
	After  func()
}

// Source is what a stream handler returns. Next returns io.EOF after the
// last event.
type Source interface {
	Next(ctx context.Context) (any, error)
	Close()
}

// StreamHandler opens a stream.
type StreamHandler func(ctx context.Context, c *Conn, params json.RawMessage) (Source, error)

// ServerOptions configures a Server.
type ServerOptions struct {
	// OnConnect runs for every accepted connection before any request is
	// served.
	OnConnect func(c *Conn)
	// NewID names connections. Defaults to a sequence.
	NewID  func() string
	Logger *slog.Logger
}

// Server dispatches requests to registered handlers.
//
// Thread Safety: handlers are registered before Serve; each request runs on
// its own goroutine.
type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	handlers map[string]Handler
	streams  map[string]StreamHandler
	upgrader websocket.Upgrader
	seq      atomic.Uint64

	mu      sync.Mutex
	http    *http.Server
	conns   map[*Conn]struct{}
	closing bool
}

// NewServer creates a server with no handlers.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamHandler),
		conns:    make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Only local processes reach the unix socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Handle registers a request handler.
func (s *Server) Handle(method string, h Handler) {
	s.handlers[method] = h
}

// HandleStream registers a stream handler.
func (s *Server) HandleStream(method string, h StreamHandler) {
	s.streams[method] = h
}

// Methods lists every registered method.
func (s *Server) Methods() []string {
	out := make([]string, 0, len(s.handlers)+len(s.streams))
	for m := range s.handlers {
		out = append(out, m)
	}
	for m := range s.streams {
		out = append(out, m)
	}
	return out
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.http = srv
	s.mu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP upgrades the request and serves the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	id := fmt.Sprintf("conn-%d", s.seq.Add(1))
	if s.opts.NewID != nil {
		id = s.opts.NewID()
	}
	c := newConn(id, ws, s.logger)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(c)
	}
	s.read(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Conns returns the open connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting connections and closes every open one.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	srv := s.http
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) read(c *Conn) {
	defer c.Close()
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				s.logger.Debug("read failed", "conn", c.id, "error", err)
			}
			return
		}
		if msg.Method == CancelMethod {
			var p cancelParams
			if err := json.Unmarshal(msg.Params, &p); err == nil {
				c.cancelStream(p.ID)
			}
			continue
		}
		go s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *Conn, msg message) {
	if h, ok := s.handlers[msg.Method]; ok {
		result, err := s.call(c, msg, h)
		if t, ok := result.(Then); ok {
			c.respond(msg.ID, t.Result, err)
			if t.After != nil {
				t.After()
			}
			return
		}
		c.respond(msg.ID, result, err)
		return
	}
	if h, ok := s.streams[msg.Method]; ok {
		s.stream(c, msg, h)
		return
	}
	c.respond(msg.ID, nil, errs.InvalidInput(fmt.Sprintf("unknown method %q", msg.Method)).With("method", msg.Method))
}

func (s *Server) call(c *Conn, msg message, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", msg.Method, "panic", r, "stack", string(debug.Stack()))
			err = errs.Wrap(errs.ErrInternal, "handler panicked", fmt.Errorf("%v", r))
		}
	}()
	return h(c.ctx, c, msg.Params)
}

func (s *Server) stream(c *Conn, msg message, h StreamHandler) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	c.trackStream(msg.ID, cancel)
	defer c.untrackStream(msg.ID)

	var src Source
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("stream handler panicked", "method", msg.Method, "panic", r, "stack", string(debug.Stack()))
				err = errs.Wrap(errs.ErrInternal, "handler panicked", fmt.Errorf("%v", r))
			}
		}()
		src, err = h(ctx, c, msg.Params)
		return err
	}()
	if err != nil {
		c.respond(msg.ID, nil, err)
		return
	}
	defer src.Close()

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			break
		}
		if err != nil {
			c.respond(msg.ID, nil, err)
			return
		}
		if err := c.send(msg.ID, ev); err != nil {
			return
		}
	}
	c.write(message{ID: msg.ID, End: true})
}
