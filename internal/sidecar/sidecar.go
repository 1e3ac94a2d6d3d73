// Package sidecar is the long-running orchestrator behind the local RPC
// socket. It starts apps, coalesces concurrent starts of the same run, fans
// out updates, runs the streamed operations and spins itself down when idle.
//
// Lifecycle:
//
//	New -> Connect* -> (idle for Spindown) -> Close -> (death clock or exit)
//
// Thread Safety: every exported method is safe for concurrent use. Client
// and run bookkeeping is guarded by one mutex; work that suspends (drive I/O,
// swarm joins, update waits) never runs under it.
package sidecar

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/linker"
	"github.com/roach88/pear/internal/metrics"
	"github.com/roach88/pear/internal/session"
	"github.com/roach88/pear/internal/store"
	"github.com/roach88/pear/internal/swarm"
	"github.com/roach88/pear/internal/timer"
	"github.com/roach88/pear/internal/updater"
)

// Defaults for zero Options durations.
const (
	DefaultSpindown      = 20 * time.Second
	DefaultDeathClock    = 20 * time.Second
	DefaultUnloadTimeout = 5 * time.Second
)

// ErrClosing is returned for work requested after decommission began.
var ErrClosing = errors.New("sidecar: closing")

// Client is a connected RPC client. *rpc.Conn satisfies it.
type Client interface {
	ID() string
	Notify(method string, params any) error
	OnClose(fn func()) (off func())
	Close() error
}

// Options configures a Sidecar. Store, Corestore and Updater are required.
type Options struct {
	Store     *store.Store
	Corestore *drive.Corestore
	Swarm     swarm.Swarm
	Updater   *updater.Updater
	Linker    *linker.Linker
	Metrics   *metrics.Metrics
	IDs       IDGenerator

	// Aliases maps well-known names to hex keys; aliased keys are trusted.
	Aliases    map[string]string
	AppStorage string
	// Runtime is the executable restarts respawn.
	Runtime string

	Spindown      time.Duration
	DeathClock    time.Duration
	Linger        time.Duration
	UnloadTimeout time.Duration

	// Spawn starts a detached process. Nil uses os/exec.
	Spawn func(app.Restart) error
	// Exit ends the process when the death clock fires. Nil uses os.Exit.
	Exit func(code int)
	// OnClose runs during decommission once clients are closed, typically
	// to stop the RPC server.
	OnClose func() error

	Logger *slog.Logger
}

// Sidecar orchestrates apps and operations for connected clients.
type Sidecar struct {
	opts    Options
	logger  *slog.Logger
	ids     IDGenerator
	metrics *metrics.Metrics
	linker  *linker.Linker

	spindown *timer.Countdown
	death    *timer.Countdown

	mu       sync.Mutex
	clients  map[string]*client
	running  map[string]*run
	sessions map[*session.Session]struct{}
	closing  bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	respawns  sync.WaitGroup

	updates *updatesLoop
}

// client is a connection and the app it is attached to, if any.
type client struct {
	Client
	app *app.App
}

// run is one start id's in-flight or completed start.
type run struct {
	app    *app.App
	sess   *session.Session
	done   chan struct{}
	result *StartResult
	err    error
}

// New creates a sidecar and arms the idle spindown.
func New(opts Options) (*Sidecar, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("sidecar: store is required")
	case opts.Corestore == nil:
		return nil, errors.New("sidecar: corestore is required")
	case opts.Updater == nil:
		return nil, errors.New("sidecar: updater is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Linker == nil {
		opts.Linker = linker.New(linker.Options{Logger: opts.Logger})
	}
	if opts.Spindown <= 0 {
		opts.Spindown = DefaultSpindown
	}
	if opts.DeathClock <= 0 {
		opts.DeathClock = DefaultDeathClock
	}
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = DefaultUnloadTimeout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Spawn == nil {
		opts.Spawn = spawn
	}

	s := &Sidecar{
		opts:     opts,
		logger:   opts.Logger,
		ids:      opts.IDs,
		metrics:  opts.Metrics,
		linker:   opts.Linker,
		clients:  make(map[string]*client),
		running:  make(map[string]*run),
		sessions: make(map[*session.Session]struct{}),
		closed:   make(chan struct{}),
	}
	s.spindown = timer.NewCountdown(opts.Spindown, s.idle)
	s.death = timer.NewCountdown(opts.DeathClock, s.deathClock)
	s.updates = s.watchPlatform()
	s.spindown.Reset()
	return s, nil
}

// Connect registers a client. The spindown is canceled while any client is
// connected. Connecting during decommission closes the client.
func (s *Sidecar) Connect(c Client) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	if _, ok := s.clients[c.ID()]; ok {
		s.mu.Unlock()
		return
	}
	s.clients[c.ID()] = &client{Client: c}
	n := len(s.clients)
	s.mu.Unlock()

	s.spindown.Cancel()
	s.metrics.Clients.Set(float64(n))
	s.logger.Debug("client connected", "client", c.ID(), "clients", n)
	c.OnClose(func() { s.disconnect(c.ID()) })
}

func (s *Sidecar) disconnect(id string) {
	s.mu.Lock()
	cl, ok := s.clients[id]
	delete(s.clients, id)
	n := len(s.clients)
	closing := s.closing
	s.mu.Unlock()
	if !ok {
		return
	}

	if cl.app != nil {
		cl.app.Detach(id)
	}
	s.metrics.Clients.Set(float64(n))
	s.logger.Debug("client disconnected", "client", id, "clients", n)
	if n == 0 && !closing {
		s.spindown.Reset()
	}
}

// Clients returns the number of connected clients.
func (s *Sidecar) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// attach binds c to a, registering c first if needed.
func (s *Sidecar) attach(c Client, a *app.App) {
	s.Connect(c)
	s.mu.Lock()
	if cl, ok := s.clients[c.ID()]; ok {
		cl.app = a
	}
	s.mu.Unlock()
	a.Attach(c)
}

// appOf returns the app c is attached to.
func (s *Sidecar) appOf(c Client) *app.App {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cl, ok := s.clients[c.ID()]; ok {
		return cl.app
	}
	return nil
}

// apps returns every distinct running app.
func (s *Sidecar) apps() []*app.App {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*app.App]bool)
	var out []*app.App
	for _, r := range s.running {
		if r.app != nil && !seen[r.app] {
			seen[r.app] = true
			out = append(out, r.app)
		}
	}
	for _, cl := range s.clients {
		if cl.app != nil && !seen[cl.app] {
			seen[cl.app] = true
			out = append(out, cl.app)
		}
	}
	return out
}

// newSession creates a session for c and tracks it until it closes.
func (s *Sidecar) newSession(c Client) (*session.Session, error) {
	sess := session.New(c)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = sess.Close()
		return nil, ErrClosing
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.Teardown(func() error {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		return nil
	})
	return sess, nil
}

// idle runs when the spindown elapses. It decommissions only if no client
// connected in the meantime.
func (s *Sidecar) idle() {
	s.mu.Lock()
	empty := len(s.clients) == 0
	closing := s.closing
	s.mu.Unlock()
	if !empty || closing {
		return
	}
	s.logger.Info("no clients, spinning down", "spindown", s.opts.Spindown)
	if err := s.Close(context.Background()); err != nil {
		s.logger.Warn("decommission failed", "error", err)
	}
}

func (s *Sidecar) deathClock() {
	s.logger.Error("shutdown hung, forcing exit", "death_clock", s.opts.DeathClock)
	s.opts.Exit(1)
}

// Closing reports whether decommission has begun.
func (s *Sidecar) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Done is closed once Close completes.
func (s *Sidecar) Done() <-chan struct{} {
	return s.closed
}

// Wait blocks until the apps of a platform restart have been respawned. The
// process must not exit before Wait returns.
func (s *Sidecar) Wait() {
	s.respawns.Wait()
}

// Close decommissions the sidecar: it stops accepting work, closes every
// client and session, runs OnClose and applies a staged platform update.
// The death clock force-exits if this takes longer than DeathClock. Later
// calls wait for the first and return its result.
func (s *Sidecar) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.decommission(ctx)
		close(s.closed)
	})
	<-s.closed
	return s.closeErr
}

func (s *Sidecar) decommission(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]Client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl.Client)
	}
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.spindown.Stop()
	s.death.Reset()
	defer s.death.Stop()
	s.logger.Info("decommissioning", "clients", len(clients), "sessions", len(sessions))

	var errList []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			s.logger.Debug("close client", "client", c.ID(), "error", err)
		}
	}
	for _, sess := range sessions {
		errList = append(errList, sess.Close())
	}
	s.updates.stop()
	if s.opts.OnClose != nil {
		errList = append(errList, s.opts.OnClose())
	}

	v, applied, err := s.opts.Updater.Apply(ctx)
	switch {
	case err != nil:
		errList = append(errList, err)
	case applied:
		s.logger.Info("applied platform update", "version", v.String())
	}
	return errors.Join(errList...)
}
