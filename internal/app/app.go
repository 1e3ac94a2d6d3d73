// Package app holds the per-run record of a started application.
//
// One App exists per start id. Several client connections (a GUI window and
// its terminal bootstrap, for example) can attach to the same App.
package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/linker"
	"github.com/roach88/pear/internal/pubsub"
	"github.com/roach88/pear/internal/state"
)

// Report types.
const (
	ReportUpdate = "update"
	ReportError  = "error"
	ReportFatal  = "fatal"
)

// Notification methods sent to attached clients.
const (
	NotifyReport    = "report"
	NotifyUnloading = "unloading"
	NotifyTeardown  = "teardown"
	NotifyMessage   = "message"
)

// Report is an advisory or fatal condition surfaced to the app.
type Report struct {
	Type    string         `json:"type"`
	Err     *errs.Error    `json:"err,omitempty"`
	Version *drive.Version `json:"version,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Warming is warmup progress for the app's entrypoints.
type Warming struct {
	Files   int  `json:"files"`
	Success bool `json:"success"`
}

// Client is an attached connection the app can notify.
type Client interface {
	ID() string
	Notify(method string, params any) error
}

// Restart is what a client needs to respawn an app.
type Restart struct {
	PID     int               `json:"pid"`
	CmdArgs []string          `json:"cmdArgs"`
	Cwd     string            `json:"cwd"`
	Dir     string            `json:"dir"`
	Runtime string            `json:"runtime"`
	Appling string            `json:"appling,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Run     bool              `json:"run"`
	Options state.Options     `json:"options"`
}

// Options configures an App.
type Options struct {
	ID      string
	StartID string
	PID     int
	CmdArgs []string
	Runtime string
	Appling string
	Logger  *slog.Logger
}

// App is safe for concurrent use.
type App struct {
	ID      string
	StartID string

	logger   *slog.Logger
	reports  *pubsub.Topic[Report]
	warming  *pubsub.Topic[Warming]
	messages *pubsub.Bus

	mu        sync.Mutex
	state     *state.State
	bundle    *bundle.Bundle
	linker    *linker.Linker
	reported  *Report
	warmed    *Warming
	minver    bool
	clients   map[string]Client
	restart   Restart
	unloading bool
	unloaded  map[string]bool
	unloadAck chan struct{}
	torndown  bool
}

// New creates an App with no state yet.
func New(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &App{
		ID:       opts.ID,
		StartID:  opts.StartID,
		logger:   opts.Logger.With("app", opts.ID),
		reports:  pubsub.NewTopic[Report](),
		warming:  pubsub.NewTopic[Warming](),
		messages: pubsub.NewBus(),
		clients:  make(map[string]Client),
		restart: Restart{
			PID:     opts.PID,
			CmdArgs: opts.CmdArgs,
			Runtime: opts.Runtime,
			Appling: opts.Appling,
		},
		unloadAck: make(chan struct{}, 1),
	}
}

// SetState attaches the derived run state.
func (a *App) SetState(s *state.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	a.restart.Cwd = s.Cwd
	a.restart.Dir = s.Dir
	a.restart.Env = s.Env
	a.restart.Run = true
}

// State returns the run state, nil before start resolved it.
func (a *App) State() *state.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetBundle attaches the app's bundle and linker.
func (a *App) SetBundle(b *bundle.Bundle, l *linker.Linker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bundle = b
	a.linker = l
}

// Bundle returns the app's bundle, nil until attached.
func (a *App) Bundle() *bundle.Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bundle
}

// Attach adds a client connection to the app.
func (a *App) Attach(c Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[c.ID()] = c
}

// Detach removes a client and reports how many remain.
func (a *App) Detach(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, id)
	return len(a.clients)
}

// Clients returns the attached clients ordered by id.
func (a *App) Clients() []Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientsLocked()
}

func (a *App) clientsLocked() []Client {
	out := make([]Client, 0, len(a.clients))
	for _, c := range a.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Notify sends a notification to every attached client. Delivery failures
// are logged; a client that went away is not an app error.
func (a *App) Notify(method string, params any) {
	for _, c := range a.Clients() {
		if err := c.Notify(method, params); err != nil {
			a.logger.Debug("notify failed", "client", c.ID(), "method", method, "error", err)
		}
	}
}

// Report publishes r. The last report is kept and handed to later
// subscribers by Reports.
func (a *App) Report(r Report) {
	a.mu.Lock()
	cp := r
	a.reported = &cp
	a.mu.Unlock()

	a.reports.Publish(r)
	a.Notify(NotifyReport, r)
}

// Reported returns the sticky report, nil if none was made. Start steps
// check it after each suspension point and stop once it is set.
func (a *App) Reported() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reported == nil {
		return nil
	}
	cp := *a.reported
	return &cp
}

// Reports subscribes to reports. The current sticky report, if any, is
// returned alongside so late subscribers do not miss it.
func (a *App) Reports() (*pubsub.Subscription[Report], *Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub := a.reports.Subscribe(nil)
	if a.reported == nil {
		return sub, nil
	}
	cp := *a.reported
	return sub, &cp
}

// Warm publishes warmup progress. The latest progress is kept for late
// subscribers.
func (a *App) Warm(w Warming) {
	a.mu.Lock()
	cp := w
	a.warmed = &cp
	a.mu.Unlock()
	a.warming.Publish(w)
}

// Warming subscribes to warmup progress, returning the latest progress
// alongside.
func (a *App) Warming() (*pubsub.Subscription[Warming], *Warming) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub := a.warming.Subscribe(nil)
	if a.warmed == nil {
		return sub, nil
	}
	cp := *a.warmed
	return sub, &cp
}

// Message publishes msg on the app's message bus.
func (a *App) Message(msg pubsub.Message) int {
	n := a.messages.Publish(msg)
	a.Notify(NotifyMessage, msg)
	return n
}

// Messages subscribes to messages matching pattern.
func (a *App) Messages(pattern pubsub.Message) *pubsub.Subscription[pubsub.Message] {
	return a.messages.Subscribe(pattern)
}

// SetMinvering marks the app as blocked on a minimum platform version.
func (a *App) SetMinvering(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minver = v
}

// Minvering reports whether the app is blocked on a minimum version.
func (a *App) Minvering() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minver
}

// RestartInfo returns what is needed to respawn the app.
func (a *App) RestartInfo() Restart {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.restart
	if a.state != nil {
		r.Options = a.state.Options
	}
	return r
}

// Unload asks attached clients to unload and waits until each calls
// Unloaded, the timeout passes or ctx ends. A second call waits on the same
// unload.
func (a *App) Unload(ctx context.Context, timeout time.Duration) bool {
	a.mu.Lock()
	if !a.unloading {
		a.unloading = true
		a.unloaded = make(map[string]bool)
	}
	clients := a.clientsLocked()
	a.mu.Unlock()

	for _, c := range clients {
		if err := c.Notify(NotifyUnloading, map[string]any{"id": a.ID}); err != nil {
			a.Unloaded(c.ID())
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if a.allUnloaded() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			a.logger.Warn("unload timed out", "timeout", timeout)
			return false
		case <-a.unloadAck:
		}
	}
}

// Unloaded records that client id finished unloading.
func (a *App) Unloaded(id string) {
	a.mu.Lock()
	if a.unloaded != nil {
		a.unloaded[id] = true
	}
	a.mu.Unlock()
	select {
	case a.unloadAck <- struct{}{}:
	default:
	}
}

func (a *App) allUnloaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.clients {
		if !a.unloaded[id] {
			return false
		}
	}
	return true
}

// Unloading reports whether Unload has been called.
func (a *App) Unloading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unloading
}

// Teardown notifies clients and ends every subscription. Safe to call more
// than once.
func (a *App) Teardown() {
	a.mu.Lock()
	if a.torndown {
		a.mu.Unlock()
		return
	}
	a.torndown = true
	a.mu.Unlock()

	a.Notify(NotifyTeardown, map[string]any{"id": a.ID})
	a.reports.Close()
	a.warming.Close()
	a.messages.Close()
}

// Torndown reports whether Teardown has run.
func (a *App) Torndown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.torndown
}
