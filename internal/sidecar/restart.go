package sidecar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/pubsub"
)

// Messages sent on an app's bus around restarts.
const (
	MessageReload = "pear/reload"
	MessageWakeup = "pear/wakeup"
)

// RestartParams selects a restart variant.
type RestartParams struct {
	// Platform restarts the whole sidecar instead of the caller's app.
	Platform bool `json:"platform,omitempty"`
	// Hard skips the reload message and unload wait.
	Hard bool `json:"hard,omitempty"`
}

// Restart respawns the caller's app, or with Platform every app and the
// sidecar itself. It returns what was respawned.
//
// A per-client restart spawns a fresh process with the app's argv, cwd and
// env and then closes only the calling client. A soft platform restart
// first sends every app a pear/reload message and waits for it to unload.
// A platform restart decommissions the sidecar before any app is spawned,
// so respawned apps connect to a fresh sidecar; Wait blocks until they are.
func (s *Sidecar) Restart(ctx context.Context, c Client, p RestartParams) ([]app.Restart, error) {
	restarts, finish, err := s.restart(ctx, c, p)
	if err != nil {
		return nil, err
	}
	finish()
	return restarts, nil
}

// restart respawns and returns the func that closes the caller or the
// sidecar. It runs after the caller has been answered.
func (s *Sidecar) restart(ctx context.Context, c Client, p RestartParams) ([]app.Restart, func(), error) {
	if !p.Platform {
		a := s.appOf(c)
		if a == nil {
			return nil, nil, errs.InvalidInput("client has no running app")
		}
		info := a.RestartInfo()
		if err := s.opts.Spawn(info); err != nil {
			return nil, nil, fmt.Errorf("respawn app: %w", err)
		}
		s.logger.Info("app restarted", "app", a.ID, "pid", info.PID)
		return []app.Restart{info}, func() { _ = c.Close() }, nil
	}

	if !p.Hard {
		for _, a := range s.apps() {
			a.Message(pubsub.Message{"type": MessageReload})
		}
		for _, a := range s.apps() {
			a.Unload(ctx, s.opts.UnloadTimeout)
		}
	}
	restarts := s.restartInfos()
	s.logger.Info("platform restart", "apps", len(restarts), "hard", p.Hard)
	return restarts, func() {
		s.respawns.Add(1)
		go s.respawn(restarts)
	}, nil
}

// respawn decommissions the sidecar and then spawns restarts.
func (s *Sidecar) respawn(restarts []app.Restart) {
	defer s.respawns.Done()
	s.closeInBackground()
	for _, r := range restarts {
		if err := s.opts.Spawn(r); err != nil {
			s.logger.Warn("respawn app failed", "cmdArgs", r.CmdArgs, "error", err)
		}
	}
}

// CloseClients closes every client and returns restart info for the apps
// they ran.
func (s *Sidecar) CloseClients() []app.Restart {
	restarts := s.restartInfos()
	s.closeClients()
	return restarts
}

func (s *Sidecar) closeClients() {
	s.mu.Lock()
	clients := make([]Client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl.Client)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if err := c.Close(); err != nil {
			s.logger.Debug("close client", "client", c.ID(), "error", err)
		}
	}
}

// Shutdown decommissions the sidecar in the background and returns restart
// info for the apps that were running.
func (s *Sidecar) Shutdown() []app.Restart {
	restarts := s.restartInfos()
	go s.closeInBackground()
	return restarts
}

func (s *Sidecar) closeInBackground() {
	if err := s.Close(context.Background()); err != nil {
		s.logger.Warn("decommission failed", "error", err)
	}
}

func (s *Sidecar) restartInfos() []app.Restart {
	apps := s.apps()
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	out := make([]app.Restart, 0, len(apps))
	for _, a := range apps {
		if a.State() == nil {
			continue
		}
		out = append(out, a.RestartInfo())
	}
	return out
}

// spawn starts r detached from the sidecar.
func spawn(r app.Restart) error {
	if r.Runtime == "" {
		return errors.New("no runtime to respawn")
	}
	cmd := exec.Command(r.Runtime, r.CmdArgs...)
	cmd.Dir = r.Cwd
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	Detach(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
