package sidecar

import (
	"context"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
)

// NotifyUpdate is the notification method carrying an UpdateNotification.
const NotifyUpdate = "update"

// Update kinds.
const (
	UpdatePlatform = "platform"
	UpdateApp      = "app"
)

// UpdateNotification tells an app a newer version is available.
type UpdateNotification struct {
	Kind    string            `json:"kind"`
	Version drive.Version     `json:"version"`
	Link    string            `json:"link,omitempty"`
	Diff    []drive.DiffEntry `json:"diff,omitempty"`
	// Paths lists changed files of a local dev app.
	Paths []string `json:"paths,omitempty"`
	// Force marks the update that satisfied a minver wait. It reaches the
	// app even while it is minvering.
	Force bool `json:"force,omitempty"`
}

// notifyApp delivers u to a unless a is blocked on minver and u is not
// forced.
func (s *Sidecar) notifyApp(a *app.App, u UpdateNotification) bool {
	if a.Torndown() || (a.Minvering() && !u.Force) {
		return false
	}
	a.Notify(NotifyUpdate, u)
	s.metrics.Updates.WithLabelValues(u.Kind).Inc()
	return true
}

// appUpdate fans an app drive's update out to every running app on the
// same key, once per app.
func (s *Sidecar) appUpdate(from *app.App, v drive.Version, u bundle.Update) {
	key := v.Key
	if st := from.State(); st != nil && st.Key != "" {
		key = st.Key
	}
	n := UpdateNotification{Kind: UpdateApp, Version: v, Link: u.Link, Diff: u.Diff}
	for _, a := range s.apps() {
		st := a.State()
		if st == nil || st.Key != key {
			continue
		}
		s.notifyApp(a, n)
	}
}

// platformUpdate fans a platform version out to every running app, once
// per app.
func (s *Sidecar) platformUpdate(v drive.Version) int {
	n := 0
	for _, a := range s.apps() {
		if s.notifyApp(a, UpdateNotification{Kind: UpdatePlatform, Version: v}) {
			n++
		}
	}
	return n
}

type updatesLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *updatesLoop) stop() {
	l.cancel()
	<-l.done
}

// watchPlatform forwards staged platform versions to running apps until
// stopped.
func (s *Sidecar) watchPlatform() *updatesLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &updatesLoop{cancel: cancel, done: make(chan struct{})}
	sub := s.opts.Updater.Updates()
	go func() {
		defer close(l.done)
		defer sub.Close()
		for {
			v, err := sub.Next(ctx)
			if err != nil {
				return
			}
			n := s.platformUpdate(v)
			s.logger.Info("platform update staged", "version", v.String(), "apps", n)
		}
	}()
	return l
}
