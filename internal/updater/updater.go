// Package updater tracks the platform version: the version running now, the
// newest version seen on the platform drive, and applying a staged update
// at shutdown.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/fsx"
	"github.com/roach88/pear/internal/pubsub"
)

// ErrClosed is returned by Wait once the updater is closed.
var ErrClosed = errors.New("updater: closed")

// Options configures an Updater.
type Options struct {
	// Current is the version the process was started from. A version stored
	// at Path takes precedence when it belongs to the same key.
	Current drive.Version
	// Path is where Apply records the applied version. Empty disables
	// persistence.
	Path   string
	Logger *slog.Logger
}

// Updater is safe for concurrent use.
type Updater struct {
	path   string
	logger *slog.Logger
	topic  *pubsub.Topic[drive.Version]

	mu      sync.Mutex
	current drive.Version
	staged  *drive.Version
	changed chan struct{}
	closed  bool
}

// New creates an updater, reading the applied version from Path if present.
func New(opts Options) (*Updater, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	u := &Updater{
		path:    opts.Path,
		logger:  opts.Logger,
		topic:   pubsub.NewTopic[drive.Version](),
		current: opts.Current,
		changed: make(chan struct{}),
	}
	if opts.Path == "" {
		return u, nil
	}
	raw, err := os.ReadFile(opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read applied version: %w", err)
	}
	var applied drive.Version
	if err := json.Unmarshal(raw, &applied); err != nil {
		return nil, fmt.Errorf("decode applied version: %w", err)
	}
	if applied.Key == opts.Current.Key && applied.Newer(opts.Current) {
		u.current = applied
	}
	return u, nil
}

// Version is the running platform version.
func (u *Updater) Version() drive.Version {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Staged returns the update waiting to be applied, if any.
func (u *Updater) Staged() (drive.Version, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.staged == nil {
		return drive.Version{}, false
	}
	return *u.staged, true
}

// Latest is the staged version when there is one, else the running one.
func (u *Updater) Latest() drive.Version {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.latestLocked()
}

func (u *Updater) latestLocked() drive.Version {
	if u.staged != nil {
		return *u.staged
	}
	return u.current
}

// Stage records v as available. Versions of another key, or not ahead of
// Latest, are ignored. Reports whether v was staged.
func (u *Updater) Stage(v drive.Version) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	if u.current.Key != "" && v.Key != u.current.Key {
		u.mu.Unlock()
		u.logger.Warn("ignoring update for foreign platform key", "key", v.Key, "platform", u.current.Key)
		return false
	}
	if !v.Newer(u.latestLocked()) {
		u.mu.Unlock()
		return false
	}
	staged := v
	u.staged = &staged
	close(u.changed)
	u.changed = make(chan struct{})
	u.mu.Unlock()

	u.logger.Info("platform update staged", "version", v.String())
	u.topic.Publish(v)
	return true
}

// Wait blocks until Latest reaches minver. The key of minver is not
// compared; callers filter foreign keys beforehand.
func (u *Updater) Wait(ctx context.Context, minver drive.Version) (drive.Version, error) {
	for {
		u.mu.Lock()
		latest := u.latestLocked()
		if latest.Compare(minver) >= 0 {
			u.mu.Unlock()
			return latest, nil
		}
		if u.closed {
			u.mu.Unlock()
			return latest, ErrClosed
		}
		ch := u.changed
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			return latest, ctx.Err()
		case <-ch:
		}
	}
}

// Updates subscribes to staged versions.
func (u *Updater) Updates() *pubsub.Subscription[drive.Version] {
	return u.topic.Subscribe(nil)
}

// Apply makes the staged update current and persists it. Reports whether
// anything was applied.
func (u *Updater) Apply(ctx context.Context) (drive.Version, bool, error) {
	if err := ctx.Err(); err != nil {
		return drive.Version{}, false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.staged == nil {
		return u.current, false, nil
	}
	next := *u.staged
	if u.path != "" {
		raw, err := json.Marshal(next)
		if err != nil {
			return u.current, false, fmt.Errorf("encode applied version: %w", err)
		}
		if err := fsx.WriteFileAtomic(u.path, raw, 0o600); err != nil {
			return u.current, false, fmt.Errorf("apply update: %w", err)
		}
	}
	u.current = next
	u.staged = nil
	u.logger.Info("platform update applied", "version", next.String())
	return next, true, nil
}

// Close wakes every Wait with ErrClosed and ends update subscriptions.
func (u *Updater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.changed)
	u.changed = make(chan struct{})
	u.mu.Unlock()
	u.topic.Close()
}
