package bundle

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/swarm"
	"github.com/roach88/pear/internal/timer"
)

// DefaultLinger is how long a replicator keeps serving after the last
// observed activity.
const DefaultLinger = 60 * time.Second

// ReplicatorOptions configures a Replicator.
type ReplicatorOptions struct {
	// Linger is the serve window after activity. Zero means DefaultLinger.
	Linger time.Duration

	// AnnounceSeeds joins writable drives as an announcing server.
	AnnounceSeeds bool

	// Seeding keeps the drive served permanently; the linger pause is
	// never applied.
	Seeding bool

	Logger *slog.Logger
}

// Replicator joins and leaves one drive's swarm topic and pauses serving
// while the drive is idle.
//
// Thread-safety: Join and Leave are safe for concurrent use. Concurrent
// Joins share one in-flight join.
type Replicator struct {
	drive  *drive.Drive
	opts   ReplicatorOptions
	logger *slog.Logger

	group  singleflight.Group
	linger *timer.Countdown

	mu         sync.Mutex
	swarm      swarm.Swarm
	removeHook func()
}

// NewReplicator creates a replicator for d. Nothing is joined yet.
func NewReplicator(d *drive.Drive, opts ReplicatorOptions) *Replicator {
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Replicator{drive: d, opts: opts, logger: opts.Logger}
	r.linger = timer.NewCountdown(opts.Linger, r.idle)
	return r
}

// JoinOptions selects the replication roles.
type JoinOptions struct {
	Server bool
	Client bool
	// OnConnection is passed through to the swarm membership.
	OnConnection func(peer string, joined bool)
}

// Join joins the drive's topic on sw. Joining again while joined, or while
// another Join is in flight, returns the same outcome without rejoining.
func (r *Replicator) Join(ctx context.Context, sw swarm.Swarm, opts JoinOptions) error {
	ch := r.group.DoChan("join", func() (any, error) {
		return nil, r.join(sw, opts)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replicator) join(sw swarm.Swarm, opts JoinOptions) error {
	r.mu.Lock()
	if r.swarm != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	jo := swarm.JoinOptions{
		Server:       opts.Server,
		Client:       opts.Client,
		OnAdvert:     r.advert,
		OnConnection: opts.OnConnection,
	}
	if r.opts.AnnounceSeeds && r.drive.Writable() {
		jo.Server = true
		jo.AnnounceKey = r.drive.AnnounceKey()
		r.logger.Debug("announcing drive", "key", r.drive.HexKey(), "announce", hex.EncodeToString(jo.AnnounceKey))
	}

	removeHook := r.drive.OnActivity(func(drive.Activity) { r.active() })
	err := sw.Join(r.drive, jo)
	if err != nil {
		removeHook()
		return err
	}

	r.mu.Lock()
	r.swarm = sw
	r.removeHook = removeHook
	r.mu.Unlock()

	r.active()
	return nil
}

// Leave leaves the topic. Safe to call when never joined.
func (r *Replicator) Leave() error {
	r.mu.Lock()
	sw := r.swarm
	removeHook := r.removeHook
	r.swarm = nil
	r.removeHook = nil
	r.mu.Unlock()

	r.linger.Cancel()
	if sw == nil {
		return nil
	}
	removeHook()
	return sw.Leave(r.drive)
}

// Joined reports whether the drive is on a swarm.
func (r *Replicator) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swarm != nil
}

// Close leaves and stops the linger timer for good.
func (r *Replicator) Close() error {
	err := r.Leave()
	r.linger.Stop()
	return err
}

// active resumes serving and restarts the linger window.
func (r *Replicator) active() {
	r.drive.Resume()
	if !r.opts.Seeding {
		r.linger.Reset()
	}
}

// advert handles a peer that is ahead of us: we must catch up, so serving
// resumes whatever the linger state.
func (r *Replicator) advert(p swarm.PeerInfo) {
	r.logger.Debug("peer ahead", "key", r.drive.HexKey(), "peer", p.Node, "length", p.Length, "fork", p.Fork)
	r.active()
}

func (r *Replicator) idle() {
	if !r.Joined() {
		return
	}
	r.drive.Pause()
}
