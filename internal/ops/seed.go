package ops

import (
	"context"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/stream"
)

// SeedOptions configures Seed.
type SeedOptions struct {
	Target
}

// Seeding is the data of the seeding event.
type Seeding struct {
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
	Link    string `json:"link"`
	Length  uint64 `json:"length"`
}

// Peer is the data of peer-add and peer-remove events.
type Peer struct {
	Peer string `json:"peer"`
}

// Seed serves a drive on the swarm until ctx ends.
func Seed(ctx context.Context, deps Deps, opts SeedOptions) *stream.Stream {
	return stream.Run(ctx, deps.logger(), func(ctx context.Context, s *stream.Stream) error {
		return seed(ctx, deps, opts, s)
	})
}

func seed(ctx context.Context, deps Deps, opts SeedOptions, s *stream.Stream) error {
	r, err := deps.resolve(ctx, opts.Target)
	if err != nil {
		return err
	}
	b, err := deps.open(ctx, r, bundle.Options{
		Stage:         true,
		EncryptionKey: opts.EncryptionKey,
		Replicator:    bundle.ReplicatorOptions{AnnounceSeeds: true, Seeding: true},
	})
	if err != nil {
		return err
	}
	defer b.Close()

	s.Push(TagSeeding, Seeding{Name: r.name, Channel: r.channel, Link: b.Link(), Length: b.Current()})

	err = b.Join(ctx, bundle.JoinOptions{
		Server: true,
		Client: true,
		OnConnection: func(peer string, joined bool) {
			if joined {
				s.Push(TagPeerAdd, Peer{Peer: peer})
			} else {
				s.Push(TagPeerRemove, Peer{Peer: peer})
			}
		},
	})
	if err != nil {
		return err
	}
	if deps.Swarm != nil {
		if err := deps.Swarm.Flush(ctx); err != nil {
			return err
		}
	}
	s.Push(TagAnnounced, map[string]any{"link": b.Link(), "peers": len(b.Peers())})

	<-ctx.Done()
	return b.Leave()
}
