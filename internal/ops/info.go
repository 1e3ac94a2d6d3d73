package ops

import (
	"context"
	"errors"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/stream"
)

// InfoOptions configures Info.
type InfoOptions struct {
	Target
	Checkout  string `json:"checkout,omitempty"`
	Metadata  bool   `json:"metadata,omitempty"`
	Changelog bool   `json:"changelog,omitempty"`
}

// Info is the data of the info event.
type Info struct {
	Link            string         `json:"link"`
	Key             string         `json:"key"`
	DiscoveryKey    string         `json:"discoveryKey"`
	Channel         string         `json:"channel,omitempty"`
	Release         uint64         `json:"release"`
	Version         drive.Version  `json:"version"`
	PlatformVersion *drive.Version `json:"platformVersion,omitempty"`
	Writable        bool           `json:"writable"`
	Encrypted       bool           `json:"encrypted"`
}

// ChangelogFile is read for the changelog event.
const ChangelogFile = "/CHANGELOG.md"

// InfoOp reports what a drive is: its version, release and, on request, its
// manifest and changelog.
func InfoOp(ctx context.Context, deps Deps, opts InfoOptions) *stream.Stream {
	return stream.Run(ctx, deps.logger(), func(ctx context.Context, s *stream.Stream) error {
		return info(ctx, deps, opts, s)
	})
}

func info(ctx context.Context, deps Deps, opts InfoOptions, s *stream.Stream) error {
	r, err := deps.resolve(ctx, opts.Target)
	if err != nil {
		return err
	}
	if r.key == nil {
		// A project directory reports on the drive it stages into.
		r.key = deps.Corestore.KeyFor(Namespace(r.name, r.channel))
	}
	co, err := r.checkout(opts.Checkout)
	if err != nil {
		return err
	}
	b, err := deps.open(ctx, r, bundle.Options{Checkout: co, EncryptionKey: opts.EncryptionKey})
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Join(ctx, bundle.JoinOptions{Client: true}); err != nil {
		return err
	}
	cal, err := b.Calibrate(ctx)
	if err != nil {
		return err
	}
	live := b.Drive()
	s.Push(TagInfo, Info{
		Link:            b.Link(),
		Key:             b.Key(),
		DiscoveryKey:    b.DiscoveryKey(),
		Channel:         cal.Channel,
		Release:         cal.Release,
		Version:         cal.Version,
		PlatformVersion: cal.PlatformVersion,
		Writable:        live.Writable(),
		Encrypted:       live.Encrypted(),
	})

	store := b.Store()
	if opts.Metadata {
		raw, err := store.Get(ctx, "/package.json")
		switch {
		case errors.Is(err, drive.ErrNotFound):
			s.Push(TagMetadata, nil)
		case err != nil:
			return err
		default:
			m, err := state.ParseManifest(raw)
			if err != nil {
				return err
			}
			s.Push(TagMetadata, m)
		}
	}
	if opts.Changelog {
		raw, err := store.Get(ctx, ChangelogFile)
		if err != nil && !errors.Is(err, drive.ErrNotFound) {
			return err
		}
		s.Push(TagChangelog, map[string]any{"changelog": string(raw)})
	}
	return nil
}
