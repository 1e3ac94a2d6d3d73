// Package ops implements the one-shot streamed operations: stage, seed,
// release, dump and info.
//
// Every operation runs on its own goroutine and reports through a
// stream.Stream that always ends with a final event.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/linker"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/swarm"
)

// Event tags beyond the common stream tags.
const (
	TagReleasing  = "releasing"
	TagSeeding    = "seeding"
	TagPeerAdd    = "peer-add"
	TagPeerRemove = "peer-remove"
	TagAnnounced  = "announced"
	TagFile       = "file"
	TagInfo       = "info"
	TagMetadata   = "metadata"
	TagChangelog  = "changelog"
)

// Deps are the shared services operations run against.
type Deps struct {
	Corestore *drive.Corestore
	Swarm     swarm.Swarm
	Linker    *linker.Linker
	Aliases   map[string]string
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) linker() *linker.Linker {
	if d.Linker == nil {
		return linker.New(linker.Options{Logger: d.logger()})
	}
	return d.Linker
}

// Target names the drive an operation works on: either a link to an
// existing drive, or a project directory and channel whose drive is the
// corestore namespace "<name>~<channel>".
type Target struct {
	Link    string `json:"link,omitempty"`
	Dir     string `json:"dir,omitempty"`
	Channel string `json:"channel,omitempty"`
	// Name overrides the manifest name when deriving the namespace.
	Name          string                 `json:"name,omitempty"`
	EncryptionKey *memguard.LockedBuffer `json:"-"`
}

// resolved is a Target after link parsing and manifest lookup.
type resolved struct {
	key      []byte
	name     string
	channel  string
	dir      string
	pathname string
	// length pins the checkout for versioned links.
	length   uint64
	manifest *state.Manifest
	raw      []byte
}

// Namespace is the corestore namespace a project stages into.
func Namespace(name, channel string) string {
	return name + "~" + channel
}

func (d Deps) resolve(ctx context.Context, t Target) (*resolved, error) {
	r := &resolved{dir: t.Dir, channel: t.Channel, name: t.Name}
	if t.Link != "" {
		link, err := state.ParseLink(t.Link, d.Aliases)
		if err != nil {
			return nil, err
		}
		if !link.IsFile() {
			r.key = link.Key
			r.pathname = link.Pathname
			if link.Versioned {
				r.length = link.Length
			}
			return r, nil
		}
		r.dir = link.Pathname
	}
	if r.dir == "" {
		return nil, errs.InvalidInput("a link or a project directory is required")
	}
	if r.channel == "" {
		return nil, errs.InvalidInput("a channel is required for a project directory")
	}
	src := drive.NewLocaldrive(r.dir)
	raw, err := src.Get(ctx, "/package.json")
	if errors.Is(err, drive.ErrNotFound) {
		return nil, errs.New(errs.ErrInvalidProjectDir, fmt.Sprintf("no package.json in %s", r.dir)).With("dir", r.dir)
	}
	if err != nil {
		return nil, err
	}
	m, err := state.ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	r.manifest = m
	r.raw = raw
	if r.name == "" {
		r.name = m.Name
		if m.Pear.Name != "" {
			r.name = m.Pear.Name
		}
	}
	if r.name, err = state.NormalizeName(r.name); err != nil {
		return nil, err
	}
	return r, nil
}

// checkout is the requested checkout, overridden by a versioned link.
func (r *resolved) checkout(requested string) (bundle.Checkout, error) {
	if r.length > 0 {
		return bundle.Checkout{Mode: bundle.CheckoutLength, Length: r.length}, nil
	}
	co, err := bundle.ParseCheckout(requested)
	if err != nil {
		return bundle.Checkout{}, errs.InvalidInput(err.Error())
	}
	return co, nil
}

// open builds and readies the bundle for a resolved target. Directory
// targets open their namespace writable; link targets open by key.
func (d Deps) open(ctx context.Context, r *resolved, opts bundle.Options) (*bundle.Bundle, error) {
	opts.Corestore = d.Corestore
	opts.Swarm = d.Swarm
	opts.Linker = d.linker()
	opts.Logger = d.logger()
	if r.key != nil {
		opts.Key = r.key
	} else {
		opts.Namespace = Namespace(r.name, r.channel)
		opts.Channel = r.channel
	}
	b := bundle.New(opts)
	if err := b.Ready(ctx); err != nil {
		b.Close()
		if errors.Is(err, drive.ErrDecode) {
			return nil, errs.PermissionRequired("encryption key required", map[string]any{"encrypted": true})
		}
		return nil, err
	}
	return b, nil
}
