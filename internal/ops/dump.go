package ops

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/mirror"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/stream"
)

// DumpToStream as Dir streams file events instead of writing files.
const DumpToStream = "-"

// DumpOptions configures Dump.
type DumpOptions struct {
	Link string `json:"link"`
	// Dir receives the files; DumpToStream emits them as events.
	Dir      string `json:"dir"`
	Checkout string `json:"checkout,omitempty"`
	DryRun   bool   `json:"dryRun,omitempty"`

	Target Target `json:"-"`
}

// File is the data of a file event.
type File struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Dump copies a drive, or the subtree named by the link path, out to a
// directory.
func Dump(ctx context.Context, deps Deps, opts DumpOptions) *stream.Stream {
	return stream.Run(ctx, deps.logger(), func(ctx context.Context, s *stream.Stream) error {
		return dump(ctx, deps, opts, s)
	})
}

func dump(ctx context.Context, deps Deps, opts DumpOptions, s *stream.Stream) error {
	if opts.Dir == "" {
		return errs.InvalidInput("dump needs a target directory")
	}
	link, err := state.ParseLink(opts.Link, deps.Aliases)
	if err != nil {
		return err
	}
	if link.IsFile() {
		return errs.InvalidLink(opts.Link)
	}
	t := opts.Target
	t.Link = opts.Link
	r, err := deps.resolve(ctx, t)
	if err != nil {
		return err
	}
	co, err := r.checkout(opts.Checkout)
	if err != nil {
		return err
	}
	b, err := deps.open(ctx, r, bundle.Options{Checkout: co, EncryptionKey: t.EncryptionKey})
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Join(ctx, bundle.JoinOptions{Client: true}); err != nil {
		return err
	}
	if _, err := b.Calibrate(ctx); err != nil {
		if errors.Is(err, drive.ErrDecode) {
			return errs.PermissionRequired("encryption key required", map[string]any{"key": b.Key()})
		}
		return err
	}
	src := b.Store()

	prefix := "/"
	if r.pathname != "" {
		prefix = path.Clean("/" + r.pathname)
	}

	if opts.Dir == DumpToStream {
		names, err := src.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, name := range names {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			value, err := src.Get(ctx, name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			s.Push(TagFile, File{Key: name, Value: string(value)})
		}
		s.Push(stream.TagComplete, Complete{Link: b.Link(), Version: b.Version()})
		return nil
	}

	dst := drive.NewLocaldrive(opts.Dir)
	var summary mirror.Summary
	for d, err := range mirror.Mirror(ctx, src, dst, mirror.Options{Prefix: prefix, Ignore: []string{}, DryRun: opts.DryRun}) {
		if err != nil {
			return err
		}
		summary.Record(d)
		s.Push(stream.TagByteDiff, d)
	}
	s.Push(stream.TagSummary, summary)
	s.Push(stream.TagComplete, Complete{DryRun: opts.DryRun, Link: b.Link(), Version: b.Version()})
	return nil
}
