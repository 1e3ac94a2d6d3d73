package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/mirror"
	"github.com/roach88/pear/internal/stream"
	"github.com/roach88/pear/internal/watch"
)

// StageOptions configures Stage.
type StageOptions struct {
	Target
	DryRun bool     `json:"dryRun,omitempty"`
	Bare   bool     `json:"bare,omitempty"`
	Watch  bool     `json:"watch,omitempty"`
	Ignore []string `json:"ignore,omitempty"`
	// Truncate rewinds the drive to this length before staging.
	Truncate *uint64 `json:"truncate,omitempty"`
}

// Staging is the data of the staging event.
type Staging struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Link    string `json:"link"`
	Current uint64 `json:"current"`
	Release uint64 `json:"release"`
}

// Complete is the data of the complete event.
type Complete struct {
	DryRun  bool          `json:"dryRun,omitempty"`
	Link    string        `json:"link"`
	Version drive.Version `json:"version"`
}

// Stage mirrors a project directory into its channel's drive. With Watch
// it keeps restaging on filesystem changes until ctx ends.
func Stage(ctx context.Context, deps Deps, opts StageOptions) *stream.Stream {
	return stream.Run(ctx, deps.logger(), func(ctx context.Context, s *stream.Stream) error {
		return stage(ctx, deps, opts, s)
	})
}

func stage(ctx context.Context, deps Deps, opts StageOptions, s *stream.Stream) error {
	r, err := deps.resolve(ctx, opts.Target)
	if err != nil {
		return err
	}
	if r.manifest == nil {
		return errs.InvalidInput("stage needs a project directory")
	}
	b, err := deps.open(ctx, r, bundle.Options{Stage: true, Truncate: opts.Truncate, EncryptionKey: opts.EncryptionKey})
	if err != nil {
		return err
	}
	defer b.Close()

	live := b.Drive()
	if !live.Writable() {
		return errs.PermissionRequired("drive is not writable", map[string]any{"key": b.Key()})
	}
	var release uint64
	if err := live.GetJSON(ctx, bundle.KeyRelease, &release); err != nil && !errors.Is(err, drive.ErrNotFound) {
		return err
	}
	s.Push(stream.TagStaging, Staging{
		Name:    r.name,
		Channel: r.channel,
		Link:    b.Link(),
		Current: b.Current(),
		Release: release,
	})

	ignore := append([]string{}, mirror.DefaultIgnore...)
	ignore = append(ignore, r.manifest.Pear.Stage.Ignore...)
	ignore = append(ignore, opts.Ignore...)

	src := drive.NewLocaldrive(r.dir)
	pass := func(ctx context.Context) error {
		return stagePass(ctx, deps, opts, r, b, src, ignore, s)
	}
	if err := pass(ctx); err != nil {
		return err
	}
	if !opts.Watch || opts.DryRun {
		return nil
	}

	w, err := watch.New(src.Root(), watch.Options{
		Ignore: func(rel string) bool { return mirror.Ignored(rel, ignore) },
		Logger: deps.logger(),
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	w.Run(ctx, func(paths []string) {
		deps.logger().Debug("restaging", "dir", r.dir, "changed", len(paths))
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			s.Push(stream.TagError, errs.From(err))
		}
	})
	return nil
}

func stagePass(ctx context.Context, deps Deps, opts StageOptions, r *resolved, b *bundle.Bundle, src *drive.Localdrive, ignore []string, s *stream.Stream) error {
	// Re-read the manifest so watch passes pick up edits.
	raw, err := src.Get(ctx, "/package.json")
	if err != nil {
		return err
	}

	dst := &stageTarget{live: b.Drive(), b: b}
	var summary mirror.Summary
	for d, err := range mirror.Mirror(ctx, src, dst, mirror.Options{Ignore: ignore, DryRun: opts.DryRun, Prune: true}) {
		if err != nil {
			return err
		}
		summary.Record(d)
		s.Push(stream.TagByteDiff, d)
	}
	s.Push(stream.TagSummary, summary)

	if !opts.DryRun {
		if !opts.Bare {
			entrypoints := append([]string{r.manifest.EntrypointMain()}, r.manifest.Pear.Stage.Entrypoints...)
			w, err := deps.linker().Warmup(ctx, src, entrypoints)
			if err != nil {
				return fmt.Errorf("warmup: %w", err)
			}
			if err := putJSON(ctx, b, bundle.KeyWarmup, w); err != nil {
				return err
			}
			s.Push(stream.TagWarming, map[string]any{"files": len(w.Files), "success": true})
		}
		if err := putJSON(ctx, b, bundle.KeyManifest, json.RawMessage(raw)); err != nil {
			return err
		}
		if _, err := b.Flush(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	s.Push(stream.TagComplete, Complete{DryRun: opts.DryRun, Link: b.Link(), Version: b.Version()})
	return nil
}

func putJSON(ctx context.Context, b *bundle.Bundle, key string, v any) error {
	raw, err := drive.CanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put(ctx, key, raw)
}

// stageTarget reads from the live drive and writes through the bundle's
// batch, so a staging pass commits once.
type stageTarget struct {
	live *drive.Drive
	b    *bundle.Bundle
}

func (t *stageTarget) Get(ctx context.Context, name string) ([]byte, error) {
	return t.live.Get(ctx, name)
}

func (t *stageTarget) Put(ctx context.Context, name string, value []byte) error {
	return t.b.Put(ctx, name, value)
}

func (t *stageTarget) Del(ctx context.Context, name string) error {
	return t.b.Del(ctx, name)
}

func (t *stageTarget) List(ctx context.Context, prefix string) ([]string, error) {
	return t.live.List(ctx, prefix)
}
