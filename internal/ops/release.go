package ops

import (
	"context"
	"fmt"

	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/stream"
)

// ReleaseOptions configures Release.
type ReleaseOptions struct {
	Target
	// Checkout releases this length instead of the current one.
	Checkout *uint64 `json:"checkout,omitempty"`
}

// Releasing is the data of the releasing event.
type Releasing struct {
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
	Link    string `json:"link"`
	Release uint64 `json:"release"`
}

// Release points the drive's release marker at a staged length.
func Release(ctx context.Context, deps Deps, opts ReleaseOptions) *stream.Stream {
	return stream.Run(ctx, deps.logger(), func(ctx context.Context, s *stream.Stream) error {
		return release(ctx, deps, opts, s)
	})
}

func release(ctx context.Context, deps Deps, opts ReleaseOptions, s *stream.Stream) error {
	r, err := deps.resolve(ctx, opts.Target)
	if err != nil {
		return err
	}
	b, err := deps.open(ctx, r, bundle.Options{Stage: true, EncryptionKey: opts.EncryptionKey})
	if err != nil {
		return err
	}
	defer b.Close()

	live := b.Drive()
	if !live.Writable() {
		return errs.PermissionRequired("drive is not writable", map[string]any{"key": b.Key()})
	}
	length := live.Length()
	if length == 0 {
		return errs.Unstaged(fmt.Sprintf("%s has not been staged", describe(r, b))).With("link", b.Link())
	}
	target := length
	if opts.Checkout != nil {
		target = *opts.Checkout
		if target == 0 || target > length {
			return errs.InvalidInput(fmt.Sprintf("checkout %d is outside the staged length %d", target, length))
		}
	}

	s.Push(TagReleasing, Releasing{Name: r.name, Channel: r.channel, Link: b.Link(), Release: target})
	if err := putJSON(ctx, b, bundle.KeyRelease, target); err != nil {
		return err
	}
	v, err := b.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.Push(stream.TagComplete, Complete{Link: b.Link(), Version: drive.Version{Key: v.Key, Length: target, Fork: v.Fork}})
	return nil
}

func describe(r *resolved, b *bundle.Bundle) string {
	if r.name != "" {
		return Namespace(r.name, r.channel)
	}
	return b.Link()
}
