// Package mirror makes one store's files match another's, reporting each
// difference as it goes.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"path"
	"strings"

	"github.com/roach88/pear/internal/drive"
)

// Diff operations.
const (
	OpAdd    = "add"
	OpChange = "change"
	OpRemove = "remove"
)

// Diff is one file difference between source and destination.
type Diff struct {
	Op           string `json:"op"`
	Key          string `json:"key"`
	BytesAdded   int    `json:"bytesAdded"`
	BytesRemoved int    `json:"bytesRemoved"`
}

// DefaultIgnore is applied when Options.Ignore is nil.
var DefaultIgnore = []string{".git", ".github", ".DS_Store", "node_modules/.bin"}

// Options configures a mirror run.
type Options struct {
	// Prefix limits the mirror to names under it. Empty means "/".
	Prefix string
	// Ignore patterns. A pattern starting with "/" is anchored at the root
	// and excludes that path and everything below it; any other pattern is
	// matched (as a path.Match glob) against every path suffix.
	Ignore []string
	// DryRun reports differences without writing.
	DryRun bool
	// Prune removes destination files missing from the source.
	Prune bool
}

// Mirror yields the differences between src and dst in key order,
// applying each to dst unless DryRun is set. Iteration stops at the first
// error, which is yielded last.
func Mirror(ctx context.Context, src, dst drive.Store, opts Options) iter.Seq2[Diff, error] {
	if opts.Prefix == "" {
		opts.Prefix = "/"
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	return func(yield func(Diff, error) bool) {
		srcKeys, err := listFiles(ctx, src, opts)
		if err != nil {
			yield(Diff{}, err)
			return
		}
		dstKeys, err := listFiles(ctx, dst, opts)
		if err != nil {
			yield(Diff{}, err)
			return
		}

		inSrc := make(map[string]bool, len(srcKeys))
		for _, k := range srcKeys {
			inSrc[k] = true
		}

		for _, key := range srcKeys {
			d, changed, err := syncFile(ctx, src, dst, key, opts.DryRun)
			if err != nil {
				yield(Diff{}, err)
				return
			}
			if changed && !yield(d, nil) {
				return
			}
		}

		if !opts.Prune {
			return
		}
		for _, key := range dstKeys {
			if inSrc[key] {
				continue
			}
			old, err := dst.Get(ctx, key)
			if err != nil {
				yield(Diff{}, err)
				return
			}
			if !opts.DryRun {
				if err := dst.Del(ctx, key); err != nil {
					yield(Diff{}, err)
					return
				}
			}
			if !yield(Diff{Op: OpRemove, Key: key, BytesRemoved: len(old)}, nil) {
				return
			}
		}
	}
}

func syncFile(ctx context.Context, src, dst drive.Store, key string, dryRun bool) (Diff, bool, error) {
	data, err := src.Get(ctx, key)
	if err != nil {
		return Diff{}, false, err
	}
	old, err := dst.Get(ctx, key)
	switch {
	case errors.Is(err, drive.ErrNotFound):
		if !dryRun {
			if err := dst.Put(ctx, key, data); err != nil {
				return Diff{}, false, err
			}
		}
		return Diff{Op: OpAdd, Key: key, BytesAdded: len(data)}, true, nil
	case err != nil:
		return Diff{}, false, err
	case bytes.Equal(old, data):
		return Diff{}, false, nil
	}
	if !dryRun {
		if err := dst.Put(ctx, key, data); err != nil {
			return Diff{}, false, err
		}
	}
	return Diff{Op: OpChange, Key: key, BytesAdded: len(data), BytesRemoved: len(old)}, true, nil
}

func listFiles(ctx context.Context, s drive.Store, opts Options) ([]string, error) {
	names, err := s.List(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasPrefix(n, "/") && !Ignored(n, opts.Ignore) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Ignored reports whether name matches any ignore pattern.
func Ignored(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(p, "/") {
			p = strings.TrimSuffix(p, "/")
			if name == p || strings.HasPrefix(name, p+"/") {
				return true
			}
			continue
		}
		if matchSuffix(strings.TrimSuffix(p, "/"), strings.TrimPrefix(name, "/")) {
			return true
		}
	}
	return false
}

// matchSuffix matches pattern against every run of leading path segments
// starting at every segment, so "node_modules/.bin" excludes
// /a/node_modules/.bin/x and "*.log" excludes /logs/x.log.
func matchSuffix(pattern, name string) bool {
	segs := strings.Split(name, "/")
	width := strings.Count(pattern, "/") + 1
	for i := 0; i+width <= len(segs); i++ {
		if ok, _ := path.Match(pattern, strings.Join(segs[i:i+width], "/")); ok {
			return true
		}
	}
	return false
}

// Summary totals a mirror run.
type Summary struct {
	Add          int `json:"add"`
	Change       int `json:"change"`
	Remove       int `json:"remove"`
	BytesAdded   int `json:"bytesAdded"`
	BytesRemoved int `json:"bytesRemoved"`
}

// Record adds d to the totals.
func (s *Summary) Record(d Diff) {
	switch d.Op {
	case OpAdd:
		s.Add++
	case OpChange:
		s.Change++
	case OpRemove:
		s.Remove++
	}
	s.BytesAdded += d.BytesAdded
	s.BytesRemoved += d.BytesRemoved
}

// Changed reports whether anything differed.
func (s Summary) Changed() bool {
	return s.Add+s.Change+s.Remove > 0
}
