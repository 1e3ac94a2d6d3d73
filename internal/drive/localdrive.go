package drive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Localdrive exposes a directory through the Store interface. Names are
// slash-separated paths rooted at the directory ("/index.js").
type Localdrive struct {
	root string
}

var _ Store = (*Localdrive)(nil)

// NewLocaldrive returns a Localdrive rooted at dir.
func NewLocaldrive(dir string) *Localdrive {
	return &Localdrive{root: filepath.Clean(dir)}
}

// Root returns the directory path.
func (l *Localdrive) Root() string { return l.root }

func (l *Localdrive) path(name string) (string, error) {
	if !strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("local name %q must start with /", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	p := filepath.Join(l.root, clean)
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("local name %q escapes %s", name, l.root)
	}
	return p, nil
}

func (l *Localdrive) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && fi.IsDir()) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (l *Localdrive) Put(ctx context.Context, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, value, 0o644)
}

func (l *Localdrive) Del(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List walks the directory and returns every regular file under prefix.
// A missing root lists as empty.
func (l *Localdrive) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == l.root {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.root, err)
	}
	sort.Strings(names)
	return names, nil
}
