// Package state derives an application's run configuration from its link,
// flags and manifest.
package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
)

// Flags are the run flags a client passes to start.
type Flags struct {
	Dev           bool   `json:"dev,omitempty"`
	Trusted       bool   `json:"trusted,omitempty"`
	Checkout      string `json:"checkout,omitempty"`
	Store         string `json:"store,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
	Detached      bool   `json:"detached,omitempty"`
	Unsafe        bool   `json:"unsafeClearAppStorage,omitempty"`
}

// Params is what a start request carries.
type Params struct {
	Link    string
	Dir     string
	Cwd     string
	Args    []string
	Env     map[string]string
	Flags   Flags
	Aliases map[string]string
	// AppStorage is the platform's app-storage directory.
	AppStorage string
}

// State is an application's derived run configuration.
type State struct {
	Link  *Link             `json:"-"`
	Key   string            `json:"key,omitempty"`
	Dkey  string            `json:"dkey,omitempty"`
	Dir   string            `json:"dir"`
	Cwd   string            `json:"cwd"`
	Flags Flags             `json:"flags"`
	Args  []string          `json:"args,omitempty"`
	Env   map[string]string `json:"-"`

	Name         string            `json:"name"`
	Main         string            `json:"main"`
	Options      Options           `json:"options"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Release      uint64            `json:"release,omitempty"`
	Storage      string            `json:"storage"`
	Version      drive.Version     `json:"version"`
	Entrypoint   string            `json:"entrypoint"`
	Checkpoint   json.RawMessage   `json:"checkpoint,omitempty"`

	appStorage  string
	initialized bool
}

// New parses the link and resolves directories. The manifest is read later
// by Initialize, once the drive is open.
func New(p Params) (*State, error) {
	cwd := p.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cwd = wd
	}
	raw := p.Link
	if raw == "" {
		raw = p.Dir
	}
	if raw == "" {
		raw = cwd
	}
	link, err := ParseLink(raw, p.Aliases)
	if err != nil {
		return nil, err
	}

	s := &State{
		Link:       link,
		Cwd:        cwd,
		Flags:      p.Flags,
		Args:       p.Args,
		Env:        p.Env,
		appStorage: p.AppStorage,
	}
	if link.IsFile() {
		dir := link.Pathname
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cwd, dir)
		}
		s.Dir = filepath.Clean(dir)
		s.Flags.Dev = true
	} else {
		s.Key = link.HexKey()
		s.Dkey = hex.EncodeToString(drive.DiscoveryKey(link.Key))
		s.Dir = p.Dir
		if s.Dir == "" {
			s.Dir = cwd
		}
	}
	return s, nil
}

// Local reports whether the app runs from a directory.
func (s *State) Local() bool { return s.Key == "" }

// InitOptions carries what the opened bundle resolved.
type InitOptions struct {
	// Store is where package.json is read from.
	Store   drive.Store
	Version drive.Version
	Channel string
	Release uint64
}

// Initialize reads and validates the manifest and derives the remaining
// fields. Calling it again with the same inputs yields the same state.
func (s *State) Initialize(ctx context.Context, opts InitOptions) error {
	raw, err := opts.Store.Get(ctx, "/package.json")
	if errors.Is(err, drive.ErrNotFound) {
		if s.Local() {
			return errs.New(errs.ErrInvalidProjectDir, fmt.Sprintf("no package.json in %s", s.Dir)).With("dir", s.Dir)
		}
		return errs.InvalidManifest("drive has no package.json", err)
	}
	if err != nil {
		return err
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return err
	}

	s.Name = m.Name
	s.Main = m.EntrypointMain()
	s.Options = m.Pear
	s.Dependencies = m.Dependencies
	s.Version = opts.Version
	s.Release = opts.Release
	s.Channel = opts.Channel
	if s.Channel == "" {
		s.Channel = m.Pear.Channel
	}

	s.Entrypoint = "/" + strings.TrimPrefix(path.Clean("/"+s.Main), "/")
	if p := s.Link.Pathname; !s.Link.IsFile() && p != "" && p != "/" {
		s.Entrypoint = path.Clean(p)
	}

	if err := s.resolveStorage(); err != nil {
		return err
	}
	s.Checkpoint, err = ReadCheckpoint(s.CheckpointPath())
	if err != nil {
		return err
	}
	s.initialized = true
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *State) Initialized() bool { return s.initialized }

func (s *State) resolveStorage() error {
	switch {
	case s.Flags.Store != "":
		store := s.Flags.Store
		if !filepath.IsAbs(store) {
			store = filepath.Join(s.Cwd, store)
		}
		s.Storage = filepath.Clean(store)
	case s.Local():
		s.Storage = filepath.Join(s.appStorage, "by-name", s.Name)
	default:
		s.Storage = filepath.Join(s.appStorage, "by-dkey", s.Dkey)
	}
	if s.Local() && within(s.Storage, s.Dir) {
		return errs.New(errs.ErrInvalidAppStorage, "application storage must not be inside the project directory").
			With("storage", s.Storage).With("dir", s.Dir)
	}
	return nil
}

func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// CheckpointPath is where the app's last checkpoint is persisted.
func (s *State) CheckpointPath() string {
	return filepath.Join(s.Storage, "checkpoint")
}

// ReadCheckpoint reads a checkpoint file; a missing file is no checkpoint.
func ReadCheckpoint(p string) (json.RawMessage, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("read checkpoint %s: not valid JSON", p)
	}
	return data, nil
}

// Minver returns the platform version the app requires, if it is ahead of
// platform. A minver for a different platform key is logged and ignored.
func (s *State) Minver(platform drive.Version, logger *slog.Logger) (drive.Version, bool) {
	mv := s.Options.Minver
	if mv == nil {
		return drive.Version{}, false
	}
	if mv.Key != platform.Key {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("minver key does not match platform key, ignoring",
			"app", s.Name, "minver", mv.String(), "platform", platform.Key)
		return drive.Version{}, false
	}
	if mv.Compare(platform) <= 0 {
		return drive.Version{}, false
	}
	return *mv, true
}
