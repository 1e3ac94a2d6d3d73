// Package bundle manages the lifecycle of one application drive: opening,
// checkout resolution, replication, update watching and teardown.
package bundle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/linker"
	"github.com/roach88/pear/internal/swarm"
)

// Drive metadata keys.
const (
	KeyManifest        = "manifest"
	KeyChannel         = "channel"
	KeyRelease         = "release"
	KeyPlatformVersion = "platformVersion"
	KeyWarmup          = "warmup"
)

// Update is passed to UpdateNotify alongside the new version.
type Update struct {
	Link string            `json:"link"`
	Diff []drive.DiffEntry `json:"diff,omitempty"`
}

// Options configures a Bundle.
type Options struct {
	Corestore *drive.Corestore

	// Key addresses the drive. With no Key and no Namespace the bundle is
	// local and reads Dir from the filesystem.
	Key []byte
	// Namespace opens the corestore namespace instead of a key. Used by
	// stage.
	Namespace string
	Dir       string

	Channel  string
	Checkout Checkout
	Truncate *uint64
	// Stage keeps the live writable session; Calibrate must not be called.
	Stage bool

	EncryptionKey *memguard.LockedBuffer

	Swarm      swarm.Swarm
	Replicator ReplicatorOptions

	// UpdateNotify, when set, is called for every version change. With
	// UpdatesDiff every mutation is reported with its diff; otherwise only
	// release pointer advances are.
	UpdateNotify func(drive.Version, Update)
	UpdatesDiff  bool

	// Failure is called by Fatal before the bundle closes.
	Failure func(error)

	Linker *linker.Linker
	Logger *slog.Logger
}

// Calibration is what Calibrate resolved from drive metadata.
type Calibration struct {
	Release         uint64         `json:"release"`
	Channel         string         `json:"channel"`
	PlatformVersion *drive.Version `json:"platformVersion,omitempty"`
	Version         drive.Version  `json:"version"`
}

// Bundle is one drive in use by the platform.
//
// Lifecycle: Ready opens the drive, Calibrate pins the read checkout, Close
// tears everything down. Close is idempotent.
type Bundle struct {
	opts   Options
	logger *slog.Logger
	linker *linker.Linker

	readyOnce sync.Once
	readyErr  error

	mu         sync.Mutex
	live       *drive.Drive
	checkout   *drive.Drive
	local      *drive.Localdrive
	replicator *Replicator
	link       string
	current    uint64
	batch      *drive.Batch
	calibrated *Calibration
	watcher    *drive.Watcher
	watchDone  chan struct{}
	closed     bool

	inflight sync.WaitGroup
}

// New creates a bundle. Nothing is opened until Ready.
func New(opts Options) *Bundle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Linker == nil {
		opts.Linker = linker.New(linker.Options{Logger: opts.Logger})
	}
	return &Bundle{opts: opts, logger: opts.Logger, linker: opts.Linker}
}

// Local reports whether the bundle reads from the filesystem.
func (b *Bundle) Local() bool {
	return b.opts.Key == nil && b.opts.Namespace == ""
}

// Ready opens the drive. It is idempotent: later calls return the first
// outcome. Open failures are ERR_OPEN and fatal to the bundle; a missing or
// wrong encryption key surfaces as drive.ErrDecode.
func (b *Bundle) Ready(ctx context.Context) error {
	b.readyOnce.Do(func() {
		b.readyErr = b.ready(ctx)
	})
	return b.readyErr
}

func (b *Bundle) ready(ctx context.Context) error {
	if b.Local() {
		dir, err := filepath.Abs(b.opts.Dir)
		if err != nil {
			return errs.Wrap(errs.ErrInvalidProjectDir, "resolve project dir", err)
		}
		b.mu.Lock()
		b.local = drive.NewLocaldrive(dir)
		b.link = "file://" + filepath.ToSlash(dir)
		b.mu.Unlock()
		return nil
	}

	if b.opts.Corestore == nil {
		return errs.Internal("bundle: corestore is required")
	}
	d, err := b.open()
	if err != nil {
		openErr := errs.Open("open drive", err)
		b.Fatal(openErr)
		return openErr
	}
	if err := d.Ready(ctx); err != nil {
		d.Close()
		if errors.Is(err, drive.ErrDecode) {
			return err
		}
		openErr := errs.Open("drive ready", err)
		b.Fatal(openErr)
		return openErr
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		d.Close()
		return drive.ErrClosed
	}
	b.live = d
	b.current = d.Length()
	b.link = "pear://" + d.HexKey()
	b.replicator = NewReplicator(d, withLogger(b.opts.Replicator, b.logger))
	b.mu.Unlock()

	if b.opts.Truncate != nil && d.Writable() {
		if err := d.Truncate(ctx, *b.opts.Truncate); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	if b.opts.Channel != "" && d.Writable() {
		var channel string
		err := d.GetJSON(ctx, KeyChannel, &channel)
		if err != nil && !errors.Is(err, drive.ErrNotFound) {
			return err
		}
		if channel != b.opts.Channel {
			if err := d.PutJSON(ctx, KeyChannel, b.opts.Channel); err != nil {
				return fmt.Errorf("set channel: %w", err)
			}
		}
	}
	return nil
}

func withLogger(opts ReplicatorOptions, logger *slog.Logger) ReplicatorOptions {
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return opts
}

func (b *Bundle) open() (*drive.Drive, error) {
	opts := drive.OpenOptions{EncryptionKey: b.opts.EncryptionKey}
	if b.opts.Namespace != "" {
		return b.opts.Corestore.OpenNamespace(b.opts.Namespace, opts)
	}
	return b.opts.Corestore.Open(b.opts.Key, opts)
}

// Link is the bundle's URI: pear://<key> or file://<dir>.
func (b *Bundle) Link() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// Drive returns the live session, or nil for local bundles.
func (b *Bundle) Drive() *drive.Drive {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Store returns what the bundle reads from: the checkout once calibrated,
// the live drive before that, or the local directory.
func (b *Bundle) Store() drive.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.local != nil:
		return b.local
	case b.checkout != nil:
		return b.checkout
	case b.live != nil:
		return b.live
	}
	return nil
}

// Key returns the hex drive key, or "" for local bundles.
func (b *Bundle) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live == nil {
		return ""
	}
	return b.live.HexKey()
}

// DiscoveryKey returns the hex discovery key, or "" for local bundles.
func (b *Bundle) DiscoveryKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live == nil {
		return ""
	}
	return b.live.HexDiscoveryKey()
}

// Current is the drive length observed when the bundle opened.
func (b *Bundle) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Version is the version the bundle reads at.
func (b *Bundle) Version() drive.Version {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.checkout != nil:
		return b.checkout.Version()
	case b.live != nil:
		return b.live.Version()
	}
	return drive.Version{}
}

// Calibrate resolves the read checkout, release, channel and platform
// version from drive metadata. Repeated calls return the first result.
func (b *Bundle) Calibrate(ctx context.Context) (*Calibration, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, drive.ErrClosed
	}
	if b.calibrated != nil {
		c := *b.calibrated
		b.mu.Unlock()
		return &c, nil
	}
	live := b.live
	b.mu.Unlock()

	if b.opts.Stage {
		return nil, errors.New("bundle: staging bundles are not calibrated")
	}
	if live == nil {
		c := &Calibration{Channel: b.opts.Channel}
		b.mu.Lock()
		b.calibrated = c
		b.mu.Unlock()
		return c, nil
	}

	if live.Length() == 0 {
		if err := live.Update(ctx); err != nil {
			b.logger.Debug("initial update failed", "key", live.HexKey(), "error", err)
		}
	}

	cal := &Calibration{}
	err := live.GetJSON(ctx, KeyRelease, &cal.Release)
	if err != nil && !errors.Is(err, drive.ErrNotFound) {
		return nil, err
	}

	var length uint64
	switch b.opts.Checkout.Mode {
	case CheckoutRelease:
		length = cal.Release
		if length == 0 {
			length = live.Length()
		}
	case CheckoutLatest:
		length = live.Length()
	case CheckoutLength:
		length = b.opts.Checkout.Length
		if length > live.Length() {
			if err := live.Update(ctx); err != nil {
				b.logger.Debug("update for checkout failed", "key", live.HexKey(), "error", err)
			}
		}
		if tip := live.Length(); length > tip {
			return nil, errs.InvalidInput(fmt.Sprintf("checkout %d is beyond drive length %d", length, tip)).
				With("checkout", length).With("length", tip)
		}
	}

	co, err := live.Checkout(length)
	if err != nil {
		return nil, err
	}

	if err := co.GetJSON(ctx, KeyChannel, &cal.Channel); err != nil && !errors.Is(err, drive.ErrNotFound) {
		co.Close()
		return nil, err
	}
	if cal.Channel == "" {
		cal.Channel = b.opts.Channel
	}
	var pv drive.Version
	switch err := co.GetJSON(ctx, KeyPlatformVersion, &pv); {
	case err == nil:
		cal.PlatformVersion = &pv
	case !errors.Is(err, drive.ErrNotFound):
		co.Close()
		return nil, err
	}
	cal.Version = co.Version()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		co.Close()
		return nil, drive.ErrClosed
	}
	if b.calibrated != nil {
		// Lost a race with a concurrent Calibrate.
		c := *b.calibrated
		b.mu.Unlock()
		co.Close()
		return &c, nil
	}
	b.checkout = co
	b.calibrated = cal
	b.mu.Unlock()

	b.prefetch(ctx, co)
	if b.opts.UpdateNotify != nil {
		if err := b.watch(live, length); err != nil {
			return nil, err
		}
	}
	out := *cal
	return &out, nil
}

// prefetch reads the files named by the warmup hint so they are local
// before the app asks for them. Failures are ignored.
func (b *Bundle) prefetch(ctx context.Context, co *drive.Drive) {
	var w linker.Warmup
	if err := co.GetJSON(ctx, KeyWarmup, &w); err != nil {
		return
	}
	for _, f := range w.Files {
		if _, err := co.Get(ctx, f); err != nil {
			b.logger.Debug("warmup prefetch failed", "file", f, "error", err)
		}
	}
}

// Bundle resolves the module graph for entrypoint at the calibrated
// checkout.
func (b *Bundle) Bundle(ctx context.Context, entrypoint string) (*linker.Graph, error) {
	store := b.Store()
	if store == nil {
		return nil, errors.New("bundle: not ready")
	}
	g, err := b.linker.Bundle(ctx, store, entrypoint)
	if err != nil {
		return nil, err
	}
	g.Key = b.Key()
	return g, nil
}

// Warmup computes the warmup hint for entrypoints over the bundle's store.
func (b *Bundle) Warmup(ctx context.Context, entrypoints []string) (*linker.Warmup, error) {
	store := b.Store()
	if store == nil {
		return nil, errors.New("bundle: not ready")
	}
	return b.linker.Warmup(ctx, store, entrypoints)
}

// Join replicates the drive on the configured swarm. No-op for local
// bundles or without a swarm.
func (b *Bundle) Join(ctx context.Context, opts JoinOptions) error {
	b.mu.Lock()
	r := b.replicator
	b.mu.Unlock()
	if r == nil || b.opts.Swarm == nil {
		return nil
	}
	return r.Join(ctx, b.opts.Swarm, opts)
}

// Leave stops replicating. No-op when not joined.
func (b *Bundle) Leave() error {
	b.mu.Lock()
	r := b.replicator
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Leave()
}

// Peers lists the other members of the drive's topic.
func (b *Bundle) Peers() []swarm.PeerInfo {
	dkey := b.DiscoveryKey()
	if dkey == "" || b.opts.Swarm == nil {
		return nil
	}
	return b.opts.Swarm.Peers(dkey)
}

// Put queues a write in the bundle's batch. Writes are committed by Flush
// or when the bundle closes.
func (b *Bundle) Put(ctx context.Context, name string, value []byte) error {
	batch, err := b.writeBatch()
	if err != nil {
		return err
	}
	defer b.inflight.Done()
	return batch.Put(ctx, name, value)
}

// Del queues a delete in the bundle's batch.
func (b *Bundle) Del(ctx context.Context, name string) error {
	batch, err := b.writeBatch()
	if err != nil {
		return err
	}
	defer b.inflight.Done()
	return batch.Del(ctx, name)
}

// Flush commits queued writes as one mutation.
func (b *Bundle) Flush(ctx context.Context) (drive.Version, error) {
	b.mu.Lock()
	batch := b.batch
	b.mu.Unlock()
	if batch == nil {
		return b.Version(), nil
	}
	return batch.Flush(ctx)
}

// writeBatch returns the shared batch and registers an in-flight write the
// caller must mark done.
func (b *Bundle) writeBatch() (*drive.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, drive.ErrClosed
	}
	if b.live == nil || !b.live.Writable() {
		return nil, drive.ErrReadOnly
	}
	if b.batch == nil {
		b.batch = b.live.Batch()
	}
	b.inflight.Add(1)
	return b.batch, nil
}

// drain flushes until no writes are outstanding. Flushing can race with
// writers still queueing, so it loops until the batch stays empty.
func (b *Bundle) drain(ctx context.Context) error {
	b.mu.Lock()
	batch := b.batch
	b.mu.Unlock()
	if batch == nil {
		return nil
	}
	for {
		b.inflight.Wait()
		if batch.Len() == 0 {
			return nil
		}
		if _, err := batch.Flush(ctx); err != nil {
			return err
		}
	}
}

// Fatal reports err through the failure callback and closes the bundle.
// The bundle closes even if the callback panics.
func (b *Bundle) Fatal(err error) {
	defer func() {
		if cerr := b.Close(); cerr != nil {
			b.logger.Debug("close after fatal", "error", cerr)
		}
	}()
	b.logger.Debug("bundle fatal", "link", b.Link(), "error", err)
	if b.opts.Failure != nil {
		b.opts.Failure(err)
	}
}

// Closed reports whether Close has run.
func (b *Bundle) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the update watch, leaves the swarm, drains pending writes and
// closes the drive sessions. Later calls are no-ops.
func (b *Bundle) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watcher, watchDone := b.watcher, b.watchDone
	replicator := b.replicator
	live, co := b.live, b.checkout
	b.mu.Unlock()

	if watcher != nil {
		watcher.Close()
		<-watchDone
	}
	var errList []error
	if replicator != nil {
		errList = append(errList, replicator.Close())
	}
	if live != nil && live.Writable() {
		errList = append(errList, b.drain(context.Background()))
	}
	if co != nil {
		errList = append(errList, co.Close())
	}
	if live != nil {
		errList = append(errList, live.Close())
	}
	return errors.Join(errList...)
}

// HexKey decodes a hex drive key.
func HexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != 32 {
		return nil, drive.ErrInvalidKey
	}
	return key, nil
}
