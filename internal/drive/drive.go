package drive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/gowebpki/jcs"
)

// Store is the file-level surface shared by drives and local directories.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, value []byte) error
	Del(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Drive is a session over one core. A live session follows the core's tip;
// a checkout is pinned at a length and never changes.
type Drive struct {
	cs       *Corestore
	core     *core
	enc      *memguard.LockedBuffer
	writable bool
	pinned   bool
	length   uint64

	mu       sync.Mutex
	closed   bool
	paused   bool
	watchers []*Watcher
}

var _ Store = (*Drive)(nil)

func newDrive(cs *Corestore, c *core, enc *memguard.LockedBuffer, writable bool) *Drive {
	return &Drive{cs: cs, core: c, enc: enc, writable: writable}
}

// Ready verifies the session can decode the core. A writable session with
// an encryption key on an empty core turns encryption on.
func (d *Drive) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}

	info := d.core.replicaInfo()
	key := d.encKey()
	if info.Encrypted {
		if !checkMatches(key, d.core.dkey, info.Check) {
			return ErrDecode
		}
		return nil
	}
	if d.writable && key != nil && info.Length == 0 {
		if len(key) != EncryptionKeySize {
			return fmt.Errorf("encryption key must be %d bytes", EncryptionKeySize)
		}
		return d.core.setEncryption(key)
	}
	return nil
}

// Key returns the drive's public key.
func (d *Drive) Key() []byte { return append([]byte{}, d.core.key...) }

// HexKey returns the hex encoded public key.
func (d *Drive) HexKey() string { return d.core.hexKey }

// DiscoveryKey returns the swarm topic for this drive.
func (d *Drive) DiscoveryKey() []byte { return append([]byte{}, d.core.dkey...) }

// HexDiscoveryKey returns the hex encoded discovery key.
func (d *Drive) HexDiscoveryKey() string { return hex.EncodeToString(d.core.dkey) }

// AnnounceKey returns the public key this corestore announces the drive
// under. It is derived from the corestore seed, so it is the same across
// sessions and restarts.
func (d *Drive) AnnounceKey() []byte {
	return d.cs.KeyFor("announce~" + d.core.hexKey)
}

// Writable reports whether this session may mutate the drive.
func (d *Drive) Writable() bool { return d.writable && !d.pinned }

// Checkedout reports whether this session is pinned.
func (d *Drive) Checkedout() bool { return d.pinned }

// Encrypted reports whether the core is encrypted.
func (d *Drive) Encrypted() bool { return d.core.replicaInfo().Encrypted }

// Version returns the session's current version.
func (d *Drive) Version() Version {
	v := d.core.snapshot()
	if d.pinned {
		v.Length = d.length
	}
	return v
}

// Length is shorthand for Version().Length.
func (d *Drive) Length() uint64 { return d.Version().Length }

func (d *Drive) currentLength() uint64 {
	if d.pinned {
		return d.length
	}
	return d.core.snapshot().Length
}

func (d *Drive) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Drive) encKey() []byte {
	if d.enc == nil || !d.enc.IsAlive() {
		return nil
	}
	return d.enc.Bytes()
}

// Get returns the value of name at the session's length.
func (d *Drive) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.isClosed() {
		return nil, ErrClosed
	}
	ent, seq, err := d.core.lookup(name, d.currentLength())
	if err != nil {
		return nil, err
	}
	if ent.Op == opDel {
		return nil, ErrNotFound
	}
	if !d.core.replicaInfo().Encrypted {
		return ent.Value, nil
	}
	key := d.encKey()
	if key == nil {
		return nil, ErrDecode
	}
	return open(key, d.core.dkey, ent.Fork, seq, ent.Value)
}

// GetJSON decodes the JSON value of name into v.
func (d *Drive) GetJSON(ctx context.Context, name string, v any) error {
	raw, err := d.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Put writes name as a single mutation.
func (d *Drive) Put(ctx context.Context, name string, value []byte) error {
	_, err := d.apply(ctx, []op{{op: opPut, name: name, value: value}})
	return err
}

// PutJSON writes v as canonical (RFC 8785) JSON so equal values always
// produce identical entries.
func (d *Drive) PutJSON(ctx context.Context, name string, v any) error {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return d.Put(ctx, name, raw)
}

// Del deletes name as a single mutation.
func (d *Drive) Del(ctx context.Context, name string) error {
	_, err := d.apply(ctx, []op{{op: opDel, name: name}})
	return err
}

func (d *Drive) apply(ctx context.Context, ops []op) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	if d.isClosed() {
		return Version{}, ErrClosed
	}
	if !d.Writable() {
		return Version{}, ErrReadOnly
	}
	for _, o := range ops {
		if err := validName(o.name); err != nil {
			return Version{}, err
		}
	}
	v, err := d.core.commit(d.encKey(), ops)
	if err != nil {
		return Version{}, err
	}
	d.core.emit(ActivityAppend)
	return v, nil
}

// List returns the names under prefix at the session's length, sorted.
func (d *Drive) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.isClosed() {
		return nil, ErrClosed
	}
	return d.core.list(prefix, d.currentLength())
}

// Checkout returns a read-only session pinned at length. The checkout owns
// its own copy of the encryption key and must be closed separately. A length
// past the core's current length fails with ErrOutOfRange.
func (d *Drive) Checkout(length uint64) (*Drive, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	if length > d.core.snapshot().Length {
		return nil, ErrOutOfRange
	}
	var enc *memguard.LockedBuffer
	if key := d.encKey(); key != nil {
		enc = memguard.NewBufferFromBytes(append([]byte{}, key...))
	}
	return &Drive{
		cs:     d.cs,
		core:   d.core,
		enc:    enc,
		pinned: true,
		length: length,
	}, nil
}

// Truncate rewrites history down to length, bumping the fork.
func (d *Drive) Truncate(ctx context.Context, length uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.Writable() {
		return ErrReadOnly
	}
	_, err := d.core.truncate(length)
	return err
}

// Update asks connected peers for a newer version. It is a no-op for drives
// that are not replicating.
func (d *Drive) Update(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}
	d.core.emit(ActivityWait)
	return d.core.update(ctx)
}

// Watch returns a watcher over every subsequent mutation of the core.
// Watchers are closed with the session.
func (d *Drive) Watch() (*Watcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if d.pinned {
		return nil, errors.New("drive: cannot watch a checkout")
	}
	w := newWatcher()
	w.remove = func() { d.core.removeWatcher(w) }
	d.core.addWatcher(w)
	d.watchers = append(d.watchers, w)
	return w, nil
}

// OnActivity registers fn for core activity (wait, download, append).
func (d *Drive) OnActivity(fn func(Activity)) (remove func()) {
	return d.core.onActivity(fn)
}

// AddUpdater registers a function Update uses to pull from peers.
func (d *Drive) AddUpdater(fn func(context.Context) error) (remove func()) {
	return d.core.addUpdater(fn)
}

// Pause stops serving through this session. Other sessions on the same
// core keep their own serving state.
func (d *Drive) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume serves through this session again.
func (d *Drive) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}

// Serving reports whether peers may download through this session.
func (d *Drive) Serving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.paused
}

// ReplicaInfo returns what this core advertises to peers.
func (d *Drive) ReplicaInfo() ReplicaInfo { return d.core.replicaInfo() }

// Export returns raw entries in [from, to) for replication.
func (d *Drive) Export(from, to uint64) ([][]byte, error) {
	return d.core.export(from, to)
}

// Absorb applies entries from a peer. Returns whether anything changed.
func (d *Drive) Absorb(info ReplicaInfo, start uint64, raws [][]byte) (bool, error) {
	changed, err := d.core.absorb(info, start, raws)
	if err != nil || !changed {
		return changed, err
	}
	d.core.emit(ActivityDownload)
	return true, nil
}

// Close ends the session: its watchers are destroyed and its encryption key
// wiped. The core stays open for other sessions. Safe to call more than once.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	watchers := d.watchers
	d.watchers = nil
	d.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	if d.enc != nil {
		d.enc.Destroy()
	}
	return nil
}

// CanonicalJSON encodes v as RFC 8785 canonical JSON.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
