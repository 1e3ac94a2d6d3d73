package drive

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const (
	opPut = "put"
	opDel = "del"
)

// Activity kinds reported to OnActivity hooks.
const (
	ActivityWait     = "wait"
	ActivityDownload = "download"
	ActivityAppend   = "append"
)

// Activity describes something that happened to a core.
type Activity struct {
	Kind    string
	Version Version
}

// DiffEntry names one key touched by a mutation.
type DiffEntry struct {
	Type string `json:"type"` // put | del | truncate
	Key  string `json:"key"`
}

// Change is delivered to watchers once per mutation, in mutation order.
type Change struct {
	Version Version     `json:"version"`
	Diff    []DiffEntry `json:"diff"`
}

// ReplicaInfo is what a core advertises to replication peers.
type ReplicaInfo struct {
	Length    uint64
	Fork      uint64
	Encrypted bool
	Check     []byte
}

type entry struct {
	Op    string `json:"op"`
	Name  string `json:"name"`
	Value []byte `json:"value,omitempty"`
	Fork  uint64 `json:"fork"`
}

type op struct {
	op    string
	name  string
	value []byte
}

type coreMeta struct {
	Length    uint64 `json:"length"`
	Fork      uint64 `json:"fork"`
	Encrypted bool   `json:"encrypted"`
	Check     []byte `json:"check,omitempty"`
}

// core is the state shared by every session on one key.
type core struct {
	cs     *Corestore
	key    []byte
	hexKey string
	dkey   []byte

	mu        sync.Mutex
	length    uint64
	fork      uint64
	encrypted bool
	check     []byte
	secret    ed25519.PrivateKey
	watchers  map[*Watcher]struct{}
	hooks     map[uint64]func(Activity)
	updaters  map[uint64]func(context.Context) error
	nextID    uint64
}

func loadCore(cs *Corestore, key []byte) (*core, error) {
	c := &core{
		cs:       cs,
		key:      append([]byte{}, key...),
		hexKey:   hex.EncodeToString(key),
		dkey:     DiscoveryKey(key),
		watchers: make(map[*Watcher]struct{}),
		hooks:    make(map[uint64]func(Activity)),
		updaters: make(map[uint64]func(context.Context) error),
	}
	err := cs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.metaKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var meta coreMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode core meta: %w", err)
		}
		c.length = meta.Length
		c.fork = meta.Fork
		c.encrypted = meta.Encrypted
		c.check = meta.Check
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load core %s: %w", c.hexKey, err)
	}
	return c, nil
}

func (c *core) base() string { return "c/" + c.hexKey + "/" }

func (c *core) metaKey() []byte { return []byte(c.base() + "meta") }

func (c *core) entryPrefix() []byte { return []byte(c.base() + "e/") }

func (c *core) entryKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(c.entryPrefix(), seq)
}

func (c *core) indexBase() []byte { return []byte(c.base() + "k/") }

func (c *core) indexPrefix(name string) []byte {
	return []byte(c.base() + "k/" + name + "\x00")
}

func (c *core) indexKey(name string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(c.indexPrefix(name), seq)
}

// version must be called with c.mu held.
func (c *core) version() Version {
	return Version{Key: c.hexKey, Length: c.length, Fork: c.fork}
}

func (c *core) snapshot() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version()
}

// metaLocked must be called with c.mu held.
func (c *core) metaLocked(length, fork uint64) ([]byte, error) {
	return json.Marshal(coreMeta{
		Length:    length,
		Fork:      fork,
		Encrypted: c.encrypted,
		Check:     c.check,
	})
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid entry name %q", name)
	}
	return nil
}

func decodeEntry(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// lookup finds the newest entry for name below length.
func (c *core) lookup(name string, length uint64) (entry, uint64, error) {
	if length == 0 {
		return entry{}, 0, ErrNotFound
	}
	prefix := c.indexPrefix(name)
	seek := binary.BigEndian.AppendUint64(append([]byte{}, prefix...), length-1)

	var (
		ent   entry
		seq   uint64
		found bool
	)
	err := c.cs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		k := it.Item().Key()
		seq = binary.BigEndian.Uint64(k[len(k)-8:])

		item, err := txn.Get(c.entryKey(seq))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ent, err = decodeEntry(raw)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return entry{}, 0, fmt.Errorf("lookup %s: %w", name, err)
	}
	if !found {
		return entry{}, 0, ErrNotFound
	}
	return ent, seq, nil
}

// list returns the live names under prefix at length, sorted.
func (c *core) list(prefix string, length uint64) ([]string, error) {
	base := c.indexBase()
	scan := append(append([]byte{}, base...), prefix...)

	var names []string
	err := c.cs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = scan
		it := txn.NewIterator(opts)
		defer it.Close()

		var (
			current string
			latest  uint64
			have    bool
		)
		flush := func() error {
			if !have {
				return nil
			}
			item, err := txn.Get(c.entryKey(latest))
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ent, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			if ent.Op == opPut {
				names = append(names, current)
			}
			return nil
		}

		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			k := it.Item().Key()
			rest := k[len(base):]
			if len(rest) < 9 {
				continue
			}
			name := string(rest[:len(rest)-9])
			seq := binary.BigEndian.Uint64(rest[len(rest)-8:])
			if name != current {
				if err := flush(); err != nil {
					return err
				}
				current, have = name, false
			}
			if seq < length {
				latest, have = seq, true
			}
		}
		return flush()
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return names, nil
}

// commit appends ops as a single mutation.
func (c *core) commit(encKey []byte, ops []op) (Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ops) == 0 {
		return c.version(), nil
	}
	if c.encrypted && encKey == nil {
		return Version{}, ErrDecode
	}

	start := c.length
	err := c.cs.db.Update(func(txn *badger.Txn) error {
		for i, o := range ops {
			seq := start + uint64(i)
			value := o.value
			if c.encrypted && o.op == opPut {
				sealed, err := seal(encKey, c.dkey, c.fork, seq, value)
				if err != nil {
					return err
				}
				value = sealed
			}
			raw, err := json.Marshal(entry{Op: o.op, Name: o.name, Value: value, Fork: c.fork})
			if err != nil {
				return err
			}
			if err := txn.Set(c.entryKey(seq), raw); err != nil {
				return err
			}
			if err := txn.Set(c.indexKey(o.name, seq), nil); err != nil {
				return err
			}
		}
		meta, err := c.metaLocked(start+uint64(len(ops)), c.fork)
		if err != nil {
			return err
		}
		return txn.Set(c.metaKey(), meta)
	})
	if err != nil {
		return Version{}, fmt.Errorf("append: %w", err)
	}
	c.length = start + uint64(len(ops))

	diff := make([]DiffEntry, 0, len(ops))
	index := make(map[string]int, len(ops))
	for _, o := range ops {
		if i, ok := index[o.name]; ok {
			diff[i].Type = o.op
			continue
		}
		index[o.name] = len(diff)
		diff = append(diff, DiffEntry{Type: o.op, Key: o.name})
	}
	v := c.version()
	c.publishLocked(Change{Version: v, Diff: diff})
	return v, nil
}

// setEncryption marks an empty core as encrypted with encKey.
func (c *core) setEncryption(encKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encrypted || c.length > 0 {
		return nil
	}
	c.encrypted = true
	c.check = encryptionCheck(encKey, c.dkey)
	meta, err := c.metaLocked(c.length, c.fork)
	if err != nil {
		return err
	}
	return c.cs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.metaKey(), meta)
	})
}

// truncate drops every entry at or above length and bumps the fork.
func (c *core) truncate(length uint64) (Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if length > c.length {
		return Version{}, fmt.Errorf("truncate: length %d beyond core length %d", length, c.length)
	}
	if length == c.length {
		return c.version(), nil
	}

	var diff []DiffEntry
	err := c.cs.db.Update(func(txn *badger.Txn) error {
		for seq := length; seq < c.length; seq++ {
			key := c.entryKey(seq)
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ent, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(c.indexKey(ent.Name, seq)); err != nil {
				return err
			}
			diff = append(diff, DiffEntry{Type: "truncate", Key: ent.Name})
		}
		meta, err := c.metaLocked(length, c.fork+1)
		if err != nil {
			return err
		}
		return txn.Set(c.metaKey(), meta)
	})
	if err != nil {
		return Version{}, fmt.Errorf("truncate: %w", err)
	}
	c.length = length
	c.fork++

	v := c.version()
	c.publishLocked(Change{Version: v, Diff: diff})
	return v, nil
}

func (c *core) replicaInfo() ReplicaInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReplicaInfo{
		Length:    c.length,
		Fork:      c.fork,
		Encrypted: c.encrypted,
		Check:     append([]byte{}, c.check...),
	}
}

// export returns raw entries in [from, to).
func (c *core) export(from, to uint64) ([][]byte, error) {
	var raws [][]byte
	err := c.cs.db.View(func(txn *badger.Txn) error {
		for seq := from; seq < to; seq++ {
			item, err := txn.Get(c.entryKey(seq))
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raws = append(raws, raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return raws, nil
}

// absorb applies entries downloaded from a peer. A higher remote fork
// replaces local history; stale or out-of-order batches are ignored.
func (c *core) absorb(info ReplicaInfo, start uint64, raws [][]byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reset := info.Fork != c.fork
	if reset && (info.Fork < c.fork || start != 0) {
		return false, nil
	}
	if !reset && start != c.length {
		return false, nil
	}
	if len(raws) == 0 && !reset {
		return false, nil
	}

	entries := make([]entry, len(raws))
	for i, raw := range raws {
		ent, err := decodeEntry(raw)
		if err != nil {
			return false, err
		}
		entries[i] = ent
	}

	var diff []DiffEntry
	err := c.cs.db.Update(func(txn *badger.Txn) error {
		if reset {
			for _, prefix := range [][]byte{c.entryPrefix(), c.indexBase()} {
				keys, err := collectKeys(txn, prefix)
				if err != nil {
					return err
				}
				for _, k := range keys {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
			}
		}
		for i, ent := range entries {
			seq := start + uint64(i)
			if err := txn.Set(c.entryKey(seq), raws[i]); err != nil {
				return err
			}
			if err := txn.Set(c.indexKey(ent.Name, seq), nil); err != nil {
				return err
			}
			diff = append(diff, DiffEntry{Type: ent.Op, Key: ent.Name})
		}
		if start == 0 {
			c.encrypted = info.Encrypted
			c.check = append([]byte{}, info.Check...)
		}
		meta, err := c.metaLocked(start+uint64(len(entries)), info.Fork)
		if err != nil {
			return err
		}
		return txn.Set(c.metaKey(), meta)
	})
	if err != nil {
		return false, fmt.Errorf("absorb: %w", err)
	}
	c.length = start + uint64(len(entries))
	c.fork = info.Fork

	c.publishLocked(Change{Version: c.version(), Diff: diff})
	return true, nil
}

func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// publishLocked must be called with c.mu held so changes reach every
// watcher in mutation order.
func (c *core) publishLocked(ch Change) {
	for w := range c.watchers {
		w.push(ch)
	}
}

func (c *core) addWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[w] = struct{}{}
}

func (c *core) removeWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, w)
}

func (c *core) closeWatchers() {
	c.mu.Lock()
	watchers := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
}

func (c *core) onActivity(fn func(Activity)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.hooks[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.hooks, id)
	}
}

func (c *core) addUpdater(fn func(context.Context) error) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.updaters[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.updaters, id)
	}
}

// emit runs activity hooks outside the core lock.
func (c *core) emit(kind string) {
	c.mu.Lock()
	a := Activity{Kind: kind, Version: c.version()}
	hooks := make([]func(Activity), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(a)
	}
}

func (c *core) update(ctx context.Context) error {
	c.mu.Lock()
	updaters := make([]func(context.Context) error, 0, len(c.updaters))
	for _, fn := range c.updaters {
		updaters = append(updaters, fn)
	}
	c.mu.Unlock()

	var errs []error
	for _, fn := range updaters {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
