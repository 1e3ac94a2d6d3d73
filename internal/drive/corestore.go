package drive

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
)

var primaryKeyName = []byte("primary")

func namespaceKey(hexKey string) []byte { return []byte("ns/" + hexKey) }

// CorestoreConfig configures the badger database backing a Corestore.
type CorestoreConfig struct {
	// Path is the directory for the database. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultCorestoreConfig returns a persistent configuration rooted at path.
func DefaultCorestoreConfig(path string) CorestoreConfig {
	return CorestoreConfig{Path: path, SyncWrites: true}
}

// InMemoryCorestoreConfig returns a configuration for tests.
func InMemoryCorestoreConfig() CorestoreConfig {
	return CorestoreConfig{InMemory: true}
}

// Corestore owns every core of one storage directory. Sessions opened on the
// same key share one core, so a writer's appends are immediately visible to
// (and watched by) every reader in the process.
type Corestore struct {
	db      *badger.DB
	primary []byte
	logger  *slog.Logger

	mu     sync.Mutex
	cores  map[string]*core
	closed bool
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenCorestore opens (creating if needed) the corestore described by cfg.
func OpenCorestore(cfg CorestoreConfig) (*Corestore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("corestore: path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create corestore directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open corestore: %w", err)
	}

	primary, err := loadPrimaryKey(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Corestore{
		db:      db,
		primary: primary,
		logger:  logger,
		cores:   make(map[string]*core),
	}, nil
}

func loadPrimaryKey(db *badger.DB) ([]byte, error) {
	var primary []byte
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(primaryKeyName)
		if err == nil {
			primary, err = item.ValueCopy(nil)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		primary = make([]byte, 32)
		if _, err := rand.Read(primary); err != nil {
			return err
		}
		return txn.Set(primaryKeyName, primary)
	})
	if err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	return primary, nil
}

// OpenOptions configures a new session.
type OpenOptions struct {
	// EncryptionKey decrypts (or, for a fresh writable core, encrypts) the
	// drive. Ownership moves to the session, which destroys it on Close.
	EncryptionKey *memguard.LockedBuffer
}

// Open opens a session on the drive with the given public key. The session
// is writable when the key belongs to a namespace of this corestore;
// otherwise it is read-only. Unknown keys yield an empty core that fills
// through replication.
func (cs *Corestore) Open(key []byte, opts OpenOptions) (*Drive, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	name, owned, err := cs.namespaceOf(hex.EncodeToString(key))
	if err != nil {
		return nil, err
	}
	if owned {
		return cs.OpenNamespace(name, opts)
	}
	c, err := cs.core(key)
	if err != nil {
		return nil, err
	}
	return newDrive(cs, c, opts.EncryptionKey, false), nil
}

func (cs *Corestore) namespaceOf(hexKey string) (string, bool, error) {
	var name string
	err := cs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(namespaceKey(hexKey))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		name = string(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup namespace: %w", err)
	}
	return name, true, nil
}

// KeyFor returns the public key a namespace would be opened with.
func (cs *Corestore) KeyFor(name string) []byte {
	pub, _ := deriveKeyPair(cs.primary, name)
	return pub
}

// OpenNamespace opens a writable session on the drive derived from name.
// The same name always yields the same key for this corestore.
func (cs *Corestore) OpenNamespace(name string, opts OpenOptions) (*Drive, error) {
	pub, priv := deriveKeyPair(cs.primary, name)
	c, err := cs.core(pub)
	if err != nil {
		return nil, err
	}
	err = cs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(namespaceKey(c.hexKey), []byte(name))
	})
	if err != nil {
		return nil, fmt.Errorf("record namespace: %w", err)
	}
	c.mu.Lock()
	c.secret = priv
	c.mu.Unlock()
	return newDrive(cs, c, opts.EncryptionKey, true), nil
}

func (cs *Corestore) core(key []byte) (*core, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return nil, ErrClosed
	}
	hexKey := hex.EncodeToString(key)
	if c, ok := cs.cores[hexKey]; ok {
		return c, nil
	}
	c, err := loadCore(cs, key)
	if err != nil {
		return nil, err
	}
	cs.cores[hexKey] = c
	return c, nil
}

// Close closes every core's watchers and the database.
func (cs *Corestore) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cores := make([]*core, 0, len(cs.cores))
	for _, c := range cs.cores {
		cores = append(cores, c)
	}
	cs.mu.Unlock()

	for _, c := range cores {
		c.closeWatchers()
	}
	return cs.db.Close()
}
