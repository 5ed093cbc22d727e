// Package storage provides the ordered key-value layer of kbgraph on top of
// BadgerDB.
//
// Keys are grouped into partitions (see Partition). Within a partition a key
// is row ++ column: graph code chooses self-delimiting row keys (IIDs) and
// column encodings, this package only guarantees ordered, snapshot-isolated
// access to them.
//
// Example:
//
//	engine, err := storage.Open(storage.Options{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	err = engine.Update(func(txn *storage.Txn) error {
//		return txn.Set(storage.PartitionIndex, []byte("key"), []byte("value"))
//	})
package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/kbgraph/pkg/metrics"
)

const (
	defaultIteratorBatchSize = 256
	defaultSequenceBandwidth = 1000
)

// Options configures an Engine.
type Options struct {
	// DataDir is the directory for badger files. Required unless InMemory.
	DataDir string

	// InMemory runs badger without touching disk. Data is lost on Close.
	InMemory bool

	// SyncWrites forces an fsync after each commit.
	SyncWrites bool

	// LowMemory reduces memtable and cache sizes.
	LowMemory bool

	// EncryptionPassword enables AES-256 encryption at rest when non-empty.
	// The key is derived with Argon2id from the password and a salt stored
	// in DataDir/kb.salt.
	EncryptionPassword string

	// LogLevel is the minimum level for badger's internal log lines.
	LogLevel string

	// IteratorBatchSize is the number of entries fetched per iterator refill.
	IteratorBatchSize int

	// SequenceBandwidth is the number of sequence values leased at a time.
	SequenceBandwidth uint64

	// Retry applies to ViewWithRetry.
	Retry RetryPolicy

	// Metrics receives commit timings. Nil disables metrics.
	Metrics metrics.Recorder
}

// Engine is a badger-backed ordered key-value store.
type Engine struct {
	db   *badger.DB
	opts Options

	mu     sync.RWMutex // guards closed
	closed bool

	seqMu     sync.Mutex
	sequences map[string]*badger.Sequence

	metrics metrics.Recorder
}

// Open opens (or creates) a store.
func Open(opts Options) (*Engine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("storage: data directory required")
	}
	if opts.IteratorBatchSize <= 0 {
		opts.IteratorBatchSize = defaultIteratorBatchSize
	}
	if opts.SequenceBandwidth == 0 {
		opts.SequenceBandwidth = defaultSequenceBandwidth
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(newBadgerLogger(opts.LogLevel))

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithNumMemtables(3).
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	if opts.EncryptionPassword != "" {
		if opts.InMemory {
			return nil, fmt.Errorf("storage: encryption requires an on-disk store")
		}
		salt, err := loadOrCreateSalt(opts.DataDir)
		if err != nil {
			return nil, err
		}
		// Badger requires an index cache when encryption is enabled; both
		// branches above set one.
		badgerOpts = badgerOpts.WithEncryptionKey(DeriveKey([]byte(opts.EncryptionPassword), salt))
		log.Printf("[storage] encryption at rest enabled (AES-256)")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		if opts.EncryptionPassword != "" {
			return nil, fmt.Errorf("storage: failed to open encrypted store (wrong password?): %w", err)
		}
		return nil, fmt.Errorf("storage: failed to open badger: %w", err)
	}

	return &Engine{
		db:        db,
		opts:      opts,
		sequences: make(map[string]*badger.Sequence),
		metrics:   metrics.OrNoop(opts.Metrics),
	}, nil
}

// OpenInMemory opens an in-memory store with default options.
func OpenInMemory() (*Engine, error) {
	return Open(Options{InMemory: true})
}

// IsInMemory reports whether the engine keeps no data on disk.
func (e *Engine) IsInMemory() bool { return e.opts.InMemory }

func (e *Engine) ensureOpen() error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

// Close releases sequence leases and closes badger. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.seqMu.Lock()
	for name, seq := range e.sequences {
		if err := seq.Release(); err != nil {
			log.Printf("[storage] failed to release sequence %q: %v", name, err)
		}
	}
	e.sequences = nil
	e.seqMu.Unlock()

	return e.db.Close()
}

// Begin starts a transaction. update selects a read-write transaction.
func (e *Engine) Begin(update bool) (*Txn, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return newTxn(e, e.db.NewTransaction(update), update), nil
}

// View runs fn in a read-only transaction.
func (e *Engine) View(fn func(txn *Txn) error) error {
	txn, err := e.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}

// ViewWithRetry runs View under the engine's retry policy. Each attempt uses
// a fresh snapshot.
func (e *Engine) ViewWithRetry(ctx context.Context, fn func(txn *Txn) error) error {
	return e.opts.Retry.Do(ctx, func() error { return e.View(fn) })
}

// Update runs fn in a read-write transaction and commits it if fn succeeds.
func (e *Engine) Update(fn func(txn *Txn) error) error {
	txn, err := e.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// NextSequence returns the next value of the named persistent sequence,
// starting from 1. Values are leased from badger in blocks of
// SequenceBandwidth, so a crash may leave gaps but never reuses a value.
func (e *Engine) NextSequence(name string) (uint64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	if e.sequences == nil {
		return 0, ErrStorageClosed
	}
	seq, ok := e.sequences[name]
	if !ok {
		var err error
		seq, err = e.db.GetSequence(PartitionSequence.physical([]byte(name)), e.opts.SequenceBandwidth)
		if err != nil {
			return 0, translate("get sequence", err)
		}
		e.sequences[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, translate("sequence next", err)
	}
	return n + 1, nil
}

// CountPartition returns the number of keys in partition p.
func (e *Engine) CountPartition(p Partition) (int, error) {
	count := 0
	err := e.View(func(txn *Txn) error {
		return txn.withBadger(func(bt *badger.Txn) error {
			it := bt.NewIterator(badgerIterOptsKeyOnly([]byte{byte(p)}))
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Sync flushes badger's write buffers to disk.
func (e *Engine) Sync() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return translate("sync", e.db.Sync())
}

func (e *Engine) recordCommit(start time.Time, err error) {
	e.metrics.StorageCommit(time.Since(start), err)
}

func badgerIterOptsKeyOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func badgerIterOptsPrefetchValues(prefix []byte, prefetchSize int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	if prefetchSize > 0 {
		opts.PrefetchSize = prefetchSize
	}
	opts.Prefix = prefix
	return opts
}
