package storage

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Txn is a snapshot-isolated transaction over the store.
//
// A read-only Txn may be used from several goroutines at once. Operations on
// a read-write Txn are serialised, and because badger allows only one open
// iterator per read-write transaction, iterators fetch their entries in
// batches and never keep a badger iterator open between calls.
type Txn struct {
	engine *Engine
	bt     *badger.Txn
	update bool
	id     uuid.UUID

	mu     sync.RWMutex
	closed bool
}

func newTxn(e *Engine, bt *badger.Txn, update bool) *Txn {
	return &Txn{engine: e, bt: bt, update: update, id: uuid.New()}
}

// ID uniquely identifies the transaction in logs.
func (t *Txn) ID() uuid.UUID { return t.id }

// ReadOnly reports whether writes are rejected.
func (t *Txn) ReadOnly() bool { return !t.update }

// withBadger runs fn against the badger transaction, holding the shared lock
// for read-only transactions and the exclusive lock for read-write ones.
func (t *Txn) withBadger(fn func(bt *badger.Txn) error) error {
	if t.update {
		t.mu.Lock()
		defer t.mu.Unlock()
	} else {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	if t.closed {
		return ErrTxnClosed
	}
	if err := t.engine.ensureOpen(); err != nil {
		return err
	}
	return fn(t.bt)
}

func (t *Txn) checkWrite(p Partition, key []byte) error {
	if !t.update {
		return ErrReadOnly
	}
	if !p.valid() || len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (t *Txn) Get(p Partition, key []byte) ([]byte, error) {
	var val []byte
	err := t.withBadger(func(bt *badger.Txn) error {
		item, err := bt.Get(p.physical(key))
		if err != nil {
			return translate("get", err)
		}
		val, err = item.ValueCopy(nil)
		return translate("get value", err)
	})
	return val, err
}

// Exists reports whether key is present.
func (t *Txn) Exists(p Partition, key []byte) (bool, error) {
	err := t.withBadger(func(bt *badger.Txn) error {
		_, err := bt.Get(p.physical(key))
		return translate("exists", err)
	})
	switch err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Set writes value under key.
func (t *Txn) Set(p Partition, key, value []byte) error {
	if err := t.checkWrite(p, key); err != nil {
		return err
	}
	return t.withBadger(func(bt *badger.Txn) error {
		if value == nil {
			value = []byte{}
		}
		return translate("set", bt.Set(p.physical(key), value))
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Txn) Delete(p Partition, key []byte) error {
	if err := t.checkWrite(p, key); err != nil {
		return err
	}
	return t.withBadger(func(bt *badger.Txn) error {
		return translate("delete", bt.Delete(p.physical(key)))
	})
}

// Iterate returns an ascending iterator over keys in p that start with prefix.
func (t *Txn) Iterate(p Partition, prefix []byte) *Iterator {
	physPrefix := p.physical(prefix)
	return newIterator(t, physPrefix, physPrefix, nil)
}

// IterateRange returns an ascending iterator over keys k in p with
// start <= k < end. A nil end means the end of the partition.
func (t *Txn) IterateRange(p Partition, start, end []byte) *Iterator {
	var upper []byte
	if end != nil {
		upper = p.physical(end)
	}
	return newIterator(t, []byte{byte(p)}, p.physical(start), upper)
}

// Commit atomically applies the transaction's writes. A conflicting
// concurrent commit yields ErrConflict and nothing is applied. Committing a
// read-only transaction just releases it.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	if !t.update {
		t.bt.Discard()
		return nil
	}
	start := time.Now()
	err := translate("commit", t.bt.Commit())
	t.engine.recordCommit(start, err)
	return err
}

// Discard abandons the transaction. It is safe to call after Commit.
func (t *Txn) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.bt.Discard()
}

// Closed reports whether Commit or Discard has been called.
func (t *Txn) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
