package storage

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

type kv struct {
	key   []byte
	value []byte
}

// Iterator walks keys in ascending order. Keys and values returned by Key
// and Value are copies owned by the caller; Key has the partition byte
// stripped.
//
// Entries are fetched in batches: each refill opens a badger iterator, seeks
// to the resume point, copies up to a batch of entries and closes it again.
// Several Iterators can therefore be live on the same read-write transaction.
type Iterator struct {
	txn    *Txn
	prefix []byte // physical prefix every key must carry
	lower  []byte // inclusive physical lower bound
	resume []byte // next physical key to seek to
	upper  []byte // exclusive physical upper bound, nil for none
	size   int

	batch     []kv
	idx       int
	exhausted bool
	closed    bool
	err       error
}

func newIterator(t *Txn, prefix, start, upper []byte) *Iterator {
	if bytes.Compare(start, prefix) < 0 {
		start = prefix
	}
	return &Iterator{
		txn:    t,
		prefix: prefix,
		lower:  start,
		resume: start,
		upper:  upper,
		size:   t.engine.opts.IteratorBatchSize,
		idx:    -1,
	}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	it.idx++
	if it.idx < len(it.batch) {
		return true
	}
	if it.exhausted {
		it.batch = nil
		return false
	}
	it.fill()
	it.idx = 0
	return it.err == nil && len(it.batch) > 0
}

func (it *Iterator) fill() {
	it.batch = it.batch[:0]
	it.err = it.txn.withBadger(func(bt *badger.Txn) error {
		bi := bt.NewIterator(badgerIterOptsPrefetchValues(it.prefix, it.size))
		defer bi.Close()
		for bi.Seek(it.resume); bi.ValidForPrefix(it.prefix); bi.Next() {
			item := bi.Item()
			key := item.KeyCopy(nil)
			if it.upper != nil && bytes.Compare(key, it.upper) >= 0 {
				it.exhausted = true
				return nil
			}
			if len(it.batch) == it.size {
				it.resume = key
				return nil
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return translate("iterate", err)
			}
			it.batch = append(it.batch, kv{key: key, value: val})
		}
		it.exhausted = true
		return nil
	})
}

// Key returns the current key without its partition byte.
func (it *Iterator) Key() []byte {
	if it.idx < 0 || it.idx >= len(it.batch) {
		return nil
	}
	return it.batch[it.idx].key[1:]
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if it.idx < 0 || it.idx >= len(it.batch) {
		return nil
	}
	return it.batch[it.idx].value
}

// Seek repositions the iterator so that the next call to Next returns the
// first key >= key (key excludes the partition byte). Seeking backwards
// before the iterator's lower bound clamps to the bound.
func (it *Iterator) Seek(key []byte) {
	if it.closed {
		return
	}
	target := make([]byte, 0, len(key)+1)
	target = append(target, it.prefix[0])
	target = append(target, key...)
	if bytes.Compare(target, it.lower) < 0 {
		target = it.lower
	}
	it.resume = target
	it.batch = it.batch[:0]
	it.idx = -1
	it.exhausted = false
}

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// Close releases the buffered batch. It is idempotent and always returns nil.
func (it *Iterator) Close() error {
	it.closed = true
	it.batch = nil
	return nil
}
