package storage

import "bytes"

// Entry is one column of a row together with its value.
type Entry struct {
	Column []byte
	Value  []byte
}

// KeySliceQuery selects the columns of row Key in [SliceStart, SliceEnd).
// A nil SliceEnd means every column from SliceStart onwards. Limit <= 0 means
// no limit.
type KeySliceQuery struct {
	Key        []byte
	SliceStart []byte
	SliceEnd   []byte
	Limit      int
}

// GetSlice returns the matching entries of q in ascending column order.
// Row keys must be prefix-free within a partition (no row key is a prefix of
// another); graph IIDs guarantee this.
func GetSlice(txn *Txn, p Partition, q KeySliceQuery) ([]Entry, error) {
	it := SliceIterator(txn, p, q)
	defer it.Close()

	var entries []Entry
	for it.Next() {
		entries = append(entries, Entry{
			Column: it.Key()[len(q.Key):],
			Value:  it.Value(),
		})
		if q.Limit > 0 && len(entries) >= q.Limit {
			break
		}
	}
	return entries, it.Err()
}

// SliceIterator is the streaming form of GetSlice. Keys returned by the
// iterator still include the row key; Limit is ignored.
func SliceIterator(txn *Txn, p Partition, q KeySliceQuery) *Iterator {
	start := concat(q.Key, q.SliceStart)
	if q.SliceEnd == nil {
		it := txn.Iterate(p, q.Key)
		if len(q.SliceStart) > 0 {
			it.Seek(start)
		}
		return it
	}
	it := txn.IterateRange(p, start, concat(q.Key, q.SliceEnd))
	// Restrict to the row even when SliceEnd would run past it.
	it.prefix = p.physical(q.Key)
	return it
}

// Mutate applies deletions then additions to row rowKey. An addition and a
// deletion of the same column leave the addition in place.
func Mutate(txn *Txn, p Partition, rowKey []byte, additions []Entry, deletions [][]byte) error {
	if len(rowKey) == 0 {
		return ErrInvalidKey
	}
	for _, col := range deletions {
		if containsColumn(additions, col) {
			continue
		}
		if err := txn.Delete(p, concat(rowKey, col)); err != nil {
			return err
		}
	}
	for _, e := range additions {
		if err := txn.Set(p, concat(rowKey, e.Column), e.Value); err != nil {
			return err
		}
	}
	return nil
}

func containsColumn(entries []Entry, col []byte) bool {
	for _, e := range entries {
		if bytes.Equal(e.Column, col) {
			return true
		}
	}
	return false
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
