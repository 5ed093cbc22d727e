package graph

import (
	"sort"

	"github.com/orneryd/kbgraph/pkg/storage"
)

// Iterator walks the neighbors of a vertex in IID order. Via is the role
// instance connecting the two for role-player adjacency and empty otherwise.
// An Iterator owns its storage iterator and must be closed.
type Iterator interface {
	Next() bool
	Neighbor() IID
	Via() IID
	Err() error
	Close() error
}

func closeIterator(it Iterator) error {
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return err
}

func collectNeighbors(it Iterator) ([]IID, error) {
	var out []IID
	for it.Next() {
		out = append(out, it.Neighbor())
	}
	return out, closeIterator(it)
}

// Collect drains it and returns its neighbors.
func Collect(it Iterator) ([]IID, error) { return collectNeighbors(it) }

// edgeIterator decodes the edge columns of one row.
type edgeIterator struct {
	it     *storage.Iterator
	rowLen int
	kind   uint64

	cur edge
	err error
}

func newEdgeIterator(txn *storage.Txn, p storage.Partition, row IID, header []byte, kind uint64) *edgeIterator {
	return &edgeIterator{
		it:     txn.Iterate(p, key(row, header)),
		rowLen: len(row),
		kind:   kind,
	}
}

func (e *edgeIterator) Next() bool {
	if e.err != nil {
		return false
	}
	for e.it.Next() {
		ed, err := decodeEdgeColumn(e.it.Key()[e.rowLen:])
		if err != nil {
			e.err = err
			return false
		}
		if ed.kind != e.kind {
			continue
		}
		e.cur = ed
		return true
	}
	e.err = e.it.Err()
	return false
}

func (e *edgeIterator) Neighbor() IID { return e.cur.neighbor }
func (e *edgeIterator) Via() IID      { return e.cur.via }
func (e *edgeIterator) Err() error    { return e.err }
func (e *edgeIterator) Close() error  { return e.it.Close() }

// vertexIterator lists thing vertices under a vertex-partition prefix.
type vertexIterator struct {
	it  *storage.Iterator
	cur IID
	err error
}

func (v *vertexIterator) Next() bool {
	if v.err != nil {
		return false
	}
	for v.it.Next() {
		k := v.it.Key()
		iid, n, err := ParseIID(k, 0)
		if err != nil {
			v.err = err
			return false
		}
		if string(k[n:]) != string(existsColumn) {
			continue
		}
		v.cur = iid
		return true
	}
	v.err = v.it.Err()
	return false
}

func (v *vertexIterator) Neighbor() IID { return v.cur }
func (v *vertexIterator) Via() IID      { return "" }
func (v *vertexIterator) Err() error    { return v.err }
func (v *vertexIterator) Close() error  { return v.it.Close() }

// chainIterator concatenates lazily opened iterators. The result is ordered
// when each part is ordered and the parts cover increasing key ranges.
type chainIterator struct {
	parts []func() Iterator
	cur   Iterator
	err   error
}

// Chain returns an iterator over the concatenation of parts, opening each
// one only when the previous one is exhausted.
func Chain(parts ...func() Iterator) Iterator {
	return &chainIterator{parts: parts}
}

func (c *chainIterator) Next() bool {
	for c.err == nil {
		if c.cur == nil {
			if len(c.parts) == 0 {
				return false
			}
			c.cur = c.parts[0]()
			c.parts = c.parts[1:]
		}
		if c.cur.Next() {
			return true
		}
		c.err = closeIterator(c.cur)
		c.cur = nil
	}
	return false
}

func (c *chainIterator) Neighbor() IID { return c.cur.Neighbor() }
func (c *chainIterator) Via() IID      { return c.cur.Via() }
func (c *chainIterator) Err() error    { return c.err }

func (c *chainIterator) Close() error {
	c.parts = nil
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}

// SliceIterator iterates a fixed list of IIDs.
type SliceIterator struct {
	items []IID
	vias  []IID
	idx   int
}

// NewSliceIterator returns an iterator over iids in the given order.
func NewSliceIterator(iids ...IID) *SliceIterator {
	return &SliceIterator{items: iids, idx: -1}
}

// NewSortedSliceIterator returns an iterator over iids in IID order.
func NewSortedSliceIterator(iids ...IID) *SliceIterator {
	sorted := append([]IID(nil), iids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return NewSliceIterator(sorted...)
}

func (s *SliceIterator) Next() bool {
	if s.idx+1 >= len(s.items) {
		s.idx = len(s.items)
		return false
	}
	s.idx++
	return true
}

func (s *SliceIterator) Neighbor() IID { return s.items[s.idx] }

func (s *SliceIterator) Via() IID {
	if s.vias == nil {
		return ""
	}
	return s.vias[s.idx]
}

func (s *SliceIterator) Err() error   { return nil }
func (s *SliceIterator) Close() error { s.idx = len(s.items); return nil }

type emptyIterator struct{ err error }

func (e emptyIterator) Next() bool    { return false }
func (e emptyIterator) Neighbor() IID { return "" }
func (e emptyIterator) Via() IID      { return "" }
func (e emptyIterator) Err() error    { return e.err }
func (e emptyIterator) Close() error  { return nil }

// Empty returns an exhausted iterator that reports err.
func Empty(err error) Iterator { return emptyIterator{err: err} }
