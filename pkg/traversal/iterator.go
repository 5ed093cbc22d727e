package traversal

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/orneryd/kbgraph/pkg/graph"
)

// ErrIteratorRecycled is reported by an iterator used after Recycle.
var ErrIteratorRecycled = errors.New("traversal: iterator recycled")

// VertexMap is one answer: the named identifiers of a procedure bound to
// concepts.
type VertexMap map[string]graph.IID

// Key is a canonical encoding of the answer.
func (m VertexMap) Key() string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(string(m[n]))
		b.WriteByte(0)
	}
	return b.String()
}

type iteratorState int

const (
	stateInit iteratorState = iota
	stateEmpty
	stateFetched
	stateCompleted
)

// frame is the search state of one edge position.
type frame struct {
	it       graph.Iterator // branch candidates, nil until opened
	to, via  graph.IID
	checked  bool // closure evaluated
	done     bool // candidates exhausted
	taken    int
	conflict bitset.BitSet
}

// GraphIterator enumerates the answers of a procedure from one start
// vertex. It exclusively owns the storage iterators it opens; Recycle
// releases them.
//
// The first answer is found by forward search with conflict directed
// backjumping: when an edge runs out of candidates the search jumps to the
// latest position that edge's failure depends on. Once an answer has been
// produced every position records all earlier positions as conflicts, so
// later answers are found by chronological backtracking from the last
// edge.
type GraphIterator struct {
	g     *graph.Graph
	proc  *Procedure
	start graph.IID

	state  iteratorState
	frames []frame // index = edge order; frames[0] is unused
	err    error
}

// NewGraphIterator returns an iterator over the answers of proc that bind
// proc.Start to start.
func NewGraphIterator(g *graph.Graph, proc *Procedure, start graph.IID) *GraphIterator {
	return &GraphIterator{
		g:      g,
		proc:   proc,
		start:  start,
		frames: make([]frame, len(proc.Edges)+1),
	}
}

// HasNext reports whether another answer is available, computing it if
// needed.
func (it *GraphIterator) HasNext(ctx context.Context) bool {
	switch it.state {
	case stateFetched:
		return true
	case stateCompleted:
		return false
	case stateInit:
		it.computeFirst(ctx)
	case stateEmpty:
		it.computeNext(ctx)
	}
	return it.state == stateFetched
}

// Next returns the current answer and moves past it. It returns nil when
// HasNext has not reported an answer.
func (it *GraphIterator) Next() VertexMap {
	if it.state != stateFetched {
		return nil
	}
	it.state = stateEmpty
	return it.answer()
}

// Err returns the error that ended the iteration, if any.
func (it *GraphIterator) Err() error { return it.err }

// Recycle releases every storage iterator. Later calls to HasNext report
// false. Recycle is idempotent.
func (it *GraphIterator) Recycle() {
	if it.state != stateCompleted && it.err == nil {
		it.err = ErrIteratorRecycled
	}
	it.complete()
}

// complete closes every frame and ends the iteration.
func (it *GraphIterator) complete() {
	for i := 1; i < len(it.frames); i++ {
		it.reset(i)
	}
	it.state = stateCompleted
}

func (it *GraphIterator) fail(err error) {
	if it.err == nil {
		it.err = err
	}
	it.complete()
}

func (it *GraphIterator) computeFirst(ctx context.Context) {
	ok, err := it.proc.Vertices[it.proc.Start].Check(it.start)
	if err != nil {
		it.fail(err)
		return
	}
	if !ok {
		it.complete()
		return
	}
	it.solve(ctx, 1)
}

func (it *GraphIterator) computeNext(ctx context.Context) {
	n := len(it.proc.Edges)
	if n == 0 {
		it.complete()
		return
	}
	it.solve(ctx, n)
}

// solve searches forward from pos until every edge holds or the start
// position is reached.
func (it *GraphIterator) solve(ctx context.Context, pos int) {
	n := len(it.proc.Edges)
	for pos >= 1 && pos <= n {
		if err := ctx.Err(); err != nil {
			it.fail(err)
			return
		}
		ok, err := it.advance(pos)
		if err != nil {
			it.fail(err)
			return
		}
		if ok {
			pos++
			continue
		}
		pos = it.backjump(pos)
	}
	if pos == 0 {
		it.complete()
		return
	}
	for i := 1; i <= n; i++ {
		for j := 0; j < i; j++ {
			it.frames[i].conflict.Set(uint(j))
		}
	}
	it.state = stateFetched
}

// advance binds the next candidate at pos.
func (it *GraphIterator) advance(pos int) (bool, error) {
	e := it.proc.Edges[pos-1]
	f := &it.frames[pos]
	from := it.value(e.From)

	if e.closure {
		if f.checked {
			return false, nil
		}
		f.checked = true
		via, ok, err := e.check(it.g, from, it.value(e.To), it.scopeFree(e))
		if err != nil || !ok {
			return false, err
		}
		f.via = via
		return true, nil
	}

	if f.done || (e.leaf && f.taken > 0) {
		return false, nil
	}
	if f.it == nil {
		f.it = e.branch(it.g, from, it.proc.Vertices[e.To])
	}
	to := it.proc.Vertices[e.To]
	free := it.scopeFree(e)
	for f.it.Next() {
		cand := f.it.Neighbor()
		ok, err := to.Check(cand)
		if err != nil {
			return false, err
		}
		if !ok || (e.Kind == RolePlayer && !free(f.it.Via())) {
			continue
		}
		f.to, f.via = cand, f.it.Via()
		f.taken++
		return true, nil
	}
	err := closeIterator(f.it)
	f.it, f.done = nil, true
	return false, err
}

// backjump handles a failure at pos and returns the position to resume
// from, or 0 when the search is over.
func (it *GraphIterator) backjump(pos int) int {
	e := it.proc.Edges[pos-1]
	conf := it.frames[pos].conflict.Union(e.dependsOn)
	conf.Clear(uint(pos))
	h := highest(conf)
	if h == 0 {
		return 0
	}
	conf.Clear(uint(h))
	it.frames[h].conflict.InPlaceUnion(conf)
	for j := h + 1; j <= pos; j++ {
		it.reset(j)
	}
	return h
}

func highest(b *bitset.BitSet) int {
	h := 0
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		h = int(i)
	}
	return h
}

func (it *GraphIterator) reset(pos int) {
	f := &it.frames[pos]
	if f.it != nil {
		if err := f.it.Close(); err != nil && it.err == nil {
			it.err = err
		}
	}
	f.it = nil
	f.to, f.via = "", ""
	f.checked, f.done = false, false
	f.taken = 0
	f.conflict.ClearAll()
}

// value returns the concept bound to id.
func (it *GraphIterator) value(id Identifier) graph.IID {
	pos := it.proc.boundAt[id]
	if pos == 0 {
		return it.start
	}
	return it.frames[pos].to
}

// scopeFree returns a filter rejecting role instances already used by an
// earlier role-player edge of the same relation.
func (it *GraphIterator) scopeFree(e *Edge) func(graph.IID) bool {
	if len(e.scoped) == 0 {
		return func(graph.IID) bool { return true }
	}
	return func(via graph.IID) bool {
		for _, pos := range e.scoped {
			if it.frames[pos].via == via {
				return false
			}
		}
		return true
	}
}

func (it *GraphIterator) answer() VertexMap {
	out := make(VertexMap, len(it.proc.boundAt))
	for id := range it.proc.boundAt {
		if !id.Anonymous {
			out[id.Name] = it.value(id)
		}
	}
	return out
}
