package traversal

import (
	"context"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// answerSource is a pull iterator over answers.
type answerSource interface {
	HasNext(ctx context.Context) bool
	Next() VertexMap
	Err() error
	Recycle()
}

// procedureIterator runs a procedure over its start candidates one at a
// time.
type procedureIterator struct {
	g      *graph.Graph
	proc   *Procedure
	starts graph.Iterator
	cur    *GraphIterator
	err    error
	done   bool
}

func newProcedureIterator(g *graph.Graph, proc *Procedure) (*procedureIterator, error) {
	starts, err := Starts(g, proc)
	if err != nil {
		return nil, err
	}
	return &procedureIterator{g: g, proc: proc, starts: starts}, nil
}

func (p *procedureIterator) HasNext(ctx context.Context) bool {
	for !p.done {
		if p.cur != nil {
			if p.cur.HasNext(ctx) {
				return true
			}
			if err := p.cur.Err(); err != nil {
				p.fail(err)
				return false
			}
			p.cur = nil
		}
		if !p.starts.Next() {
			p.fail(p.starts.Err())
			return false
		}
		p.cur = NewGraphIterator(p.g, p.proc, p.starts.Neighbor())
	}
	return false
}

func (p *procedureIterator) Next() VertexMap {
	if p.cur == nil {
		return nil
	}
	return p.cur.Next()
}

func (p *procedureIterator) Err() error { return p.err }

func (p *procedureIterator) fail(err error) {
	if p.err == nil {
		p.err = err
	}
	p.Recycle()
}

func (p *procedureIterator) Recycle() {
	if p.cur != nil {
		p.cur.Recycle()
		p.cur = nil
	}
	if !p.done {
		if err := p.starts.Close(); err != nil && p.err == nil {
			p.err = err
		}
	}
	p.done = true
}

// MatchOptions configures NewMatchIterator.
type MatchOptions struct {
	// Parallelisation above 1 runs the first component through a
	// GraphProducer with that many workers.
	Parallelisation int
	// BatchSize is the producer's request size.
	BatchSize int
}

// MatchIterator returns the distinct answers of a conjunction: the
// cartesian product of the answers of its components, less those for which
// a negated conjunction has an answer.
type MatchIterator struct {
	g         *graph.Graph
	first     answerSource
	rest      [][]VertexMap
	negations []negation

	pending []VertexMap // product of the current first-component answer
	seen    map[string]struct{}
	cur     VertexMap
	err     error
	closed  bool
}

// NewMatchIterator compiles conj and starts matching it. Components after
// the first are materialised up front.
func NewMatchIterator(ctx context.Context, g *graph.Graph, conj pattern.Conjunction, bounds map[string]graph.IID, opts MatchOptions) (*MatchIterator, error) {
	procs, err := Compile(g, conj, bounds)
	if err != nil {
		return nil, err
	}
	m := &MatchIterator{g: g, seen: make(map[string]struct{})}
	for _, n := range conj.Negations() {
		m.negations = append(m.negations, negation{conj: n.Conjunction, shared: n.Shared(conj)})
	}
	for _, proc := range procs[1:] {
		src, err := newProcedureIterator(g, proc)
		if err != nil {
			return nil, err
		}
		var answers []VertexMap
		for src.HasNext(ctx) {
			answers = append(answers, src.Next())
		}
		if err := src.Err(); err != nil {
			return nil, err
		}
		if len(answers) == 0 {
			m.first = emptySource{}
			return m, nil
		}
		m.rest = append(m.rest, answers)
	}
	if opts.Parallelisation > 1 {
		starts, err := Starts(g, procs[0])
		if err != nil {
			return nil, err
		}
		batch := opts.BatchSize
		if batch <= 0 {
			batch = 64
		}
		m.first = NewGraphProducer(g, procs[0], starts, opts.Parallelisation).Iterate(ctx, batch)
		return m, nil
	}
	m.first, err = newProcedureIterator(g, procs[0])
	if err != nil {
		return nil, err
	}
	return m, nil
}

// HasNext reports whether another distinct answer is available.
func (m *MatchIterator) HasNext(ctx context.Context) bool {
	if m.cur != nil {
		return true
	}
	for !m.closed {
		for len(m.pending) > 0 {
			a := m.pending[0]
			m.pending = m.pending[1:]
			k := a.Key()
			if _, dup := m.seen[k]; dup {
				continue
			}
			m.seen[k] = struct{}{}
			excluded, err := m.excluded(ctx, a)
			if err != nil {
				m.err = err
				m.Recycle()
				return false
			}
			if excluded {
				continue
			}
			m.cur = a
			return true
		}
		if !m.first.HasNext(ctx) {
			m.err = m.first.Err()
			m.Recycle()
			return false
		}
		m.pending = m.product(m.first.Next())
	}
	return false
}

// Next returns the current answer.
func (m *MatchIterator) Next() VertexMap {
	a := m.cur
	m.cur = nil
	return a
}

// Err returns the error that ended the iteration.
func (m *MatchIterator) Err() error { return m.err }

// Recycle releases the iterators of the first component.
func (m *MatchIterator) Recycle() {
	if m.closed {
		return
	}
	m.closed = true
	m.first.Recycle()
}

type negation struct {
	conj   pattern.Conjunction
	shared []string
}

// excluded reports whether some negated conjunction has an answer under the
// bindings of a.
func (m *MatchIterator) excluded(ctx context.Context, a VertexMap) (bool, error) {
	for _, n := range m.negations {
		bounds := make(map[string]graph.IID, len(n.shared))
		for _, v := range n.shared {
			if iid, ok := a[v]; ok {
				bounds[v] = iid
			}
		}
		found, err := Exists(ctx, m.g, n.conj, bounds)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Exists reports whether conj has at least one answer with the variables
// in bounds fixed.
func Exists(ctx context.Context, g *graph.Graph, conj pattern.Conjunction, bounds map[string]graph.IID) (bool, error) {
	it, err := NewMatchIterator(ctx, g, conj, bounds, MatchOptions{})
	if err != nil {
		return false, err
	}
	found := it.HasNext(ctx)
	it.Recycle()
	return found, it.Err()
}

func (m *MatchIterator) product(a VertexMap) []VertexMap {
	out := []VertexMap{a}
	for _, answers := range m.rest {
		next := make([]VertexMap, 0, len(out)*len(answers))
		for _, left := range out {
			for _, right := range answers {
				merged := make(VertexMap, len(left)+len(right))
				for k, v := range left {
					merged[k] = v
				}
				for k, v := range right {
					merged[k] = v
				}
				next = append(next, merged)
			}
		}
		out = next
	}
	return out
}

type emptySource struct{}

func (emptySource) HasNext(context.Context) bool { return false }
func (emptySource) Next() VertexMap              { return nil }
func (emptySource) Err() error                   { return nil }
func (emptySource) Recycle()                     {}
