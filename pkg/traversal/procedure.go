// Package traversal executes planned graph traversals.
//
// A Procedure is an ordered list of edges starting from one vertex. Each
// edge either binds a new vertex (a branch edge, enumerated through a
// storage iterator) or checks two bound vertices (a closure edge).
// GraphIterator solves a procedure for one start vertex with conflict
// directed backjumping; GraphProducer runs many start vertices in parallel
// and deduplicates their answers. Compile turns a pattern conjunction into
// procedures.
package traversal

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// Identifier names a procedure vertex. Anonymous identifiers are internal
// to the traversal and never appear in answers.
type Identifier struct {
	Name      string
	Anonymous bool
}

// Named returns the identifier of a pattern variable.
func Named(name string) Identifier { return Identifier{Name: name} }

func (id Identifier) String() string {
	if id.Anonymous {
		return "_" + id.Name
	}
	return "$" + id.Name
}

// Predicate compares an attribute value with a constant.
type Predicate struct {
	Op    pattern.Op
	Value any
}

// Vertex holds the checks a concept must pass to be bound to an
// identifier.
type Vertex struct {
	ID Identifier

	// Typed restricts the vertex to the type IDs in Types (sorted). A typed
	// vertex with no types never matches.
	Typed bool
	Types []uint16

	Attribute bool // must be an attribute
	Values    []Predicate
	Fixed     graph.IID // when set, the only acceptable concept
}

// Restrict intersects the allowed types with ids.
func (v *Vertex) Restrict(ids []uint16) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if !v.Typed {
		v.Typed, v.Types = true, ids
		return
	}
	out := v.Types[:0:0]
	for _, id := range v.Types {
		if _, ok := slices.BinarySearch(ids, id); ok {
			out = append(out, id)
		}
	}
	v.Types = out
}

// Check reports whether iid may be bound to v.
func (v *Vertex) Check(iid graph.IID) (bool, error) {
	if v.Fixed != "" && iid != v.Fixed {
		return false, nil
	}
	if v.Typed {
		if _, ok := slices.BinarySearch(v.Types, iid.TypeID()); !ok {
			return false, nil
		}
	}
	if !v.Attribute && len(v.Values) == 0 {
		return true, nil
	}
	if !iid.IsAttribute() {
		return false, nil
	}
	if len(v.Values) == 0 {
		return true, nil
	}
	val, err := iid.Value()
	if err != nil {
		return false, err
	}
	for _, p := range v.Values {
		if !pattern.Evaluate(p.Op, val, p.Value) {
			return false, nil
		}
	}
	return true, nil
}

// EdgeKind is the structural edge an Edge follows.
type EdgeKind int

const (
	// Has goes from owner to attribute.
	Has EdgeKind = iota
	// RolePlayer goes from relation to player through the optimisation
	// edge; the role instance is reported as the via.
	RolePlayer
	// Playing goes from player to role instance.
	Playing
	// Relating goes from relation to role instance.
	Relating
)

func (k EdgeKind) String() string {
	switch k {
	case Has:
		return "has"
	case RolePlayer:
		return "roleplayer"
	case Playing:
		return "playing"
	case Relating:
		return "relating"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Edge is one step of a procedure. From must be bound when the edge runs;
// Backward follows the edge against its canonical direction.
type Edge struct {
	Kind      EdgeKind
	From, To  Identifier
	Backward  bool
	RoleTypes []uint16 // role-player edges: allowed role types, empty for any

	order     int
	closure   bool
	leaf      bool
	scoped    []int
	dependsOn *bitset.BitSet
}

// Order is the 1-based position of the edge in its procedure.
func (e *Edge) Order() int { return e.order }

// Closure reports whether both ends are bound before the edge runs.
func (e *Edge) Closure() bool { return e.closure }

// DependsOn returns the positions whose bindings this edge reads. Position
// 0 is the start vertex.
func (e *Edge) DependsOn() *bitset.BitSet { return e.dependsOn }

// relation returns the identifier of the relation end of a role-player
// edge.
func (e *Edge) relation() Identifier {
	if e.Backward {
		return e.To
	}
	return e.From
}

func (e *Edge) String() string {
	arrow := "->"
	if e.Backward {
		arrow = "<-"
	}
	kind := "branch"
	if e.closure {
		kind = "closure"
	}
	return fmt.Sprintf("%d: %s %s[%s] %s (%s)", e.order, e.From, arrow, e.Kind, e.To, kind)
}

// Procedure is a planned traversal.
type Procedure struct {
	Start    Identifier
	Vertices map[Identifier]*Vertex
	Edges    []*Edge

	boundAt map[Identifier]int
}

// NewProcedure checks that every edge starts from a bound vertex, numbers
// the edges and computes their dependencies. Vertices missing from
// vertices are unconstrained.
func NewProcedure(start Identifier, vertices []*Vertex, edges []*Edge) (*Procedure, error) {
	p := &Procedure{
		Start:    start,
		Vertices: make(map[Identifier]*Vertex, len(vertices)+1),
		Edges:    edges,
		boundAt:  map[Identifier]int{start: 0},
	}
	for _, v := range vertices {
		p.Vertices[v.ID] = v
	}
	for i, e := range edges {
		pos := i + 1
		e.order = pos
		from, ok := p.boundAt[e.From]
		if !ok {
			return nil, fmt.Errorf("traversal: edge %d starts from unbound %s", pos, e.From)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("traversal: edge %d is a loop on %s", pos, e.From)
		}
		e.dependsOn = bitset.New(uint(len(edges) + 1))
		e.dependsOn.Set(uint(from))
		if to, ok := p.boundAt[e.To]; ok {
			e.closure = true
			e.dependsOn.Set(uint(to))
		} else {
			p.boundAt[e.To] = pos
		}
		e.scoped = nil
		if e.Kind == RolePlayer {
			for _, prev := range edges[:i] {
				if prev.Kind == RolePlayer && prev.relation() == e.relation() {
					e.scoped = append(e.scoped, prev.order)
					e.dependsOn.Set(uint(prev.order))
				}
			}
		}
		if _, ok := p.Vertices[e.To]; !ok {
			p.Vertices[e.To] = &Vertex{ID: e.To}
		}
	}
	if _, ok := p.Vertices[start]; !ok {
		p.Vertices[start] = &Vertex{ID: start}
	}
	for i, e := range edges {
		e.leaf = !e.closure && e.To.Anonymous && !p.usedAfter(e.To, i)
	}
	return p, nil
}

func (p *Procedure) usedAfter(id Identifier, i int) bool {
	for _, later := range p.Edges[i+1:] {
		if later.From == id || later.To == id {
			return true
		}
	}
	return false
}

// Named returns the named identifiers the procedure binds, sorted.
func (p *Procedure) Named() []string {
	var out []string
	for id := range p.boundAt {
		if !id.Anonymous {
			out = append(out, id.Name)
		}
	}
	slices.Sort(out)
	return out
}

func (p *Procedure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "start %s\n", p.Start)
	for _, e := range p.Edges {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ============================================================================
// Edge evaluation
// ============================================================================

// branch opens the candidates for To given the bound From.
func (e *Edge) branch(g *graph.Graph, from graph.IID, to *Vertex) graph.Iterator {
	switch e.Kind {
	case Has:
		if e.Backward {
			return g.Owners(from)
		}
		if to != nil && to.Typed {
			parts := make([]func() graph.Iterator, 0, len(to.Types))
			for _, id := range to.Types {
				id := id
				parts = append(parts, func() graph.Iterator { return g.HasOfType(from, id) })
			}
			return graph.Chain(parts...)
		}
		return g.Has(from)
	case RolePlayer:
		if e.Backward {
			return g.Relations(from, e.RoleTypes...)
		}
		return g.RolePlayers(from, e.RoleTypes...)
	case Playing:
		if e.Backward {
			return g.PlayerOf(from)
		}
		return g.Playing(from)
	case Relating:
		if e.Backward {
			return g.RelationOf(from)
		}
		return g.Relating(from)
	}
	return graph.Empty(fmt.Errorf("traversal: unknown edge kind %s", e.Kind))
}

// check evaluates a closure edge between bound vertices. For role-player
// edges it returns the first role instance accepted by free.
func (e *Edge) check(g *graph.Graph, from, to graph.IID, free func(graph.IID) bool) (graph.IID, bool, error) {
	switch e.Kind {
	case Has:
		owner, attr := from, to
		if e.Backward {
			owner, attr = to, from
		}
		ok, err := g.HasEdge(owner, attr)
		return "", ok, err
	case RolePlayer:
		rel, player := from, to
		if e.Backward {
			rel, player = to, from
		}
		var it graph.Iterator
		if len(e.RoleTypes) == 0 {
			it = g.RolePlayers(rel)
		} else {
			parts := make([]func() graph.Iterator, 0, len(e.RoleTypes))
			for _, rt := range e.RoleTypes {
				rt := rt
				parts = append(parts, func() graph.Iterator { return g.RolePlayerInstances(rel, rt, player) })
			}
			it = graph.Chain(parts...)
		}
		for it.Next() {
			if it.Neighbor() == player && free(it.Via()) {
				via := it.Via()
				return via, true, it.Close()
			}
		}
		return "", false, closeIterator(it)
	default:
		it := e.branch(g, from, nil)
		for it.Next() {
			if it.Neighbor() == to {
				return "", true, it.Close()
			}
		}
		return "", false, closeIterator(it)
	}
}

func closeIterator(it graph.Iterator) error {
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return err
}
