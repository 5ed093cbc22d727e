package traversal

import (
	"fmt"
	"slices"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// patternEdge is an undirected edge of the constraint graph; a is the
// canonical source.
type patternEdge struct {
	kind  EdgeKind
	a, b  Identifier
	roles []uint16
}

// Compile plans the positive constraints of conj into one procedure per
// connected component of its constraint graph. Variables in bounds are
// fixed to the given concepts. The plan is deterministic for a given
// conjunction, bounds and schema. Negations are left to MatchIterator.
func Compile(g *graph.Graph, conj pattern.Conjunction, bounds map[string]graph.IID) ([]*Procedure, error) {
	if err := conj.Validate(); err != nil {
		return nil, err
	}
	c := &compiler{g: g, vertices: make(map[Identifier]*Vertex)}
	for i, con := range conj.Constraints {
		if _, ok := con.(pattern.Not); ok {
			continue
		}
		if err := c.add(i, con); err != nil {
			return nil, err
		}
	}
	for name, iid := range bounds {
		if v, ok := c.vertices[Named(name)]; ok {
			v.Fixed = iid
		}
	}
	return c.plan()
}

type compiler struct {
	g        *graph.Graph
	vertices map[Identifier]*Vertex
	order    []Identifier // first appearance
	edges    []patternEdge
}

func (c *compiler) vertex(id Identifier) *Vertex {
	v, ok := c.vertices[id]
	if !ok {
		v = &Vertex{ID: id}
		c.vertices[id] = v
		c.order = append(c.order, id)
	}
	return v
}

func (c *compiler) typeIDs(label string, kind graph.Kind) ([]uint16, error) {
	types, err := c.g.Subtypes(label)
	if err != nil {
		return nil, err
	}
	if len(types) > 0 && types[0].Kind != kind && kind != 0 {
		return nil, &graph.SchemaError{Label: label, Reason: fmt.Sprintf("not a %s type", kind)}
	}
	ids := make([]uint16, len(types))
	for i, t := range types {
		ids[i] = t.ID
	}
	return ids, nil
}

func (c *compiler) add(i int, con pattern.Constraint) error {
	switch x := con.(type) {
	case pattern.Isa:
		ids, err := c.typeIDs(x.Type, 0)
		if err != nil {
			return err
		}
		c.vertex(Named(x.Var)).Restrict(ids)
	case pattern.Value:
		v := c.vertex(Named(x.Var))
		v.Attribute = true
		val, err := pattern.Normalize(x.Value)
		if err != nil {
			return err
		}
		v.Values = append(v.Values, Predicate{Op: x.Op, Value: val})
	case pattern.Has:
		c.vertex(Named(x.Owner))
		attr := c.vertex(Named(x.Attr))
		attr.Attribute = true
		if x.Type != "" {
			ids, err := c.typeIDs(x.Type, graph.KindAttribute)
			if err != nil {
				return err
			}
			attr.Restrict(ids)
		}
		c.edges = append(c.edges, patternEdge{kind: Has, a: Named(x.Owner), b: Named(x.Attr)})
	case pattern.Relation:
		rel := Named(x.Var)
		if x.Var == "" {
			rel = Identifier{Name: fmt.Sprintf("rel%d", i), Anonymous: true}
		}
		ids, err := c.typeIDs(x.Type, graph.KindRelation)
		if err != nil {
			return err
		}
		c.vertex(rel).Restrict(ids)
		for _, rp := range x.Players {
			var roles []uint16
			if rp.Role != "" {
				rt, err := c.g.ResolveRole(x.Type, rp.Role)
				if err != nil {
					return err
				}
				roles = []uint16{rt.ID}
			}
			c.vertex(Named(rp.Player))
			c.edges = append(c.edges, patternEdge{kind: RolePlayer, a: rel, b: Named(rp.Player), roles: roles})
		}
	default:
		return fmt.Errorf("traversal: unsupported constraint %T", con)
	}
	return nil
}

// startScore ranks start candidates; lower is better.
func startScore(v *Vertex) int {
	switch {
	case v.Fixed != "":
		return 0
	case v.Attribute && hasEq(v):
		return 1
	case v.Typed && !v.ID.Anonymous:
		return 2 + len(v.Types)
	case v.Typed:
		return 1 << 16
	case !v.ID.Anonymous:
		return 1 << 17
	}
	return 1 << 18
}

func hasEq(v *Vertex) bool {
	for _, p := range v.Values {
		if p.Op == pattern.Eq {
			return true
		}
	}
	return false
}

func (c *compiler) plan() ([]*Procedure, error) {
	visited := make(map[Identifier]bool)
	used := make([]bool, len(c.edges))
	var procs []*Procedure

	for len(visited) < len(c.order) {
		var start Identifier
		best := -1
		for _, id := range c.order {
			if visited[id] {
				continue
			}
			if s := startScore(c.vertices[id]); best < 0 || s < best {
				start, best = id, s
			}
		}
		visited[start] = true
		component := []*Vertex{c.vertices[start]}
		var edges []*Edge

		for {
			next := -1
			// Closures first: they prune without enumerating.
			for i, pe := range c.edges {
				if !used[i] && visited[pe.a] && visited[pe.b] {
					next = i
					break
				}
			}
			if next < 0 {
				for i, pe := range c.edges {
					if !used[i] && (visited[pe.a] || visited[pe.b]) {
						next = i
						break
					}
				}
			}
			if next < 0 {
				break
			}
			used[next] = true
			pe := c.edges[next]
			e := &Edge{Kind: pe.kind, From: pe.a, To: pe.b, RoleTypes: pe.roles}
			if !visited[pe.a] {
				e.From, e.To, e.Backward = pe.b, pe.a, true
			}
			if !visited[e.To] {
				visited[e.To] = true
				component = append(component, c.vertices[e.To])
			}
			edges = append(edges, e)
		}
		proc, err := NewProcedure(start, component, edges)
		if err != nil {
			return nil, err
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// Starts returns the candidate concepts for the start vertex of proc.
func Starts(g *graph.Graph, proc *Procedure) (graph.Iterator, error) {
	v := proc.Vertices[proc.Start]
	if v.Fixed != "" {
		return graph.NewSliceIterator(v.Fixed), nil
	}
	if v.Attribute && hasEq(v) {
		return attributeStarts(g, v)
	}
	types, err := startTypes(g, v)
	if err != nil {
		return nil, err
	}
	return g.InstancesOfTypes(types), nil
}

func startTypes(g *graph.Graph, v *Vertex) ([]*graph.Type, error) {
	if !v.Typed {
		roots := []string{graph.RootAttribute}
		if !v.Attribute {
			roots = []string{graph.RootEntity, graph.RootRelation, graph.RootAttribute}
		}
		var types []*graph.Type
		for _, r := range roots {
			sub, err := g.Subtypes(r)
			if err != nil {
				return nil, err
			}
			types = append(types, sub...)
		}
		return types, nil
	}
	types := make([]*graph.Type, 0, len(v.Types))
	for _, id := range v.Types {
		t, err := g.TypeByID(id)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// attributeStarts looks attributes up by value instead of scanning.
func attributeStarts(g *graph.Graph, v *Vertex) (graph.Iterator, error) {
	var target any
	for _, p := range v.Values {
		if p.Op == pattern.Eq {
			target = p.Value
			break
		}
	}
	if !v.Typed {
		it, err := g.AttributesByValue(target)
		if err != nil {
			return nil, err
		}
		return it, nil
	}
	var iids []graph.IID
	for _, id := range v.Types {
		t, err := g.TypeByID(id)
		if err != nil {
			return nil, err
		}
		if t.Kind != graph.KindAttribute {
			continue
		}
		val, same := graph.EquivalentValue(t.ValueType, target)
		if !same {
			continue
		}
		iid, err := graph.AttributeIID(t.ID, val)
		if err != nil {
			return nil, err
		}
		ok, err := g.Exists(iid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		iids = append(iids, iid)
	}
	slices.Sort(iids)
	return graph.NewSliceIterator(iids...), nil
}
