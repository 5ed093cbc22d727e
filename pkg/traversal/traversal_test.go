package traversal

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/storage"
)

// fixture is a small social graph. Things are referred to by short names.
type fixture struct {
	m     *graph.Manager
	iids  map[string]graph.IID
	names map[graph.IID]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := storage.Open(storage.Options{InMemory: true, IteratorBatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	m, err := graph.NewManager(engine, graph.Options{})
	require.NoError(t, err)
	f := &fixture{m: m, iids: make(map[string]graph.IID), names: make(map[graph.IID]string)}

	f.write(t, func(g *graph.Graph) {
		_, err := g.PutAttributeType("name", "", graph.String)
		require.NoError(t, err)
		_, err = g.PutAttributeType("age", "", graph.Long)
		require.NoError(t, err)
		_, err = g.PutEntityType("person", "")
		require.NoError(t, err)
		_, err = g.PutEntityType("company", "")
		require.NoError(t, err)
		for _, rel := range []struct {
			label string
			roles []string
		}{{"friendship", []string{"friend"}}, {"p1", []string{"from", "to"}}, {"p2", []string{"from", "to"}}} {
			_, err = g.PutRelationType(rel.label, "", rel.roles...)
			require.NoError(t, err)
			for _, role := range rel.roles {
				require.NoError(t, g.SetPlays("person", rel.label, role))
			}
		}
		require.NoError(t, g.SetOwns("person", "name"))
		require.NoError(t, g.SetOwns("person", "age"))
	})
	return f
}

func (f *fixture) write(t *testing.T, fn func(g *graph.Graph)) {
	t.Helper()
	g, err := f.m.Begin(true)
	require.NoError(t, err)
	fn(g)
	require.NoError(t, g.Commit())
}

func (f *fixture) read(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := f.m.Begin(false)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func (f *fixture) remember(name string, iid graph.IID) {
	f.iids[name] = iid
	f.names[iid] = name
}

// person creates a person with the given name and ages. The thing and its
// name attribute are remembered under name and "name:"+name.
func (f *fixture) person(t *testing.T, g *graph.Graph, name string, ages ...int) graph.IID {
	t.Helper()
	p, err := g.CreateEntity("person")
	require.NoError(t, err)
	n, err := g.PutAttribute("name", name)
	require.NoError(t, err)
	require.NoError(t, g.PutHas(p.IID, n.IID))
	for _, age := range ages {
		a, err := g.PutAttribute("age", age)
		require.NoError(t, err)
		require.NoError(t, g.PutHas(p.IID, a.IID))
		f.remember("age:"+strconv.Itoa(age), a.IID)
	}
	f.remember(name, p.IID)
	f.remember("name:"+name, n.IID)
	return p.IID
}

// personNamed creates a person owning an existing or new name attribute.
func (f *fixture) personNamed(t *testing.T, g *graph.Graph, id, name string) {
	t.Helper()
	p, err := g.CreateEntity("person")
	require.NoError(t, err)
	n, err := g.PutAttribute("name", name)
	require.NoError(t, err)
	require.NoError(t, g.PutHas(p.IID, n.IID))
	f.remember(id, p.IID)
	f.remember("name:"+name, n.IID)
}

func (f *fixture) relate(t *testing.T, g *graph.Graph, label string, players ...string) graph.IID {
	t.Helper()
	r, err := g.CreateRelation(label)
	require.NoError(t, err)
	for i := 0; i < len(players); i += 2 {
		require.NoError(t, g.AddRolePlayer(r.IID, players[i], f.iids[players[i+1]]))
	}
	return r.IID
}

// render turns answers into sorted "var=name" strings.
func (f *fixture) render(answers []VertexMap) []string {
	out := make([]string, 0, len(answers))
	for _, a := range answers {
		vars := make([]string, 0, len(a))
		for v := range a {
			vars = append(vars, v)
		}
		sort.Strings(vars)
		parts := make([]string, len(vars))
		for i, v := range vars {
			name, ok := f.names[a[v]]
			if !ok {
				name = a[v].String()
			}
			parts[i] = v + "=" + name
		}
		out = append(out, strings.Join(parts, ","))
	}
	sort.Strings(out)
	return out
}

func drain(t *testing.T, src answerSource) []VertexMap {
	t.Helper()
	ctx := context.Background()
	var out []VertexMap
	for src.HasNext(ctx) {
		out = append(out, src.Next())
	}
	require.NoError(t, src.Err())
	return out
}

func match(t *testing.T, g *graph.Graph, conj pattern.Conjunction, opts MatchOptions) []VertexMap {
	t.Helper()
	it, err := NewMatchIterator(context.Background(), g, conj, nil, opts)
	require.NoError(t, err)
	return drain(t, it)
}

// ============================================================================
// GraphIterator
// ============================================================================

func TestGraphIterator_EnumeratesEveryBindingOnce(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a", 1)
		f.person(t, g, "b")
		f.person(t, g, "c", 3, 4)
	})
	g := f.read(t)
	nameType, err := g.Type("name")
	require.NoError(t, err)
	ageType, err := g.Type("age")
	require.NoError(t, err)

	x, n, age := Named("x"), Named("n"), Named("age")
	nameV := &Vertex{ID: n}
	nameV.Restrict([]uint16{nameType.ID})
	ageV := &Vertex{ID: age}
	ageV.Restrict([]uint16{ageType.ID})
	proc, err := NewProcedure(x, []*Vertex{nameV, ageV}, []*Edge{
		{Kind: Has, From: x, To: n},
		{Kind: Has, From: x, To: age},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "n", "x"}, proc.Named())

	var all []VertexMap
	for _, start := range []string{"a", "b", "c"} {
		it := NewGraphIterator(g, proc, f.iids[start])
		all = append(all, drain(t, it)...)
	}
	assert.Equal(t, []string{
		"age=age:1,n=name:a,x=a",
		"age=age:3,n=name:c,x=c",
		"age=age:4,n=name:c,x=c",
	}, f.render(all))

	// The same input gives the same order.
	first := drain(t, NewGraphIterator(g, proc, f.iids["c"]))
	second := drain(t, NewGraphIterator(g, proc, f.iids["c"]))
	assert.Equal(t, first, second)
}

func TestGraphIterator_DependenciesAndBackjump(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		p, err := g.CreateEntity("person")
		require.NoError(t, err)
		for _, name := range []string{"n1", "n2", "n3"} {
			a, err := g.PutAttribute("name", name)
			require.NoError(t, err)
			require.NoError(t, g.PutHas(p.IID, a.IID))
		}
		f.remember("p", p.IID)
	})
	g := f.read(t)
	ageType, err := g.Type("age")
	require.NoError(t, err)

	x, n, age := Named("x"), Named("n"), Named("age")
	ageV := &Vertex{ID: age}
	ageV.Restrict([]uint16{ageType.ID})
	proc, err := NewProcedure(x, []*Vertex{ageV}, []*Edge{
		{Kind: Has, From: x, To: n},
		{Kind: Has, From: x, To: age},
	})
	require.NoError(t, err)
	e2 := proc.Edges[1]
	assert.True(t, e2.DependsOn().Test(0))
	assert.False(t, e2.DependsOn().Test(1), "the age edge does not read $n")

	// The age edge fails on the first name; the search jumps straight back
	// to the start instead of trying the other names.
	it := NewGraphIterator(g, proc, f.iids["p"])
	ok, err := it.advance(1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = it.advance(2)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, 0, it.backjump(2))
	assert.Equal(t, 1, it.frames[1].taken, "only the first name was tried")
	it.Recycle()

	it = NewGraphIterator(g, proc, f.iids["p"])
	assert.False(t, it.HasNext(context.Background()))
	require.NoError(t, it.Err())
}

func TestGraphIterator_ClosureSkipsOnlyFailingCandidates(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.personNamed(t, g, "a", "Sam")
		f.personNamed(t, g, "b", "Sam")
		f.personNamed(t, g, "c", "Cat")
		f.personNamed(t, g, "d", "Sam")
		f.relate(t, g, "friendship", "friend", "a", "friend", "b")
		f.relate(t, g, "friendship", "friend", "a", "friend", "c")
		f.relate(t, g, "friendship", "friend", "a", "friend", "d")
	})
	g := f.read(t)
	conj := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"}}},
		pattern.Has{Owner: "x", Type: "name", Attr: "n"},
		pattern.Has{Owner: "y", Type: "name", Attr: "n"},
	)
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	var closures int
	for _, e := range procs[0].Edges {
		if e.Closure() {
			closures++
		}
	}
	assert.Equal(t, 1, closures)

	assert.Equal(t, []string{
		"n=name:Sam,x=a,y=b",
		"n=name:Sam,x=a,y=d",
		"n=name:Sam,x=b,y=a",
		"n=name:Sam,x=d,y=a",
	}, f.render(match(t, g, conj, MatchOptions{})))
}

func TestGraphIterator_RoleInstancesAreDistinct(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a")
		f.person(t, g, "b")
		f.relate(t, g, "friendship", "friend", "a", "friend", "b")
	})
	g := f.read(t)
	conj := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Relation{Var: "r", Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"}}},
	)
	got := f.render(match(t, g, conj, MatchOptions{}))
	require.Len(t, got, 2)
	for _, a := range got {
		assert.NotContains(t, a, "x=a,y=a")
		assert.NotContains(t, a, "x=b,y=b")
	}
}

func TestGraphIterator_AnonymousLeafTakesOneCandidate(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a")
		f.person(t, g, "b")
		f.person(t, g, "c")
		f.relate(t, g, "friendship", "friend", "a", "friend", "b")
		f.relate(t, g, "friendship", "friend", "a", "friend", "c")
	})
	g := f.read(t)
	conj := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}}},
	)
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)
	require.Len(t, procs[0].Edges, 1)
	assert.True(t, procs[0].Edges[0].leaf)

	it := NewGraphIterator(g, procs[0], f.iids["a"])
	assert.Len(t, drain(t, it), 1)
	assert.Equal(t, []string{"x=a", "x=b", "x=c"}, f.render(match(t, g, conj, MatchOptions{})))
}

func TestGraphIterator_Recycle(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a", 1, 2, 3)
	})
	g := f.read(t)
	conj := pattern.And(pattern.Isa{Var: "x", Type: "person"}, pattern.Has{Owner: "x", Type: "age", Attr: "n"})
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)

	it := NewGraphIterator(g, procs[0], f.iids["a"])
	ctx := context.Background()
	require.True(t, it.HasNext(ctx))
	require.NotNil(t, it.Next())
	it.Recycle()
	it.Recycle()
	assert.False(t, it.HasNext(ctx))
	assert.ErrorIs(t, it.Err(), ErrIteratorRecycled)
	for _, fr := range it.frames {
		assert.Nil(t, fr.it)
	}
}

func TestGraphIterator_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) { f.person(t, g, "a", 1) })
	g := f.read(t)
	procs, err := Compile(g, pattern.And(pattern.Has{Owner: "x", Type: "age", Attr: "n"}), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := NewGraphIterator(g, procs[0], f.iids["age:1"])
	assert.False(t, it.HasNext(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

// ============================================================================
// Planner and matching
// ============================================================================

func TestMatch_TwoConjunctChain(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		for _, n := range []string{"a", "b", "c", "d"} {
			f.person(t, g, n)
		}
		f.relate(t, g, "p1", "from", "a", "to", "b")
		f.relate(t, g, "p1", "from", "a", "to", "c")
		f.relate(t, g, "p2", "from", "b", "to", "d")
	})
	g := f.read(t)
	conj := pattern.And(
		pattern.Relation{Type: "p1", Players: []pattern.RolePlayer{{Role: "from", Player: "x"}, {Role: "to", Player: "y"}}},
		pattern.Relation{Type: "p2", Players: []pattern.RolePlayer{{Role: "from", Player: "y"}, {Role: "to", Player: "z"}}},
	)
	for _, par := range []int{1, 4} {
		assert.Equal(t, []string{"x=a,y=b,z=d"}, f.render(match(t, g, conj, MatchOptions{Parallelisation: par, BatchSize: 1})))
	}
}

func TestMatch_ComponentsAreJoined(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a")
		f.person(t, g, "b")
		c, err := g.CreateEntity("company")
		require.NoError(t, err)
		f.remember("acme", c.IID)
	})
	g := f.read(t)
	conj := pattern.And(pattern.Isa{Var: "x", Type: "person"}, pattern.Isa{Var: "c", Type: "company"})
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)
	assert.Len(t, procs, 2)
	assert.Equal(t, []string{"c=acme,x=a", "c=acme,x=b"}, f.render(match(t, g, conj, MatchOptions{})))
}

func TestMatch_ValueLookupAndBounds(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a", 30)
		f.person(t, g, "b", 40)
		f.person(t, g, "c", 30)
	})
	g := f.read(t)
	conj := pattern.And(
		pattern.Has{Owner: "x", Type: "age", Attr: "n"},
		pattern.Value{Var: "n", Op: pattern.Eq, Value: 30},
	)
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)
	assert.Equal(t, Named("n"), procs[0].Start, "value lookups start the plan")
	assert.Equal(t, []string{"n=age:30,x=a", "n=age:30,x=c"}, f.render(match(t, g, conj, MatchOptions{})))

	it, err := NewMatchIterator(context.Background(), g, conj, map[string]graph.IID{"x": f.iids["c"]}, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"n=age:30,x=c"}, f.render(drain(t, it)))

	older := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Has{Owner: "x", Type: "age", Attr: "n"},
		pattern.Value{Var: "n", Op: pattern.Gt, Value: 35},
	)
	assert.Equal(t, []string{"n=age:40,x=b"}, f.render(match(t, g, older, MatchOptions{})))
}

func TestMatch_Negation(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a", 30)
		f.person(t, g, "b", 40)
		f.person(t, g, "c", 50)
		f.person(t, g, "d")
		f.relate(t, g, "p1", "from", "a", "to", "b")
		f.relate(t, g, "p1", "from", "b", "to", "c")
		f.relate(t, g, "p1", "from", "c", "to", "d")
	})
	g := f.read(t)
	from := func(x, y string) pattern.Relation {
		return pattern.Relation{Type: "p1", Players: []pattern.RolePlayer{{Role: "from", Player: x}, {Role: "to", Player: y}}}
	}

	sinks := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Not{Conjunction: pattern.And(from("x", "y"))},
	)
	procs, err := Compile(g, sinks, nil)
	require.NoError(t, err)
	assert.Len(t, procs, 1, "negated constraints are not planned")
	for _, par := range []int{1, 4} {
		assert.Equal(t, []string{"x=d"}, f.render(match(t, g, sinks, MatchOptions{Parallelisation: par})))
	}

	// A value test under a negation reads the bound attribute.
	young := pattern.And(
		pattern.Has{Owner: "x", Type: "age", Attr: "n"},
		pattern.Not{Conjunction: pattern.And(pattern.Value{Var: "n", Op: pattern.Gt, Value: 35})},
	)
	assert.Equal(t, []string{"n=age:30,x=a"}, f.render(match(t, g, young, MatchOptions{})))

	// Nested: people who point at someone and only at people with an age.
	nested := pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		from("x", "z"),
		pattern.Not{Conjunction: pattern.And(
			from("x", "y"),
			pattern.Not{Conjunction: pattern.And(pattern.Has{Owner: "y", Type: "age", Attr: "n"})},
		)},
	)
	assert.Equal(t, []string{"x=a,z=b", "x=b,z=c"}, f.render(match(t, g, nested, MatchOptions{})))

	found, err := Exists(context.Background(), g, pattern.And(from("x", "y")), map[string]graph.IID{"x": f.iids["d"]})
	require.NoError(t, err)
	assert.False(t, found)
	found, err = Exists(context.Background(), g, pattern.And(from("x", "y")), map[string]graph.IID{"x": f.iids["a"]})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCompile_Errors(t *testing.T) {
	f := newFixture(t)
	g := f.read(t)
	_, err := Compile(g, pattern.And(pattern.Isa{Var: "x", Type: "missing"}), nil)
	assert.ErrorIs(t, err, graph.ErrTypeNotFound)
	_, err = Compile(g, pattern.And(pattern.Has{Owner: "x", Type: "person", Attr: "n"}), nil)
	var se *graph.SchemaError
	assert.ErrorAs(t, err, &se)
	_, err = Compile(g, pattern.Conjunction{}, nil)
	assert.Error(t, err)
}

func TestNewProcedure_RejectsUnboundFrom(t *testing.T) {
	_, err := NewProcedure(Named("x"), nil, []*Edge{{Kind: Has, From: Named("y"), To: Named("n")}})
	assert.Error(t, err)
}

// ============================================================================
// GraphProducer
// ============================================================================

type collectSink struct {
	mu      sync.Mutex
	answers []VertexMap
	done    chan BatchResult
}

func newCollectSink() *collectSink { return &collectSink{done: make(chan BatchResult, 1)} }

func (s *collectSink) Put(a VertexMap) {
	s.mu.Lock()
	s.answers = append(s.answers, a)
	s.mu.Unlock()
}

func (s *collectSink) Done(r BatchResult) { s.done <- r }

func (s *collectSink) wait(t *testing.T) BatchResult {
	t.Helper()
	select {
	case r := <-s.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not finish")
		return BatchResult{}
	}
}

func TestGraphProducer_DeduplicatesAcrossStarts(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a")
		f.person(t, g, "b")
		f.relate(t, g, "friendship", "friend", "a", "friend", "b")
		f.relate(t, g, "friendship", "friend", "a", "friend", "b")
	})
	g := f.read(t)
	conj := pattern.And(pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"}}})
	procs, err := Compile(g, conj, nil)
	require.NoError(t, err)
	require.True(t, procs[0].Start.Anonymous, "the typed relation starts the plan")

	starts, err := Starts(g, procs[0])
	require.NoError(t, err)
	p := NewGraphProducer(g, procs[0], starts, 4)
	defer p.Recycle()

	first := newCollectSink()
	p.Produce(context.Background(), first, 1)
	res := first.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Delivered)

	rest := newCollectSink()
	p.Produce(context.Background(), rest, 10)
	res = rest.wait(t)
	require.NoError(t, res.Err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 1, res.Delivered)

	all := append(first.answers, rest.answers...)
	assert.Equal(t, []string{"x=a,y=b", "x=b,y=a"}, f.render(all))
}

// failingStarts yields its items and then fails.
type failingStarts struct {
	*graph.SliceIterator
	err error
}

func (f *failingStarts) Err() error {
	return f.err
}

func TestGraphProducer_ErrorKeepsDeliveredAnswers(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		f.person(t, g, "a", 1)
	})
	g := f.read(t)
	procs, err := Compile(g, pattern.And(pattern.Isa{Var: "x", Type: "person"}, pattern.Has{Owner: "x", Type: "age", Attr: "n"}), nil)
	require.NoError(t, err)

	boom := errors.New("disk on fire")
	starts := &failingStarts{SliceIterator: graph.NewSliceIterator(f.iids["a"]), err: boom}
	p := NewGraphProducer(g, procs[0], starts, 1)
	defer p.Recycle()

	sink := newCollectSink()
	p.Produce(context.Background(), sink, 5)
	res := sink.wait(t)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"n=age:1,x=a"}, f.render(sink.answers))
	assert.True(t, res.Exhausted)
}

func TestGraphProducer_IterateAndRecycle(t *testing.T) {
	f := newFixture(t)
	f.write(t, func(g *graph.Graph) {
		for i := 0; i < 20; i++ {
			f.person(t, g, "p"+strconv.Itoa(i), i)
		}
	})
	g := f.read(t)
	procs, err := Compile(g, pattern.And(pattern.Isa{Var: "x", Type: "person"}, pattern.Has{Owner: "x", Type: "age", Attr: "n"}), nil)
	require.NoError(t, err)

	starts, err := Starts(g, procs[0])
	require.NoError(t, err)
	all := drain(t, NewGraphProducer(g, procs[0], starts, 3).Iterate(context.Background(), 4))
	assert.Len(t, all, 20)
	keys := make([]string, len(all))
	for i, a := range all {
		keys[i] = a.Key()
	}
	slices.Sort(keys)
	assert.Len(t, slices.Compact(keys), 20)

	starts, err = Starts(g, procs[0])
	require.NoError(t, err)
	s := NewGraphProducer(g, procs[0], starts, 3).Iterate(context.Background(), 2)
	require.True(t, s.HasNext(context.Background()))
	s.Recycle()
}
