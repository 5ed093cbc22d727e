package graph

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kbgraph/pkg/encoding"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	engine, err := storage.Open(storage.Options{InMemory: true, IteratorBatchSize: 3})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	m, err := NewManager(engine, Options{})
	require.NoError(t, err)
	return m
}

// defineSocial creates a small schema: people with names and ages who can
// be friends and employees of companies.
func defineSocial(t *testing.T, m *Manager) {
	t.Helper()
	g, err := m.Begin(true)
	require.NoError(t, err)
	_, err = g.PutAttributeType("name", "", String)
	require.NoError(t, err)
	_, err = g.PutAttributeType("age", "", Long)
	require.NoError(t, err)
	_, err = g.PutAttributeType("tag", "", String)
	require.NoError(t, err)
	require.NoError(t, g.SetDependent("tag"))
	_, err = g.PutEntityType("person", "")
	require.NoError(t, err)
	_, err = g.PutEntityType("student", "person")
	require.NoError(t, err)
	_, err = g.PutEntityType("company", "")
	require.NoError(t, err)
	_, err = g.PutRelationType("friendship", "", "friend")
	require.NoError(t, err)
	_, err = g.PutRelationType("employment", "", "employee", "employer")
	require.NoError(t, err)
	require.NoError(t, g.SetOwns("person", "name"))
	require.NoError(t, g.SetOwns("person", "age"))
	require.NoError(t, g.SetOwns("person", "tag"))
	require.NoError(t, g.SetOwns("company", "name"))
	require.NoError(t, g.SetPlays("person", "friendship", "friend"))
	require.NoError(t, g.SetPlays("person", "employment", "employee"))
	require.NoError(t, g.SetPlays("company", "employment", "employer"))
	require.NoError(t, g.Commit())
}

func write(t *testing.T, m *Manager, fn func(g *Graph)) {
	t.Helper()
	g, err := m.Begin(true)
	require.NoError(t, err)
	fn(g)
	require.NoError(t, g.Commit())
}

func read(t *testing.T, m *Manager, fn func(g *Graph)) {
	t.Helper()
	g, err := m.Begin(false)
	require.NoError(t, err)
	defer g.Close()
	fn(g)
}

// ============================================================================
// IIDs and keys
// ============================================================================

func TestIID_ParseRoundTrip(t *testing.T) {
	attr, err := AttributeIID(7, "Alice")
	require.NoError(t, err)
	when, err := AttributeIID(8, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC))
	require.NoError(t, err)

	iids := []IID{
		TypeIID(KindEntity, 1),
		TypeIID(KindRole, 0xffff),
		ThingIID(KindEntity, 3, 1),
		ThingIID(KindRelation, 4, 1<<40),
		InferredRelationIID(4, []RoleBinding{{RoleType: 5, Player: ThingIID(KindEntity, 3, 1)}}),
		attr,
		when,
	}
	var buf []byte
	for _, iid := range iids {
		buf = append(buf, iid...)
	}
	pos := 0
	for _, want := range iids {
		got, next, err := ParseIID(buf, pos)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		pos = next
	}
	assert.Equal(t, len(buf), pos)

	v, err := attr.Value()
	require.NoError(t, err)
	assert.Equal(t, "Alice", v)
	assert.Equal(t, uint16(7), attr.TypeID())
	assert.Equal(t, String, attr.ValueType())
	assert.Equal(t, attr, MustParseIID(attr.String()))
}

func TestIID_ParseRejectsCorruptInput(t *testing.T) {
	attr, err := AttributeIID(7, "Alice")
	require.NoError(t, err)
	cases := map[string][]byte{
		"empty":            {},
		"unknown prefix":   {99, 0, 1},
		"truncated thing":  []byte(ThingIID(KindEntity, 1, 1))[:7],
		"truncated attr":   []byte(attr)[:len(attr)-1],
		"bad value type":   {PrefixAttribute, 0, 7, 99, 1},
		"truncated header": {PrefixAttribute, 0},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseIID(b, 0)
			assert.ErrorIs(t, err, encoding.ErrCorruptEncoding)
		})
	}
}

func TestIID_AttributeOrderFollowsValue(t *testing.T) {
	a, _ := AttributeIID(1, int64(-5))
	b, _ := AttributeIID(1, int64(3))
	c, _ := AttributeIID(1, int64(300))
	assert.Less(t, string(a), string(b))
	assert.Less(t, string(b), string(c))
}

func TestKeys_CategoriesAreDisjoint(t *testing.T) {
	player := ThingIID(KindEntity, 3, 9)
	attr, _ := AttributeIID(7, "x")
	role := ThingIID(KindRole, 5, 1)
	cols := [][]byte{
		propertyColumn(PropLabel),
		propertyColumn(PropExists),
		edgeColumn(EdgeHas, true, attr),
		edgeColumn(EdgeHas, false, player),
		edgeColumn(EdgePlaying, true, role),
		edgeColumn(EdgePlaying, false, player),
		edgeColumn(EdgeRelating, true, role),
		rolePlayerColumn(true, 5, player, role),
		rolePlayerColumn(false, 5, player, role),
	}
	propLo, propHi := encoding.Bounds(encoding.CategoryProperty, true)
	edgeLo, edgeHi := encoding.Bounds(encoding.CategoryEdge, true)
	for i, col := range cols {
		inProp := bytes.Compare(col, propLo) >= 0 && bytes.Compare(col, propHi) < 0
		inEdge := bytes.Compare(col, edgeLo) >= 0 && bytes.Compare(col, edgeHi) < 0
		assert.True(t, inProp != inEdge, "column %d must be in exactly one category", i)
		assert.Equal(t, i < 2, inProp)
		for j, other := range cols {
			if i != j {
				assert.False(t, bytes.Equal(col, other), "columns %d and %d collide", i, j)
			}
		}
	}
}

func TestKeys_EdgeColumnRoundTrip(t *testing.T) {
	attr, _ := AttributeIID(7, "Alice")
	owner := ThingIID(KindEntity, 3, 9)
	role := ThingIID(KindRole, 5, 1)

	e, err := decodeEdgeColumn(edgeColumn(EdgeHas, true, attr))
	require.NoError(t, err)
	assert.Equal(t, edge{kind: EdgeHas, out: true, neighbor: attr}, e)

	e, err = decodeEdgeColumn(edgeColumn(EdgeHas, false, owner))
	require.NoError(t, err)
	assert.Equal(t, owner, e.neighbor)
	assert.False(t, e.out)

	e, err = decodeEdgeColumn(rolePlayerColumn(true, 5, owner, role))
	require.NoError(t, err)
	assert.Equal(t, edge{kind: EdgeRolePlayer, out: true, roleType: 5, neighbor: owner, via: role}, e)

	bad := edgeColumn(EdgeHas, true, attr)
	bad[len(bad)-1] = 0x80 | 3
	_, err = decodeEdgeColumn(bad)
	assert.ErrorIs(t, err, encoding.ErrCorruptEncoding)

	_, err = decodeEdgeColumn(propertyColumn(PropLabel))
	assert.ErrorIs(t, err, encoding.ErrCorruptEncoding)
}

// ============================================================================
// Schema
// ============================================================================

func TestSchema_DefineAndReload(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	read(t, m, func(g *Graph) {
		person, err := g.Type("person")
		require.NoError(t, err)
		assert.Equal(t, KindEntity, person.Kind)
		assert.Equal(t, RootEntity, person.Super)
		assert.Equal(t, []string{"student"}, person.Subs)
		assert.Equal(t, []string{"age", "name", "tag"}, person.Owns)
		assert.Equal(t, []string{"employment:employee", "friendship:friend"}, person.Plays)

		subs, err := g.Subtypes("person")
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "student", subs[1].Label)

		student, err := g.Type("student")
		require.NoError(t, err)
		name, err := g.Type("name")
		require.NoError(t, err)
		ok, err := g.CanOwn(student, name)
		require.NoError(t, err)
		assert.True(t, ok, "owns is inherited")

		role, err := g.ResolveRole("employment", "employer")
		require.NoError(t, err)
		assert.Equal(t, KindRole, role.Kind)
		assert.Equal(t, "employment", role.Scope)

		tag, err := g.Type("tag")
		require.NoError(t, err)
		assert.True(t, tag.Dependent)

		byID, err := g.TypeByID(person.ID)
		require.NoError(t, err)
		assert.Equal(t, "person", byID.Label)

		root, err := g.Type(RootEntity)
		require.NoError(t, err)
		assert.True(t, root.Abstract)
	})
}

func TestSchema_Errors(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	g, err := m.Begin(true)
	require.NoError(t, err)
	defer g.Close()

	var se *SchemaError
	_, err = g.PutRelationType("person", "")
	assert.ErrorAs(t, err, &se)
	_, err = g.PutAttributeType("name", "", Long)
	assert.ErrorAs(t, err, &se)
	_, err = g.PutAttributeType("nickname", "name", Long)
	assert.ErrorAs(t, err, &se)
	_, err = g.PutEntityType("bad label", "")
	assert.ErrorAs(t, err, &se)
	assert.ErrorAs(t, g.SetOwns("person", "company"), &se)
	_, err = g.ResolveRole("friendship", "boss")
	assert.ErrorAs(t, err, &se)
	_, err = g.Type("missing")
	assert.ErrorIs(t, err, ErrTypeNotFound)

	_, err = g.CreateEntity(RootEntity)
	assert.ErrorAs(t, err, &se, "root types are abstract")
}

func TestSchema_ConcurrentSchemaChangeDetected(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	a, err := m.Begin(true)
	require.NoError(t, err)
	b, err := m.Begin(true)
	require.NoError(t, err)

	_, err = a.PutEntityType("animal", "")
	require.NoError(t, err)
	require.NoError(t, a.Commit())

	_, err = b.PutEntityType("plant", "")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Commit(), ErrSchemaChanged)

	read(t, m, func(g *Graph) {
		_, err := g.Type("animal")
		assert.NoError(t, err)
		_, err = g.Type("plant")
		assert.ErrorIs(t, err, ErrTypeNotFound)
	})
}

// ============================================================================
// Things
// ============================================================================

func TestThings_AttributeIsContentAddressed(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	var first IID
	write(t, m, func(g *Graph) {
		alice, err := g.CreateEntity("person")
		require.NoError(t, err)
		name, err := g.PutAttribute("name", "Alice")
		require.NoError(t, err)
		again, err := g.PutAttribute("name", "Alice")
		require.NoError(t, err)
		assert.Equal(t, name.IID, again.IID, "same transaction")
		require.NoError(t, g.PutHas(alice.IID, name.IID))
		first = name.IID
	})

	write(t, m, func(g *Graph) {
		other, err := g.CreateEntity("person")
		require.NoError(t, err)
		name, err := g.PutAttribute("name", "Alice")
		require.NoError(t, err)
		assert.Equal(t, first, name.IID, "across transactions")
		require.NoError(t, g.PutHas(other.IID, name.IID))
	})

	read(t, m, func(g *Graph) {
		n, err := g.OwnerCount(first)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		it, err := g.InstancesOf("name")
		require.NoError(t, err)
		names, err := Collect(it)
		require.NoError(t, err)
		assert.Equal(t, []IID{first}, names)

		th, err := g.AttributeByValue("name", "Alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", th.Value)

		byValue, err := g.AttributesByValue("Alice")
		require.NoError(t, err)
		all, err := Collect(byValue)
		require.NoError(t, err)
		assert.Equal(t, []IID{first}, all)
	})
}

func TestThings_ConcurrentIdenticalAttributesMerge(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	a, err := m.Begin(true)
	require.NoError(t, err)
	b, err := m.Begin(true)
	require.NoError(t, err)

	var iids []IID
	for _, g := range []*Graph{a, b} {
		p, err := g.CreateEntity("person")
		require.NoError(t, err)
		name, err := g.PutAttribute("name", "Alice")
		require.NoError(t, err)
		require.NoError(t, g.PutHas(p.IID, name.IID))
		iids = append(iids, name.IID)
	}
	assert.Equal(t, iids[0], iids[1])
	require.NoError(t, a.Commit())
	require.NoError(t, b.Commit())

	read(t, m, func(g *Graph) {
		it, err := g.InstancesOf("name")
		require.NoError(t, err)
		names, err := Collect(it)
		require.NoError(t, err)
		assert.Equal(t, []IID{iids[0]}, names)
		n, err := g.OwnerCount(iids[0])
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestThings_AttributeDeletedConcurrentlyIsReasserted(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	var tag IID
	write(t, m, func(g *Graph) {
		a, err := g.PutAttribute("tag", "vip")
		require.NoError(t, err)
		tag = a.IID
	})

	del, err := m.Begin(true)
	require.NoError(t, err)
	put, err := m.Begin(true)
	require.NoError(t, err)

	require.NoError(t, del.DeleteThing(tag))
	require.NoError(t, del.Commit())

	p, err := put.CreateEntity("person")
	require.NoError(t, err)
	a, err := put.PutAttribute("tag", "vip")
	require.NoError(t, err)
	require.NoError(t, put.PutHas(p.IID, a.IID))
	require.NoError(t, put.Commit())

	read(t, m, func(g *Graph) {
		th, err := g.AttributeByValue("tag", "vip")
		require.NoError(t, err)
		assert.Equal(t, tag, th.IID)
		n, err := g.OwnerCount(tag)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestThings_ValueTypeEnforced(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	g, err := m.Begin(true)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.PutAttribute("age", "old")
	var se *SchemaError
	assert.ErrorAs(t, err, &se)

	age, err := g.PutAttribute("age", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), age.Value)

	company, err := g.CreateEntity("company")
	require.NoError(t, err)
	assert.ErrorAs(t, g.PutHas(company.IID, age.IID), &se, "companies do not own age")
}

func TestThings_RolePlayersAndAdjacency(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)

	var alice, bob, acme, job IID
	write(t, m, func(g *Graph) {
		a, _ := g.CreateEntity("person")
		b, _ := g.CreateEntity("student")
		c, _ := g.CreateEntity("company")
		r, err := g.CreateRelation("employment")
		require.NoError(t, err)
		require.NoError(t, g.AddRolePlayer(r.IID, "employee", a.IID))
		require.NoError(t, g.AddRolePlayer(r.IID, "employee", b.IID))
		require.NoError(t, g.AddRolePlayer(r.IID, "employer", c.IID))

		var se *SchemaError
		assert.ErrorAs(t, g.AddRolePlayer(r.IID, "employer", a.IID), &se, "people are not employers")

		alice, bob, acme, job = a.IID, b.IID, c.IID, r.IID
	})

	read(t, m, func(g *Graph) {
		employee, err := g.ResolveRole("employment", "employee")
		require.NoError(t, err)

		players, err := Collect(g.RolePlayers(job, employee.ID))
		require.NoError(t, err)
		assert.ElementsMatch(t, []IID{alice, bob}, players)

		all, err := g.RelationPlayers(job)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		rels, err := Collect(g.Relations(acme))
		require.NoError(t, err)
		assert.Equal(t, []IID{job}, rels)

		roles, err := Collect(g.Relating(job))
		require.NoError(t, err)
		require.Len(t, roles, 3)
		player, err := Collect(g.PlayerOf(roles[0]))
		require.NoError(t, err)
		require.Len(t, player, 1)
		back, err := Collect(g.RelationOf(roles[0]))
		require.NoError(t, err)
		assert.Equal(t, []IID{job}, back)

		playing, err := Collect(g.Playing(alice))
		require.NoError(t, err)
		assert.Len(t, playing, 1)

		it, err := g.InstancesOf("person")
		require.NoError(t, err)
		people, err := Collect(it)
		require.NoError(t, err)
		assert.Equal(t, []IID{alice, bob}, people, "subtype instances follow supertype instances")
	})
}

func countPartitions(t *testing.T, m *Manager, parts ...storage.Partition) map[storage.Partition]int {
	t.Helper()
	out := make(map[storage.Partition]int)
	for _, p := range parts {
		n, err := m.Engine().CountPartition(p)
		require.NoError(t, err)
		out[p] = n
	}
	return out
}

func TestThings_DeleteThingRemovesEveryEdge(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	parts := []storage.Partition{storage.PartitionVertex, storage.PartitionEdgeFixed, storage.PartitionEdgeVariable, storage.PartitionEdgeOptimisation}
	before := countPartitions(t, m, parts...)

	var alice, bob, friendship, name IID
	write(t, m, func(g *Graph) {
		a, _ := g.CreateEntity("person")
		b, _ := g.CreateEntity("person")
		n, _ := g.PutAttribute("name", "Alice")
		require.NoError(t, g.PutHas(a.IID, n.IID))
		r, _ := g.CreateRelation("friendship")
		require.NoError(t, g.AddRolePlayer(r.IID, "friend", a.IID))
		require.NoError(t, g.AddRolePlayer(r.IID, "friend", b.IID))
		alice, bob, friendship, name = a.IID, b.IID, r.IID, n.IID
	})

	write(t, m, func(g *Graph) {
		require.NoError(t, g.DeleteThing(alice))
		require.NoError(t, g.DeleteThing(bob))
	})

	read(t, m, func(g *Graph) {
		ok, err := g.Exists(alice)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = g.Exists(friendship)
		require.NoError(t, err)
		assert.False(t, ok, "relation without players is cleaned up at commit")
		n, err := g.OwnerCount(name)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	after := countPartitions(t, m, parts...)
	assert.Equal(t, before[storage.PartitionEdgeFixed], after[storage.PartitionEdgeFixed])
	assert.Equal(t, before[storage.PartitionEdgeVariable], after[storage.PartitionEdgeVariable])
	assert.Equal(t, before[storage.PartitionEdgeOptimisation], after[storage.PartitionEdgeOptimisation])
	// Only the non-dependent name attribute survives.
	assert.Equal(t, before[storage.PartitionVertex]+1, after[storage.PartitionVertex])
}

func TestThings_RemoveRolePlayer(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	var a, rel IID
	write(t, m, func(g *Graph) {
		p, _ := g.CreateEntity("person")
		r, _ := g.CreateRelation("friendship")
		require.NoError(t, g.AddRolePlayer(r.IID, "friend", p.IID))
		a, rel = p.IID, r.IID
	})
	write(t, m, func(g *Graph) {
		require.NoError(t, g.RemoveRolePlayer(rel, "friend", a))
		require.NoError(t, g.RemoveRolePlayer(rel, "friend", a), "absent role player is a no-op")
	})
	read(t, m, func(g *Graph) {
		ok, err := g.Exists(rel)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = g.Exists(a)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCommit_RelationWithoutPlayersRejected(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	g, err := m.Begin(true)
	require.NoError(t, err)
	_, err = g.CreateRelation("friendship")
	require.NoError(t, err)
	assert.ErrorIs(t, g.Commit(), ErrInvalidCommit)
	assert.ErrorIs(t, g.Commit(), ErrGraphClosed)
}

func TestCommit_DependentAttributeCleanup(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	var p, tag, age IID
	write(t, m, func(g *Graph) {
		person, _ := g.CreateEntity("person")
		tg, _ := g.PutAttribute("tag", "vip")
		ag, _ := g.PutAttribute("age", 30)
		require.NoError(t, g.PutHas(person.IID, tg.IID))
		require.NoError(t, g.PutHas(person.IID, ag.IID))
		p, tag, age = person.IID, tg.IID, ag.IID
	})
	write(t, m, func(g *Graph) {
		require.NoError(t, g.DeleteHas(p, tag))
		require.NoError(t, g.DeleteHas(p, age))
	})
	read(t, m, func(g *Graph) {
		ok, err := g.Exists(tag)
		require.NoError(t, err)
		assert.False(t, ok, "dependent attribute without owners is removed")
		ok, err = g.Exists(age)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRelationIID_StoredOrVirtual(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	var a, b, c, rel IID
	write(t, m, func(g *Graph) {
		pa, _ := g.CreateEntity("person")
		pb, _ := g.CreateEntity("person")
		pc, _ := g.CreateEntity("person")
		r, _ := g.CreateRelation("friendship")
		require.NoError(t, g.AddRolePlayer(r.IID, "friend", pa.IID))
		require.NoError(t, g.AddRolePlayer(r.IID, "friend", pb.IID))
		a, b, c, rel = pa.IID, pb.IID, pc.IID, r.IID
	})
	read(t, m, func(g *Graph) {
		ft, err := g.Type("friendship")
		require.NoError(t, err)
		friend, err := g.ResolveRole("friendship", "friend")
		require.NoError(t, err)

		got, err := g.RelationIID(ft, []RoleBinding{{friend.ID, b}, {friend.ID, a}})
		require.NoError(t, err)
		assert.Equal(t, rel, got)

		v1, err := g.RelationIID(ft, []RoleBinding{{friend.ID, a}, {friend.ID, c}})
		require.NoError(t, err)
		v2, err := g.RelationIID(ft, []RoleBinding{{friend.ID, c}, {friend.ID, a}})
		require.NoError(t, err)
		assert.True(t, v1.IsInferred())
		assert.Equal(t, v1, v2)

		th, err := g.GetThing(v1)
		require.NoError(t, err)
		assert.Equal(t, "friendship", th.Type.Label)
		assert.True(t, th.Inferred())

		assert.ErrorIs(t, g.AddRolePlayer(v1, "friend", a), ErrInferredConcept)
	})
}

func TestRules_PersistAndCache(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	rule := pattern.Rule{
		Label: "coworkers-are-friends",
		When: pattern.And(
			pattern.Relation{Type: "employment", Players: []pattern.RolePlayer{{Role: "employee", Player: "x"}, {Role: "employer", Player: "c"}}},
			pattern.Relation{Type: "employment", Players: []pattern.RolePlayer{{Role: "employee", Player: "y"}, {Role: "employer", Player: "c"}}},
		),
		Then: pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"}}},
	}
	write(t, m, func(g *Graph) {
		require.NoError(t, g.PutRule(rule))
		rules, err := g.Rules()
		require.NoError(t, err)
		assert.Len(t, rules, 1, "visible inside the defining transaction")
	})
	read(t, m, func(g *Graph) {
		got, err := g.Rule(rule.Label)
		require.NoError(t, err)
		assert.Equal(t, rule, got)
	})

	g, err := m.Begin(true)
	require.NoError(t, err)
	bad := rule
	bad.Label = "bad"
	bad.Then = pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "enemy", Player: "x"}}}
	assert.Error(t, g.PutRule(bad))
	require.NoError(t, g.DeleteRule(rule.Label))
	assert.ErrorIs(t, g.DeleteRule("missing"), ErrRuleNotFound)
	require.NoError(t, g.Commit())

	read(t, m, func(g *Graph) {
		rules, err := g.Rules()
		require.NoError(t, err)
		assert.Empty(t, rules)
	})
}

func TestRules_NegationMustBeStratified(t *testing.T) {
	m := newTestManager(t)
	defineSocial(t, m)
	employs := func(person string) pattern.Relation {
		return pattern.Relation{Type: "employment", Players: []pattern.RolePlayer{{Role: "employee", Player: person}, {Role: "employer", Player: "c"}}}
	}
	friends := pattern.Relation{Type: "friendship", Players: []pattern.RolePlayer{{Role: "friend", Player: "x"}, {Role: "friend", Player: "y"}}}
	coworkers := pattern.Rule{
		Label: "coworkers-are-friends",
		When:  pattern.And(employs("x"), employs("y")),
		Then:  friends,
	}
	strangers := pattern.Rule{
		Label: "strangers-tag",
		When: pattern.And(
			pattern.Isa{Var: "x", Type: "person"},
			pattern.Isa{Var: "y", Type: "person"},
			pattern.Has{Owner: "x", Type: "tag", Attr: "t"},
			pattern.Not{Conjunction: pattern.And(friends)},
		),
		Then: pattern.Has{Owner: "y", Type: "tag", Attr: "t"},
	}

	write(t, m, func(g *Graph) {
		require.NoError(t, g.PutRule(coworkers))
		require.NoError(t, g.PutRule(strangers), "friendship does not depend on tags")
	})

	g, err := m.Begin(true)
	require.NoError(t, err)
	defer g.Close()

	self := coworkers
	self.Label = "lonely-are-friends"
	self.When = pattern.And(employs("x"), employs("y"), pattern.Not{Conjunction: pattern.And(friends)})
	assert.ErrorIs(t, g.PutRule(self), ErrUnstratifiable)

	// Friendship that depends on tags closes a cycle through the negation.
	tagged := coworkers
	tagged.Label = "tagged-are-friends"
	tagged.When = pattern.And(
		pattern.Has{Owner: "x", Type: "tag", Attr: "t"},
		pattern.Has{Owner: "y", Type: "tag", Attr: "t"},
	)
	assert.ErrorIs(t, g.PutRule(tagged), ErrUnstratifiable)

	// Replacing the negating rule by a positive one keeps the set stratified.
	positive := strangers
	positive.When = pattern.And(
		pattern.Has{Owner: "x", Type: "tag", Attr: "t"},
		friends,
	)
	require.NoError(t, g.PutRule(positive))
	require.NoError(t, g.PutRule(tagged))

	unknown := strangers
	unknown.Label = "unknown-type"
	unknown.When = pattern.And(
		pattern.Isa{Var: "x", Type: "person"},
		pattern.Isa{Var: "y", Type: "person"},
		pattern.Has{Owner: "x", Type: "tag", Attr: "t"},
		pattern.Not{Conjunction: pattern.And(pattern.Isa{Var: "x", Type: "unicorn"})},
	)
	assert.ErrorIs(t, g.PutRule(unknown), ErrTypeNotFound)
}

func TestEquivalentValue(t *testing.T) {
	tests := []struct {
		vt   ValueType
		in   any
		want any
		ok   bool
	}{
		{Double, 5, float64(5), true},
		{Long, 5.0, int64(5), true},
		{Long, 5.5, nil, false},
		{Long, 1e30, nil, false},
		{Long, int32(3), int64(3), true},
		{String, "a", "a", true},
		{String, 1, nil, false},
		{Boolean, true, true, true},
	}
	for _, tt := range tests {
		got, ok := EquivalentValue(tt.vt, tt.in)
		assert.Equal(t, tt.ok, ok, "%s %v", tt.vt, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%s %v", tt.vt, tt.in)
		}
	}
}
