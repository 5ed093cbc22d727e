package graph

import (
	"fmt"

	"github.com/orneryd/kbgraph/pkg/storage"
)

// Thing is an instance of a type: an entity, relation, attribute or role
// instance.
type Thing struct {
	IID   IID
	Type  *Type
	Value any // attributes only
}

// Inferred reports whether the thing exists only as a reasoning result.
func (t *Thing) Inferred() bool { return t.IID.IsInferred() }

func (t *Thing) String() string {
	if t.Value != nil {
		return fmt.Sprintf("%s:%v", t.Type.Label, t.Value)
	}
	return fmt.Sprintf("%s:%s", t.Type.Label, t.IID)
}

var existsColumn = propertyColumn(PropExists)

func (g *Graph) putVertex(iid IID) error {
	return g.txn.Set(storage.PartitionVertex, key(iid, existsColumn), nil)
}

func (g *Graph) instantiable(label string, kind Kind) (*Type, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	t, err := g.Type(label)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		return nil, schemaErrorf(label, "is a %s type, not %s", t.Kind, kind)
	}
	if t.Abstract {
		return nil, schemaErrorf(label, "abstract types cannot be instantiated")
	}
	return t, nil
}

func (g *Graph) newThingIID(kind Kind, t *Type) (IID, error) {
	seq, err := g.m.engine.NextSequence(fmt.Sprintf("thing:%d", t.ID))
	if err != nil {
		return "", err
	}
	return ThingIID(kind, t.ID, seq), nil
}

// CreateEntity inserts a new entity of type label.
func (g *Graph) CreateEntity(label string) (*Thing, error) {
	t, err := g.instantiable(label, KindEntity)
	if err != nil {
		return nil, err
	}
	iid, err := g.newThingIID(KindEntity, t)
	if err != nil {
		return nil, err
	}
	if err := g.putVertex(iid); err != nil {
		return nil, err
	}
	th := &Thing{IID: iid, Type: t}
	g.cache.TrackModified(string(iid))
	g.cache.CacheConcept(string(iid), th)
	return th, nil
}

// CreateRelation inserts a new relation of type label. A relation must have
// at least one role player by the time the transaction commits.
func (g *Graph) CreateRelation(label string) (*Thing, error) {
	t, err := g.instantiable(label, KindRelation)
	if err != nil {
		return nil, err
	}
	iid, err := g.newThingIID(KindRelation, t)
	if err != nil {
		return nil, err
	}
	if err := g.putVertex(iid); err != nil {
		return nil, err
	}
	th := &Thing{IID: iid, Type: t}
	g.cache.TrackNewRelation(string(iid))
	g.cache.CacheConcept(string(iid), th)
	return th, nil
}

// PutAttribute returns the attribute of type label with value v, creating it
// if needed. Attributes are content addressed: putting the same value twice
// yields the same vertex.
func (g *Graph) PutAttribute(label string, v any) (*Thing, error) {
	t, err := g.instantiable(label, KindAttribute)
	if err != nil {
		return nil, err
	}
	v, err = Coerce(t.ValueType, v)
	if err != nil {
		return nil, schemaErrorf(label, "%v", err)
	}
	iid, err := AttributeIID(t.ID, v)
	if err != nil {
		return nil, err
	}
	th := &Thing{IID: iid, Type: t, Value: v}
	g.cache.CacheConcept(string(iid), th)
	if g.cache.AssertAttribute(string(iid)) {
		return th, nil
	}
	// Blind writes: a concurrent transaction putting the same value writes
	// the same keys, so both commit and the attribute stays one vertex.
	if err := g.putVertex(iid); err != nil {
		return nil, err
	}
	if err := g.txn.Set(storage.PartitionIndex, valueIndexKey(iid), nil); err != nil {
		return nil, err
	}
	return th, nil
}

func (g *Graph) requireThing(iid IID) (*Thing, error) {
	if iid.IsInferred() {
		return nil, fmt.Errorf("%w: %s", ErrInferredConcept, iid)
	}
	return g.GetThing(iid)
}

// AddRolePlayer makes player play role in relation. The role may be
// inherited from a supertype of the relation's type.
func (g *Graph) AddRolePlayer(relation IID, role string, player IID) error {
	rel, err := g.requireThing(relation)
	if err != nil {
		return err
	}
	if rel.Type.Kind != KindRelation {
		return schemaErrorf(rel.Type.Label, "%s is not a relation", relation)
	}
	p, err := g.requireThing(player)
	if err != nil {
		return err
	}
	if p.Type.Kind == KindRole {
		return schemaErrorf(p.Type.Label, "role instances cannot play roles")
	}
	rt, err := g.ResolveRole(rel.Type.Label, role)
	if err != nil {
		return err
	}
	ok, err := g.CanPlay(p.Type, rt)
	if err != nil {
		return err
	}
	if !ok {
		return schemaErrorf(p.Type.Label, "does not play %s", rt.Label)
	}

	roleIID, err := g.newThingIID(KindRole, rt)
	if err != nil {
		return err
	}
	if err := g.putVertex(roleIID); err != nil {
		return err
	}
	writes := []struct {
		p   storage.Partition
		row IID
		col []byte
	}{
		{edgePartition(relation), relation, edgeColumn(EdgeRelating, true, roleIID)},
		{storage.PartitionEdgeFixed, roleIID, edgeColumn(EdgeRelating, false, relation)},
		{edgePartition(player), player, edgeColumn(EdgePlaying, true, roleIID)},
		{storage.PartitionEdgeFixed, roleIID, edgeColumn(EdgePlaying, false, player)},
		{storage.PartitionEdgeOptimisation, relation, rolePlayerColumn(true, rt.ID, player, roleIID)},
		{storage.PartitionEdgeOptimisation, player, rolePlayerColumn(false, rt.ID, relation, roleIID)},
	}
	for _, w := range writes {
		if err := g.txn.Set(w.p, key(w.row, w.col), nil); err != nil {
			return err
		}
	}
	g.cache.TrackModified(string(relation))
	g.cache.TrackModified(string(player))
	return nil
}

// RemoveRolePlayer removes one occurrence of player playing role in
// relation. Removing an absent role player is a no-op.
func (g *Graph) RemoveRolePlayer(relation IID, role string, player IID) error {
	rel, err := g.requireThing(relation)
	if err != nil {
		return err
	}
	rt, err := g.ResolveRole(rel.Type.Label, role)
	if err != nil {
		return err
	}
	it := g.RolePlayerInstances(relation, rt.ID, player)
	var roleIID IID
	if it.Next() {
		roleIID = it.Via()
	}
	if err := closeIterator(it); err != nil {
		return err
	}
	if roleIID == "" {
		return nil
	}
	return g.deleteRoleInstance(roleIID, relation, player)
}

func (g *Graph) deleteRoleInstance(roleIID, relation, player IID) error {
	roleType := roleIID.TypeID()
	deletes := []struct {
		p   storage.Partition
		row IID
		col []byte
	}{
		{edgePartition(relation), relation, edgeColumn(EdgeRelating, true, roleIID)},
		{storage.PartitionEdgeFixed, roleIID, edgeColumn(EdgeRelating, false, relation)},
		{edgePartition(player), player, edgeColumn(EdgePlaying, true, roleIID)},
		{storage.PartitionEdgeFixed, roleIID, edgeColumn(EdgePlaying, false, player)},
		{storage.PartitionEdgeOptimisation, relation, rolePlayerColumn(true, roleType, player, roleIID)},
		{storage.PartitionEdgeOptimisation, player, rolePlayerColumn(false, roleType, relation, roleIID)},
		{storage.PartitionVertex, roleIID, existsColumn},
	}
	for _, d := range deletes {
		if err := g.txn.Delete(d.p, key(d.row, d.col)); err != nil {
			return err
		}
	}
	g.cache.TrackDeleted(string(roleIID))
	g.cache.TrackModified(string(relation))
	g.cache.TrackModified(string(player))
	return nil
}

// PutHas makes owner own attribute. It is idempotent.
func (g *Graph) PutHas(owner, attribute IID) error {
	o, err := g.requireThing(owner)
	if err != nil {
		return err
	}
	a, err := g.requireThing(attribute)
	if err != nil {
		return err
	}
	if a.Type.Kind != KindAttribute {
		return schemaErrorf(a.Type.Label, "%s is not an attribute", attribute)
	}
	ok, err := g.CanOwn(o.Type, a.Type)
	if err != nil {
		return err
	}
	if !ok {
		return schemaErrorf(o.Type.Label, "does not own %s", a.Type.Label)
	}
	if err := g.txn.Set(edgePartition(owner), key(owner, edgeColumn(EdgeHas, true, attribute)), nil); err != nil {
		return err
	}
	if err := g.txn.Set(storage.PartitionEdgeVariable, key(attribute, edgeColumn(EdgeHas, false, owner)), nil); err != nil {
		return err
	}
	g.cache.TrackModified(string(owner))
	g.cache.TrackModified(string(attribute))
	return nil
}

// DeleteHas removes ownership of attribute by owner.
func (g *Graph) DeleteHas(owner, attribute IID) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if err := g.txn.Delete(edgePartition(owner), key(owner, edgeColumn(EdgeHas, true, attribute))); err != nil {
		return err
	}
	if err := g.txn.Delete(storage.PartitionEdgeVariable, key(attribute, edgeColumn(EdgeHas, false, owner))); err != nil {
		return err
	}
	g.cache.TrackModified(string(owner))
	g.cache.TrackModified(string(attribute))
	return nil
}

// DeleteThing deletes a thing together with every edge that touches it.
// Role instances it takes part in are deleted too, so relations it played
// in lose that role player.
func (g *Graph) DeleteThing(iid IID) error {
	th, err := g.requireThing(iid)
	if err != nil {
		return err
	}
	if th.Type.Kind == KindRole {
		return schemaErrorf(th.Type.Label, "role instances are removed through their relation")
	}

	type roleLink struct{ role, relation, player IID }
	var links []roleLink
	collect := func(it Iterator, asPlayer bool) error {
		for it.Next() {
			if asPlayer {
				links = append(links, roleLink{role: it.Via(), relation: it.Neighbor(), player: iid})
			} else {
				links = append(links, roleLink{role: it.Via(), relation: iid, player: it.Neighbor()})
			}
		}
		return closeIterator(it)
	}
	if err := collect(g.Relations(iid), true); err != nil {
		return err
	}
	if th.Type.Kind == KindRelation {
		if err := collect(g.RolePlayers(iid), false); err != nil {
			return err
		}
	}
	for _, l := range links {
		if err := g.deleteRoleInstance(l.role, l.relation, l.player); err != nil {
			return err
		}
	}

	attrs, err := collectNeighbors(g.Has(iid))
	if err != nil {
		return err
	}
	for _, a := range attrs {
		if err := g.DeleteHas(iid, a); err != nil {
			return err
		}
	}
	if iid.IsAttribute() {
		owners, err := collectNeighbors(g.Owners(iid))
		if err != nil {
			return err
		}
		for _, o := range owners {
			if err := g.DeleteHas(o, iid); err != nil {
				return err
			}
		}
		if err := g.txn.Delete(storage.PartitionIndex, valueIndexKey(iid)); err != nil {
			return err
		}
	}
	if err := g.txn.Delete(storage.PartitionVertex, key(iid, existsColumn)); err != nil {
		return err
	}
	g.cache.TrackDeleted(string(iid))
	return nil
}
