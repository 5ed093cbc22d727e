package graph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/orneryd/kbgraph/pkg/storage"
)

// GetThing returns the thing with the given IID. Inferred relation IIDs
// resolve to a Thing without touching storage.
func (g *Graph) GetThing(iid IID) (*Thing, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if th, ok := g.cache.Concept(string(iid)); ok {
		g.metrics.CacheLookup("concepts", true)
		return th, nil
	}
	g.metrics.CacheLookup("concepts", false)
	if iid.IsType() {
		return nil, fmt.Errorf("%w: %s is a type", ErrThingNotFound, iid)
	}
	if !iid.IsInferred() && !g.cache.Asserted(string(iid)) {
		ok, err := g.Exists(iid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrThingNotFound, iid)
		}
	}
	return g.describe(iid)
}

// Describe returns a Thing for iid without checking that it is stored.
func (g *Graph) describe(iid IID) (*Thing, error) {
	t, err := g.TypeOf(iid)
	if err != nil {
		return nil, err
	}
	th := &Thing{IID: iid, Type: t}
	if iid.IsAttribute() {
		if th.Value, err = iid.Value(); err != nil {
			return nil, err
		}
	}
	if !iid.IsInferred() {
		g.cache.CacheConcept(string(iid), th)
	}
	return th, nil
}

// Exists reports whether a thing vertex is stored.
func (g *Graph) Exists(iid IID) (bool, error) {
	if err := g.checkOpen(); err != nil {
		return false, err
	}
	return g.txn.Exists(storage.PartitionVertex, key(iid, existsColumn))
}

// Instances iterates the instances of exactly type t.
func (g *Graph) Instances(t *Type) Iterator {
	if t.Kind == KindRole || t.IID == "" {
		return Empty(nil)
	}
	prefix := []byte{t.Kind.thingPrefix(), byte(t.ID >> 8), byte(t.ID)}
	return &vertexIterator{it: g.txn.Iterate(storage.PartitionVertex, prefix)}
}

// InstancesOf iterates the instances of label and its subtypes, grouped by
// type in type-ID order.
func (g *Graph) InstancesOf(label string) (Iterator, error) {
	types, err := g.Subtypes(label)
	if err != nil {
		return nil, err
	}
	return g.InstancesOfTypes(types), nil
}

// InstancesOfTypes chains Instances over types.
func (g *Graph) InstancesOfTypes(types []*Type) Iterator {
	parts := make([]func() Iterator, 0, len(types))
	for _, t := range sortTypesByIID(types) {
		t := t
		parts = append(parts, func() Iterator { return g.Instances(t) })
	}
	return Chain(parts...)
}

func sortTypesByIID(types []*Type) []*Type {
	out := slices.Clone(types)
	slices.SortFunc(out, func(a, b *Type) int {
		return cmp.Compare(thingPrefixKey(a), thingPrefixKey(b))
	})
	return out
}

func thingPrefixKey(t *Type) uint32 {
	return uint32(t.Kind.thingPrefix())<<16 | uint32(t.ID)
}

// Has iterates the attributes owned by owner.
func (g *Graph) Has(owner IID) Iterator {
	return newEdgeIterator(g.txn, edgePartition(owner), owner, edgeHeader(EdgeHas, true), EdgeHas)
}

// HasOfType iterates the attributes of one attribute type owned by owner.
func (g *Graph) HasOfType(owner IID, attrType uint16) Iterator {
	header := edgeHeader(EdgeHas, true)
	header = append(header, PrefixAttribute, byte(attrType>>8), byte(attrType))
	return newEdgeIterator(g.txn, edgePartition(owner), owner, header, EdgeHas)
}

// HasEdge reports whether owner owns attribute.
func (g *Graph) HasEdge(owner, attribute IID) (bool, error) {
	if err := g.checkOpen(); err != nil {
		return false, err
	}
	return g.txn.Exists(edgePartition(owner), key(owner, edgeColumn(EdgeHas, true, attribute)))
}

// Owners iterates the owners of attribute.
func (g *Graph) Owners(attribute IID) Iterator {
	return newEdgeIterator(g.txn, storage.PartitionEdgeVariable, attribute, edgeHeader(EdgeHas, false), EdgeHas)
}

// OwnerCount returns the number of things owning attribute.
func (g *Graph) OwnerCount(attribute IID) (int, error) {
	it := g.Owners(attribute)
	n := 0
	for it.Next() {
		n++
	}
	return n, closeIterator(it)
}

// RolePlayers iterates the players of relation, optionally restricted to
// role types. Via is the role instance.
func (g *Graph) RolePlayers(relation IID, roleTypes ...uint16) Iterator {
	return g.rolePlayerEdges(relation, true, roleTypes)
}

// Relations iterates the relations player plays in, optionally restricted
// to role types. Via is the role instance.
func (g *Graph) Relations(player IID, roleTypes ...uint16) Iterator {
	return g.rolePlayerEdges(player, false, roleTypes)
}

func (g *Graph) rolePlayerEdges(row IID, out bool, roleTypes []uint16) Iterator {
	if len(roleTypes) == 0 {
		return newEdgeIterator(g.txn, storage.PartitionEdgeOptimisation, row, edgeHeader(EdgeRolePlayer, out), EdgeRolePlayer)
	}
	parts := make([]func() Iterator, 0, len(roleTypes))
	for _, rt := range sortedIDs(roleTypes) {
		rt := rt
		parts = append(parts, func() Iterator {
			return newEdgeIterator(g.txn, storage.PartitionEdgeOptimisation, row, rolePlayerHeader(out, rt), EdgeRolePlayer)
		})
	}
	return Chain(parts...)
}

// RolePlayerInstances iterates the role instances through which player plays
// roleType in relation.
func (g *Graph) RolePlayerInstances(relation IID, roleType uint16, player IID) Iterator {
	header := rolePlayerHeader(true, roleType)
	header = append(header, player...)
	return newEdgeIterator(g.txn, storage.PartitionEdgeOptimisation, relation, header, EdgeRolePlayer)
}

// Playing iterates the role instances played by thing.
func (g *Graph) Playing(thing IID) Iterator {
	return newEdgeIterator(g.txn, edgePartition(thing), thing, edgeHeader(EdgePlaying, true), EdgePlaying)
}

// Relating iterates the role instances of relation.
func (g *Graph) Relating(relation IID) Iterator {
	return newEdgeIterator(g.txn, storage.PartitionEdgeFixed, relation, edgeHeader(EdgeRelating, true), EdgeRelating)
}

// PlayerOf iterates the player of a role instance (at most one).
func (g *Graph) PlayerOf(role IID) Iterator {
	return newEdgeIterator(g.txn, storage.PartitionEdgeFixed, role, edgeHeader(EdgePlaying, false), EdgePlaying)
}

// RelationOf iterates the relation of a role instance (at most one).
func (g *Graph) RelationOf(role IID) Iterator {
	return newEdgeIterator(g.txn, storage.PartitionEdgeFixed, role, edgeHeader(EdgeRelating, false), EdgeRelating)
}

// AttributeByValue returns the attribute of type label holding v, or
// ErrThingNotFound.
func (g *Graph) AttributeByValue(label string, v any) (*Thing, error) {
	t, err := g.Type(label)
	if err != nil {
		return nil, err
	}
	if t.Kind != KindAttribute {
		return nil, schemaErrorf(label, "not an attribute type")
	}
	v, err = Coerce(t.ValueType, v)
	if err != nil {
		return nil, err
	}
	iid, err := AttributeIID(t.ID, v)
	if err != nil {
		return nil, err
	}
	return g.GetThing(iid)
}

// AttributesByValue iterates the attributes of every type that hold a
// value equal to v. Numeric values match across long and double types.
func (g *Graph) AttributesByValue(v any) (Iterator, error) {
	types := equivalentTypes(v)
	if len(types) == 0 {
		_, err := ValueTypeOf(v)
		return nil, err
	}
	var iids []IID
	for _, vt := range types {
		val, ok := EquivalentValue(vt, v)
		if !ok {
			continue
		}
		prefix, err := valueIndexPrefix(vt, val)
		if err != nil {
			return nil, err
		}
		found, err := g.attributesUnder(prefix, val)
		if err != nil {
			return nil, err
		}
		iids = append(iids, found...)
	}
	return NewSortedSliceIterator(iids...), nil
}

func (g *Graph) attributesUnder(prefix []byte, v any) ([]IID, error) {
	it := g.txn.Iterate(storage.PartitionIndex, prefix)
	defer it.Close()
	var iids []IID
	for it.Next() {
		typeIID, _, err := ParseIID(it.Key(), len(prefix))
		if err != nil {
			return nil, err
		}
		iid, err := AttributeIID(typeIID.TypeID(), v)
		if err != nil {
			return nil, err
		}
		iids = append(iids, iid)
	}
	return iids, it.Err()
}

func sortedIDs(ids []uint16) []uint16 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
