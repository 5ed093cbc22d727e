package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/kbgraph/pkg/encoding"
	"github.com/orneryd/kbgraph/pkg/storage"
)

// Type is a schema type. Values handed out by a Graph are shared and must
// not be modified.
type Type struct {
	IID       IID
	ID        uint16
	Label     string
	Kind      Kind
	Super     string // empty for root types and roles
	Abstract  bool
	Dependent bool      // attributes: deleted at commit once they have no owner
	ValueType ValueType // attributes only
	Scope     string    // roles: the relation type declaring the role

	Subs    []string // direct subtypes
	Owns    []string // attribute types
	Plays   []string // role types
	Relates []string // role types
}

func (t *Type) clone() *Type {
	c := *t
	c.Subs = slices.Clone(t.Subs)
	c.Owns = slices.Clone(t.Owns)
	c.Plays = slices.Clone(t.Plays)
	c.Relates = slices.Clone(t.Relates)
	return &c
}

func (t *Type) String() string { return fmt.Sprintf("%s(%s)", t.Label, t.Kind) }

// RoleLabel returns the scoped label of role in relation.
func RoleLabel(relation, role string) string { return relation + ":" + role }

// RoleName strips the scope from a role label.
func RoleName(label string) string {
	if i := strings.LastIndexByte(label, ':'); i >= 0 {
		return label[i+1:]
	}
	return label
}

func addUnique(list []string, v string) ([]string, bool) {
	if slices.Contains(list, v) {
		return list, false
	}
	list = append(list, v)
	slices.Sort(list)
	return list, true
}

// ============================================================================
// Reads
// ============================================================================

// readType loads a committed type through txn.
func readType(txn *storage.Txn, label string, labelOf func(uint16) (string, error)) (*Type, error) {
	raw, err := txn.Get(storage.PartitionIndex, labelIndexKey(label))
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, label)
	}
	if err != nil {
		return nil, err
	}
	iid, _, err := ParseIID(raw, 0)
	if err != nil {
		return nil, err
	}
	t := &Type{IID: iid, ID: iid.TypeID(), Label: label, Kind: iid.Kind()}

	props, err := storage.GetSlice(txn, storage.PartitionVertex, storage.KeySliceQuery{Key: iid.Bytes()})
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		rt, _, err := encoding.ReadRelationType(p.Column, 0)
		if err != nil {
			return nil, err
		}
		switch rt.TypeID {
		case PropScope:
			t.Scope = string(p.Value)
		case PropValueType:
			if len(p.Value) == 1 {
				t.ValueType = ValueType(p.Value[0])
			}
		case PropAbstract:
			t.Abstract = true
		case PropDependent:
			t.Dependent = true
		}
	}

	edges, err := storage.GetSlice(txn, storage.PartitionEdgeFixed, storage.KeySliceQuery{Key: iid.Bytes()})
	if err != nil {
		return nil, err
	}
	for _, ent := range edges {
		e, err := decodeEdgeColumn(ent.Column)
		if err != nil {
			return nil, err
		}
		other, err := labelOf(e.neighbor.TypeID())
		if err != nil {
			return nil, err
		}
		switch {
		case e.kind == EdgeSub && e.out:
			t.Super = other
		case e.kind == EdgeSub:
			t.Subs = append(t.Subs, other)
		case e.kind == EdgeOwns && e.out:
			t.Owns = append(t.Owns, other)
		case e.kind == EdgePlays && e.out:
			t.Plays = append(t.Plays, other)
		case e.kind == EdgeRelates && e.out:
			t.Relates = append(t.Relates, other)
		}
	}
	for _, l := range [][]string{t.Subs, t.Owns, t.Plays, t.Relates} {
		slices.Sort(l)
	}
	return t, nil
}

// Type returns the type labelled label as seen by this transaction.
func (g *Graph) Type(label string) (*Type, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if t, ok := g.cache.Type(label); ok {
		return t, nil
	}
	t, err := g.m.types.Get(label)
	if err != nil {
		return nil, err
	}
	g.cache.CacheType(label, t)
	return t, nil
}

func (g *Graph) labelOf(id uint16) (string, error) {
	g.mu.Lock()
	label, ok := g.localLabels[id]
	g.mu.Unlock()
	if ok {
		return label, nil
	}
	return g.m.labels.Get(id)
}

// TypeByID returns the type with the given ID.
func (g *Graph) TypeByID(id uint16) (*Type, error) {
	label, err := g.labelOf(id)
	if err != nil {
		return nil, err
	}
	return g.Type(label)
}

// TypeOf returns the type of a thing or the type a type IID names.
func (g *Graph) TypeOf(iid IID) (*Type, error) {
	return g.TypeByID(iid.TypeID())
}

// Types returns every type in label order.
func (g *Graph) Types() ([]*Type, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	it := g.txn.Iterate(storage.PartitionIndex, []byte{indexTypeLabel})
	defer it.Close()
	var labels []string
	for it.Next() {
		labels = append(labels, string(it.Key()[1:]))
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	types := make([]*Type, 0, len(labels))
	for _, l := range labels {
		t, err := g.Type(l)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// Supertypes returns t followed by its supertypes up to the root.
func (g *Graph) Supertypes(t *Type) ([]*Type, error) {
	out := []*Type{t}
	for t.Super != "" {
		sup, err := g.Type(t.Super)
		if err != nil {
			return nil, err
		}
		out = append(out, sup)
		t = sup
	}
	return out, nil
}

// Subtypes returns the type labelled label and all its transitive subtypes,
// breadth first.
func (g *Graph) Subtypes(label string) ([]*Type, error) {
	root, err := g.Type(label)
	if err != nil {
		return nil, err
	}
	out := []*Type{root}
	for i := 0; i < len(out); i++ {
		for _, s := range out[i].Subs {
			st, err := g.Type(s)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// IsSubtype reports whether sub is sup or one of its subtypes.
func (g *Graph) IsSubtype(sub *Type, sup string) (bool, error) {
	chain, err := g.Supertypes(sub)
	if err != nil {
		return false, err
	}
	for _, t := range chain {
		if t.Label == sup {
			return true, nil
		}
	}
	return false, nil
}

// ResolveRole finds the role called role on relation or its supertypes.
func (g *Graph) ResolveRole(relation, role string) (*Type, error) {
	rel, err := g.Type(relation)
	if err != nil {
		return nil, err
	}
	if rel.Kind != KindRelation {
		return nil, schemaErrorf(relation, "not a relation type")
	}
	chain, err := g.Supertypes(rel)
	if err != nil {
		return nil, err
	}
	name := RoleName(role)
	for _, t := range chain {
		label := RoleLabel(t.Label, name)
		if slices.Contains(t.Relates, label) {
			return g.Type(label)
		}
	}
	return nil, schemaErrorf(relation, "no role %q", role)
}

// Roles returns every role of relation, including inherited ones.
func (g *Graph) Roles(relation string) ([]*Type, error) {
	rel, err := g.Type(relation)
	if err != nil {
		return nil, err
	}
	chain, err := g.Supertypes(rel)
	if err != nil {
		return nil, err
	}
	var roles []*Type
	seen := make(map[string]bool)
	for _, t := range chain {
		for _, r := range t.Relates {
			name := RoleName(r)
			if seen[name] {
				continue
			}
			seen[name] = true
			rt, err := g.Type(r)
			if err != nil {
				return nil, err
			}
			roles = append(roles, rt)
		}
	}
	return roles, nil
}

// CanOwn reports whether owner (or a supertype) owns attr (or a supertype).
func (g *Graph) CanOwn(owner, attr *Type) (bool, error) {
	owners, err := g.Supertypes(owner)
	if err != nil {
		return false, err
	}
	attrs, err := g.Supertypes(attr)
	if err != nil {
		return false, err
	}
	for _, o := range owners {
		for _, a := range attrs {
			if slices.Contains(o.Owns, a.Label) {
				return true, nil
			}
		}
	}
	return false, nil
}

// CanPlay reports whether player (or a supertype) plays role.
func (g *Graph) CanPlay(player, role *Type) (bool, error) {
	chain, err := g.Supertypes(player)
	if err != nil {
		return false, err
	}
	for _, t := range chain {
		if slices.Contains(t.Plays, role.Label) {
			return true, nil
		}
	}
	return false, nil
}

// ============================================================================
// Writes
// ============================================================================

func (g *Graph) typeExists(label string) (*Type, bool, error) {
	t, err := g.Type(label)
	if errors.Is(err, ErrTypeNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// createType allocates an ID and writes the type vertex, its indexes and its
// SUB edge.
func (g *Graph) createType(kind Kind, label, super, scope string) (*Type, error) {
	if label == "" || strings.ContainsAny(label, " \t\n$") {
		return nil, schemaErrorf(label, "invalid label")
	}
	seq, err := g.m.engine.NextSequence("type")
	if err != nil {
		return nil, err
	}
	if seq > 0xffff {
		return nil, ErrTooManyTypes
	}
	id := uint16(seq)
	t := &Type{IID: TypeIID(kind, id), ID: id, Label: label, Kind: kind, Super: super, Scope: scope}

	if err := g.txn.Set(storage.PartitionVertex, key(t.IID, propertyColumn(PropLabel)), []byte(label)); err != nil {
		return nil, err
	}
	if scope != "" {
		if err := g.txn.Set(storage.PartitionVertex, key(t.IID, propertyColumn(PropScope)), []byte(scope)); err != nil {
			return nil, err
		}
	}
	if err := g.txn.Set(storage.PartitionIndex, labelIndexKey(label), t.IID.Bytes()); err != nil {
		return nil, err
	}
	if err := g.txn.Set(storage.PartitionIndex, idIndexKey(id), []byte(label)); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.localLabels[id] = label
	g.mu.Unlock()

	if super != "" {
		parent, err := g.Type(super)
		if err != nil {
			return nil, err
		}
		if parent.Kind != kind {
			return nil, schemaErrorf(label, "cannot subtype %s of a different kind", parent)
		}
		if err := g.putTypeEdge(EdgeSub, t.IID, parent.IID); err != nil {
			return nil, err
		}
		parent = parent.clone()
		parent.Subs, _ = addUnique(parent.Subs, label)
		g.cache.PutType(parent.Label, parent)
	}
	g.cache.PutType(label, t)
	return t, nil
}

func (g *Graph) putTypeEdge(kind uint64, from, to IID) error {
	if err := g.txn.Set(storage.PartitionEdgeFixed, key(from, edgeColumn(kind, true, to)), nil); err != nil {
		return err
	}
	return g.txn.Set(storage.PartitionEdgeFixed, key(to, edgeColumn(kind, false, from)), nil)
}

func (g *Graph) setFlag(iid IID, prop uint64, on bool) error {
	k := key(iid, propertyColumn(prop))
	if on {
		return g.txn.Set(storage.PartitionVertex, k, nil)
	}
	return g.txn.Delete(storage.PartitionVertex, k)
}

func (g *Graph) putSubtype(kind Kind, label, super, root string) (*Type, bool, error) {
	if err := g.checkOpen(); err != nil {
		return nil, false, err
	}
	if super == "" {
		super = root
	}
	t, ok, err := g.typeExists(label)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if t.Kind != kind {
			return nil, false, schemaErrorf(label, "already defined as %s", t.Kind)
		}
		if t.Super != super {
			return nil, false, schemaErrorf(label, "already a subtype of %s", t.Super)
		}
		return t, false, nil
	}
	t, err = g.createType(kind, label, super, "")
	return t, true, err
}

// PutEntityType defines an entity type. An empty super means the root
// entity type. Redefining an identical type is a no-op.
func (g *Graph) PutEntityType(label, super string) (*Type, error) {
	t, _, err := g.putSubtype(KindEntity, label, super, RootEntity)
	return t, err
}

// PutAttributeType defines an attribute type with the given value type.
// Subtypes must keep the value type of their supertype.
func (g *Graph) PutAttributeType(label, super string, vt ValueType) (*Type, error) {
	if super != "" {
		parent, err := g.Type(super)
		if err != nil {
			return nil, err
		}
		if parent.ValueType != 0 && parent.ValueType != vt {
			return nil, schemaErrorf(label, "value type %s differs from supertype %s (%s)", vt, super, parent.ValueType)
		}
	}
	t, created, err := g.putSubtype(KindAttribute, label, super, RootAttribute)
	if err != nil {
		return nil, err
	}
	if !created {
		if t.ValueType != vt {
			return nil, schemaErrorf(label, "already defined with value type %s", t.ValueType)
		}
		return t, nil
	}
	if err := g.txn.Set(storage.PartitionVertex, key(t.IID, propertyColumn(PropValueType)), []byte{byte(vt)}); err != nil {
		return nil, err
	}
	t.ValueType = vt
	return t, nil
}

// PutRelationType defines a relation type and the roles it relates. Roles
// are added to an existing type.
func (g *Graph) PutRelationType(label, super string, roles ...string) (*Type, error) {
	t, _, err := g.putSubtype(KindRelation, label, super, RootRelation)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		roleLabel := RoleLabel(label, RoleName(role))
		if slices.Contains(t.Relates, roleLabel) {
			continue
		}
		rt, err := g.createType(KindRole, roleLabel, "", label)
		if err != nil {
			return nil, err
		}
		if err := g.putTypeEdge(EdgeRelates, t.IID, rt.IID); err != nil {
			return nil, err
		}
		t = t.clone()
		t.Relates, _ = addUnique(t.Relates, roleLabel)
		g.cache.PutType(label, t)
	}
	return t, nil
}

// SetOwns lets owner own attribute.
func (g *Graph) SetOwns(owner, attribute string) error {
	o, err := g.Type(owner)
	if err != nil {
		return err
	}
	a, err := g.Type(attribute)
	if err != nil {
		return err
	}
	if o.Kind == KindRole {
		return schemaErrorf(owner, "roles cannot own attributes")
	}
	if a.Kind != KindAttribute {
		return schemaErrorf(attribute, "not an attribute type")
	}
	if slices.Contains(o.Owns, attribute) {
		return nil
	}
	if err := g.putTypeEdge(EdgeOwns, o.IID, a.IID); err != nil {
		return err
	}
	o = o.clone()
	o.Owns, _ = addUnique(o.Owns, attribute)
	g.cache.PutType(owner, o)
	return nil
}

// SetPlays lets player play role in relation.
func (g *Graph) SetPlays(player, relation, role string) error {
	p, err := g.Type(player)
	if err != nil {
		return err
	}
	if p.Kind == KindRole {
		return schemaErrorf(player, "roles cannot play roles")
	}
	r, err := g.ResolveRole(relation, role)
	if err != nil {
		return err
	}
	if slices.Contains(p.Plays, r.Label) {
		return nil
	}
	if err := g.putTypeEdge(EdgePlays, p.IID, r.IID); err != nil {
		return err
	}
	p = p.clone()
	p.Plays, _ = addUnique(p.Plays, r.Label)
	g.cache.PutType(player, p)
	return nil
}

// SetAbstract marks a type abstract; abstract types have no instances.
func (g *Graph) SetAbstract(label string) error {
	t, err := g.Type(label)
	if err != nil {
		return err
	}
	if t.Abstract {
		return nil
	}
	if err := g.setFlag(t.IID, PropAbstract, true); err != nil {
		return err
	}
	t = t.clone()
	t.Abstract = true
	g.cache.PutType(label, t)
	return nil
}

// SetDependent marks an attribute type whose instances are removed at
// commit once nothing owns them.
func (g *Graph) SetDependent(label string) error {
	t, err := g.Type(label)
	if err != nil {
		return err
	}
	if t.Kind != KindAttribute {
		return schemaErrorf(label, "only attribute types can be dependent")
	}
	if t.Dependent {
		return nil
	}
	if err := g.setFlag(t.IID, PropDependent, true); err != nil {
		return err
	}
	t = t.clone()
	t.Dependent = true
	g.cache.PutType(label, t)
	return nil
}
