package graph

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// RoleBinding is one (role type, player) pair of a relation.
type RoleBinding struct {
	RoleType uint16
	Player   IID
}

func compareBindings(a, b RoleBinding) int {
	if c := cmp.Compare(a.RoleType, b.RoleType); c != 0 {
		return c
	}
	return cmp.Compare(a.Player, b.Player)
}

// RelationPlayers returns the role bindings of a stored relation in
// canonical order.
func (g *Graph) RelationPlayers(relation IID) ([]RoleBinding, error) {
	it := g.RolePlayers(relation)
	var out []RoleBinding
	for it.Next() {
		out = append(out, RoleBinding{RoleType: it.Via().TypeID(), Player: it.Neighbor()})
	}
	if err := closeIterator(it); err != nil {
		return nil, err
	}
	slices.SortFunc(out, compareBindings)
	return out, nil
}

// FindRelation returns a stored relation of exactly type t whose role
// players are exactly bindings, or "" when there is none.
func (g *Graph) FindRelation(t *Type, bindings []RoleBinding) (IID, error) {
	if len(bindings) == 0 {
		return "", nil
	}
	want := slices.Clone(bindings)
	slices.SortFunc(want, compareBindings)

	it := g.Relations(want[0].Player, want[0].RoleType)
	var candidates []IID
	for it.Next() {
		if rel := it.Neighbor(); rel.TypeID() == t.ID {
			candidates = append(candidates, rel)
		}
	}
	if err := closeIterator(it); err != nil {
		return "", err
	}
	for _, rel := range slices.Compact(candidates) {
		got, err := g.RelationPlayers(rel)
		if err != nil {
			return "", err
		}
		if slices.EqualFunc(got, want, func(a, b RoleBinding) bool { return compareBindings(a, b) == 0 }) {
			return rel, nil
		}
	}
	return "", nil
}

// RelationIID identifies the relation of type t with the given role
// players: the stored relation when one exists, otherwise a deterministic
// virtual IID so that the same inferred relation is always identified the
// same way.
func (g *Graph) RelationIID(t *Type, bindings []RoleBinding) (IID, error) {
	stored, err := g.FindRelation(t, bindings)
	if err != nil || stored != "" {
		return stored, err
	}
	return InferredRelationIID(t.ID, bindings), nil
}

// InferredRelationIID hashes the canonical binding list into a virtual
// relation IID.
func InferredRelationIID(typeID uint16, bindings []RoleBinding) IID {
	sorted := slices.Clone(bindings)
	slices.SortFunc(sorted, compareBindings)
	h := xxhash.New()
	var buf [2]byte
	for _, b := range sorted {
		binary.BigEndian.PutUint16(buf[:], b.RoleType)
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(string(b.Player))
		_, _ = h.Write([]byte{0})
	}
	return thingIID(PrefixInferredRelation, typeID, h.Sum64())
}
