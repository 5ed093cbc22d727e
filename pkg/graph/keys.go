package graph

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/kbgraph/pkg/encoding"
	"github.com/orneryd/kbgraph/pkg/storage"
)

// System relation types. Edge kinds and vertex properties share the system
// range of the relation-type encoding; the direction distinguishes them.
const (
	EdgeHas        uint64 = 1
	EdgePlaying    uint64 = 2
	EdgeRelating   uint64 = 3
	EdgeRolePlayer uint64 = 4
	EdgeSub        uint64 = 5
	EdgeOwns       uint64 = 6
	EdgePlays      uint64 = 7
	EdgeRelates    uint64 = 8

	PropLabel     uint64 = 16
	PropScope     uint64 = 17
	PropValueType uint64 = 18
	PropAbstract  uint64 = 19
	PropExists    uint64 = 20
	PropDependent uint64 = 21
)

// Index partition sub-prefixes.
const (
	indexTypeLabel byte = 0
	indexTypeID    byte = 1
	indexRule      byte = 10
	indexValue     byte = 20
)

var edgeNames = map[uint64]string{
	EdgeHas: "has", EdgePlaying: "playing", EdgeRelating: "relating", EdgeRolePlayer: "roleplayer",
	EdgeSub: "sub", EdgeOwns: "owns", EdgePlays: "plays", EdgeRelates: "relates",
}

// EdgeName returns the name of a system edge kind.
func EdgeName(kind uint64) string {
	if n, ok := edgeNames[kind]; ok {
		return n
	}
	return fmt.Sprintf("edge(%d)", kind)
}

// edgePartition returns the partition holding structural edges whose row is
// iid: attributes have variable-length IIDs and live apart from the rest.
func edgePartition(iid IID) storage.Partition {
	if iid.IsAttribute() {
		return storage.PartitionEdgeVariable
	}
	return storage.PartitionEdgeFixed
}

func dirOf(out bool) encoding.DirectionID {
	if out {
		return encoding.EdgeOutDir
	}
	return encoding.EdgeInDir
}

// propertyColumn is the column of a system property of a vertex row.
func propertyColumn(prop uint64) []byte {
	return encoding.AppendRelationType(nil, prop, encoding.PropertyDir, false)
}

// edgeHeader is the column prefix shared by every edge of one kind and
// direction on a row.
func edgeHeader(kind uint64, out bool) []byte {
	return encoding.AppendRelationType(nil, kind, dirOf(out), false)
}

// edgeColumn is header ++ neighbor ++ backward(len(neighbor)). The trailing
// length lets a reader find the neighbor from the end of the key.
func edgeColumn(kind uint64, out bool, neighbor IID) []byte {
	col := edgeHeader(kind, out)
	col = append(col, neighbor...)
	return encoding.AppendPositiveBackward(col, uint64(len(neighbor)))
}

// rolePlayerHeader is the optimisation-edge prefix for one role type.
func rolePlayerHeader(out bool, roleType uint16) []byte {
	col := edgeHeader(EdgeRolePlayer, out)
	return encoding.AppendInlineRelationType(col, uint64(roleType))
}

// rolePlayerColumn is header ++ inline(role type) ++ neighbor ++ role IID.
func rolePlayerColumn(out bool, roleType uint16, neighbor, role IID) []byte {
	col := rolePlayerHeader(out, roleType)
	col = append(col, neighbor...)
	return append(col, role...)
}

func key(row IID, col []byte) []byte {
	k := make([]byte, 0, len(row)+len(col))
	k = append(k, row...)
	return append(k, col...)
}

// edge is a decoded edge column.
type edge struct {
	kind     uint64
	out      bool
	roleType uint16 // roleplayer edges only
	neighbor IID
	via      IID // role instance, roleplayer edges only
}

// decodeEdgeColumn decodes the column part of an edge key.
func decodeEdgeColumn(col []byte) (edge, error) {
	rt, pos, err := encoding.ReadRelationType(col, 0)
	if err != nil {
		return edge{}, err
	}
	if rt.Direction == encoding.PropertyDir {
		return edge{}, &encoding.DecodeError{Op: "decode edge", Offset: 0, Reason: "property column in edge partition"}
	}
	e := edge{kind: rt.TypeID, out: rt.Direction == encoding.EdgeOutDir}
	if e.kind == EdgeRolePlayer {
		roleType, next, err := encoding.ReadInlineRelationType(col, pos)
		if err != nil {
			return edge{}, err
		}
		if roleType > 0xffff {
			return edge{}, &encoding.DecodeError{Op: "decode edge", Offset: pos, Reason: "role type out of range"}
		}
		e.roleType = uint16(roleType)
		e.neighbor, next, err = ParseIID(col, next)
		if err != nil {
			return edge{}, err
		}
		e.via, next, err = ParseIID(col, next)
		if err != nil {
			return edge{}, err
		}
		if next != len(col) {
			return edge{}, &encoding.DecodeError{Op: "decode edge", Offset: next, Reason: "trailing bytes"}
		}
		return e, nil
	}
	n, start, err := encoding.ReadPositiveBackward(col, len(col))
	if err != nil {
		return edge{}, err
	}
	if uint64(start-pos) != n {
		return edge{}, &encoding.DecodeError{Op: "decode edge", Offset: start, Reason: "neighbor length mismatch"}
	}
	e.neighbor, _, err = ParseIID(col[:start], pos)
	if err != nil {
		return edge{}, err
	}
	if len(e.neighbor) != int(n) {
		return edge{}, &encoding.DecodeError{Op: "decode edge", Offset: pos, Reason: "neighbor length mismatch"}
	}
	return e, nil
}

func labelIndexKey(label string) []byte {
	return append([]byte{indexTypeLabel}, label...)
}

func idIndexKey(id uint16) []byte {
	k := []byte{indexTypeID, 0, 0}
	binary.BigEndian.PutUint16(k[1:], id)
	return k
}

func ruleIndexKey(label string) []byte {
	return append([]byte{indexRule}, label...)
}

// valueIndexPrefix groups attributes of every type by value. The attribute
// IID's header already starts with the value type, so the prefix is the
// value type followed by the sortable value.
func valueIndexPrefix(vt ValueType, v any) ([]byte, error) {
	return appendValue([]byte{indexValue, byte(vt)}, vt, v)
}

func valueIndexKey(attr IID) []byte {
	k := []byte{indexValue, attr[3]}
	k = append(k, attr[attributeHeaderLength:]...)
	return append(k, TypeIID(KindAttribute, attr.TypeID())...)
}
