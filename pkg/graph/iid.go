package graph

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/orneryd/kbgraph/pkg/encoding"
)

// IID is the internal identifier of a vertex: the raw bytes of its row key.
// It is a string so it can key maps; comparing two IIDs compares their bytes.
type IID string

// Vertex prefixes. Type vertices sort before thing vertices; within each
// group the prefix identifies the category.
const (
	PrefixEntityType    byte = 110
	PrefixAttributeType byte = 120
	PrefixRelationType  byte = 130
	PrefixRoleType      byte = 140

	PrefixEntity           byte = 150
	PrefixAttribute        byte = 160
	PrefixRelation         byte = 170
	PrefixInferredRelation byte = 175
	PrefixRole             byte = 180
)

const (
	typeIIDLength  = 3
	thingIIDLength = 11
	// attribute IIDs: prefix, type, value type, sortable value
	attributeHeaderLength = 4
)

// Kind is the category of a type or thing.
type Kind uint8

const (
	KindEntity Kind = iota + 1
	KindAttribute
	KindRelation
	KindRole
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindAttribute:
		return "attribute"
	case KindRelation:
		return "relation"
	case KindRole:
		return "role"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) typePrefix() byte {
	switch k {
	case KindEntity:
		return PrefixEntityType
	case KindAttribute:
		return PrefixAttributeType
	case KindRelation:
		return PrefixRelationType
	case KindRole:
		return PrefixRoleType
	}
	panic(fmt.Sprintf("graph: unknown kind %d", k))
}

func (k Kind) thingPrefix() byte {
	switch k {
	case KindEntity:
		return PrefixEntity
	case KindAttribute:
		return PrefixAttribute
	case KindRelation:
		return PrefixRelation
	case KindRole:
		return PrefixRole
	}
	panic(fmt.Sprintf("graph: unknown kind %d", k))
}

// TypeIID builds the IID of a type vertex.
func TypeIID(kind Kind, id uint16) IID {
	b := make([]byte, typeIIDLength)
	b[0] = kind.typePrefix()
	binary.BigEndian.PutUint16(b[1:], id)
	return IID(b)
}

// ThingIID builds the IID of a non-attribute thing.
func ThingIID(kind Kind, typeID uint16, seq uint64) IID {
	return thingIID(kind.thingPrefix(), typeID, seq)
}

func thingIID(prefix byte, typeID uint16, seq uint64) IID {
	b := make([]byte, thingIIDLength)
	b[0] = prefix
	binary.BigEndian.PutUint16(b[1:], typeID)
	binary.BigEndian.PutUint64(b[3:], seq)
	return IID(b)
}

// AttributeIID builds the content-addressed IID of an attribute. Two
// attributes of the same type with the same value share an IID.
func AttributeIID(typeID uint16, v any) (IID, error) {
	vt, err := ValueTypeOf(v)
	if err != nil {
		return "", err
	}
	b := make([]byte, attributeHeaderLength, attributeHeaderLength+16)
	b[0] = PrefixAttribute
	binary.BigEndian.PutUint16(b[1:], typeID)
	b[3] = byte(vt)
	b, err = appendValue(b, vt, v)
	if err != nil {
		return "", err
	}
	return IID(b), nil
}

// Prefix returns the category byte.
func (i IID) Prefix() byte {
	if len(i) == 0 {
		return 0
	}
	return i[0]
}

// IsType reports whether i identifies a type vertex.
func (i IID) IsType() bool {
	switch i.Prefix() {
	case PrefixEntityType, PrefixAttributeType, PrefixRelationType, PrefixRoleType:
		return true
	}
	return false
}

// IsAttribute reports whether i identifies an attribute.
func (i IID) IsAttribute() bool { return i.Prefix() == PrefixAttribute }

// IsRelation reports whether i identifies a stored or inferred relation.
func (i IID) IsRelation() bool {
	return i.Prefix() == PrefixRelation || i.Prefix() == PrefixInferredRelation
}

// IsInferred reports whether i is the virtual IID of an inferred relation.
func (i IID) IsInferred() bool { return i.Prefix() == PrefixInferredRelation }

// Kind returns the category of the vertex.
func (i IID) Kind() Kind {
	switch i.Prefix() {
	case PrefixEntityType, PrefixEntity:
		return KindEntity
	case PrefixAttributeType, PrefixAttribute:
		return KindAttribute
	case PrefixRelationType, PrefixRelation, PrefixInferredRelation:
		return KindRelation
	case PrefixRoleType, PrefixRole:
		return KindRole
	}
	return 0
}

// TypeID returns the type segment: the type's own ID for type vertices, the
// owning type's ID for things.
func (i IID) TypeID() uint16 {
	if len(i) < typeIIDLength {
		return 0
	}
	return binary.BigEndian.Uint16([]byte(i[1:3]))
}

// Value decodes the value of an attribute IID.
func (i IID) Value() (any, error) {
	if !i.IsAttribute() || len(i) < attributeHeaderLength {
		return nil, fmt.Errorf("graph: %s is not an attribute: %w", i, encoding.ErrCorruptEncoding)
	}
	v, _, err := readValue([]byte(i), attributeHeaderLength, ValueType(i[3]))
	return v, err
}

// ValueType returns the value type of an attribute IID.
func (i IID) ValueType() ValueType {
	if !i.IsAttribute() || len(i) < attributeHeaderLength {
		return 0
	}
	return ValueType(i[3])
}

func (i IID) String() string { return hex.EncodeToString([]byte(i)) }

// Bytes returns the IID as a byte slice.
func (i IID) Bytes() []byte { return []byte(i) }

// ParseIID reads the self-delimiting IID starting at b[pos] and returns it
// with the position of the first byte after it.
func ParseIID(b []byte, pos int) (IID, int, error) {
	if pos >= len(b) {
		return "", pos, &encoding.DecodeError{Op: "parse iid", Offset: pos, Reason: "empty"}
	}
	var n int
	switch b[pos] {
	case PrefixEntityType, PrefixAttributeType, PrefixRelationType, PrefixRoleType:
		n = typeIIDLength
	case PrefixEntity, PrefixRelation, PrefixInferredRelation, PrefixRole:
		n = thingIIDLength
	case PrefixAttribute:
		if pos+attributeHeaderLength > len(b) {
			return "", pos, &encoding.DecodeError{Op: "parse iid", Offset: pos, Reason: "truncated attribute header"}
		}
		_, next, err := readValue(b, pos+attributeHeaderLength, ValueType(b[pos+3]))
		if err != nil {
			return "", pos, err
		}
		n = next - pos
	default:
		return "", pos, &encoding.DecodeError{Op: "parse iid", Offset: pos, Reason: fmt.Sprintf("unknown prefix %d", b[pos])}
	}
	if pos+n > len(b) {
		return "", pos, &encoding.DecodeError{Op: "parse iid", Offset: pos, Reason: "truncated"}
	}
	return IID(b[pos : pos+n]), pos + n, nil
}

// MustParseIID parses a hex string produced by IID.String.
func MustParseIID(s string) IID {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	iid, n, err := ParseIID(b, 0)
	if err != nil || n != len(b) {
		panic(fmt.Sprintf("graph: invalid iid %q", s))
	}
	return iid
}
