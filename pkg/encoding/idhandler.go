package encoding

import "fmt"

// DirectionID identifies what a relation-type column describes: a property
// of the row vertex, or an outgoing/incoming edge.
type DirectionID uint8

const (
	PropertyDir DirectionID = 0
	EdgeOutDir  DirectionID = 2
	EdgeInDir   DirectionID = 3
)

func (d DirectionID) String() string {
	switch d {
	case PropertyDir:
		return "PROPERTY"
	case EdgeOutDir:
		return "EDGE_OUT"
	case EdgeInDir:
		return "EDGE_IN"
	default:
		return fmt.Sprintf("DirectionID(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the three defined directions.
func (d DirectionID) Valid() bool {
	return d == PropertyDir || d == EdgeOutDir || d == EdgeInDir
}

func (d DirectionID) categoryBit() uint64  { return uint64(d >> 1) }
func (d DirectionID) directionBit() uint64 { return uint64(d & 1) }

// RelationCategory selects a column range in Bounds.
type RelationCategory int

const (
	CategoryProperty RelationCategory = iota
	CategoryEdge
	CategoryRelation // properties and edges
)

const (
	// RelationTypePrefixBits is the prefix width used in relation-type columns:
	// two visibility bits and one category bit.
	RelationTypePrefixBits = 3

	// SystemTypeLimit is the first user relation-type ID. IDs below it are
	// system relation types and are stored without padding.
	SystemTypeLimit uint64 = 64

	visibilitySystem    = 0
	visibilityUser      = 1
	visibilityInvisible = 2
)

// IsSystemRelationType reports whether typeID belongs to the system range.
func IsSystemRelationType(typeID uint64) bool { return typeID < SystemTypeLimit }

func relationPrefix(visibility uint64, d DirectionID) uint8 {
	return uint8(visibility<<1 | d.categoryBit())
}

func visibilityOf(typeID uint64, invisible bool) uint64 {
	switch {
	case IsSystemRelationType(typeID):
		return visibilitySystem
	case invisible:
		return visibilityInvisible
	default:
		return visibilityUser
	}
}

// RelationType is a decoded relation-type column header.
type RelationType struct {
	TypeID    uint64
	Direction DirectionID
	Invisible bool
}

// System reports whether the decoded type is a system relation type.
func (r RelationType) System() bool { return IsSystemRelationType(r.TypeID) }

// AppendRelationType appends the column header for typeID in direction dir.
// System type IDs are written as-is; user IDs have SystemTypeLimit stripped.
// The invisible flag is only meaningful for user types. It panics on an
// undefined direction, which is a programming error.
func AppendRelationType(dst []byte, typeID uint64, dir DirectionID, invisible bool) []byte {
	if !dir.Valid() {
		panic(fmt.Sprintf("encoding: invalid direction %d", dir))
	}
	stripped := typeID
	if !IsSystemRelationType(typeID) {
		stripped -= SystemTypeLimit
	}
	if stripped > (1<<63)-1 {
		panic(fmt.Sprintf("encoding: relation type id %d too large", typeID))
	}
	prefix := relationPrefix(visibilityOf(typeID, invisible), dir)
	return AppendPositiveWithPrefix(dst, stripped<<1|dir.directionBit(), prefix, RelationTypePrefixBits)
}

// ReadRelationType decodes a column header written by AppendRelationType.
func ReadRelationType(b []byte, pos int) (RelationType, int, error) {
	v, prefix, next, err := ReadPositiveWithPrefix(b, pos, RelationTypePrefixBits)
	if err != nil {
		return RelationType{}, pos, err
	}
	visibility := uint64(prefix >> 1)
	category := uint64(prefix & 1)
	if visibility > visibilityInvisible {
		return RelationType{}, pos, corrupt("read relation type", pos, fmt.Sprintf("unknown visibility %d", visibility))
	}
	dirBit := v & 1
	stripped := v >> 1

	var dir DirectionID
	switch {
	case category == 0 && dirBit == 0:
		dir = PropertyDir
	case category == 0:
		return RelationType{}, pos, corrupt("read relation type", pos, "property column with direction bit set")
	case dirBit == 0:
		dir = EdgeOutDir
	default:
		dir = EdgeInDir
	}

	typeID := stripped
	if visibility != visibilitySystem {
		if stripped > ^uint64(0)-SystemTypeLimit {
			return RelationType{}, pos, corrupt("read relation type", pos, "type id overflows 64 bits")
		}
		typeID = stripped + SystemTypeLimit
	} else if !IsSystemRelationType(stripped) {
		return RelationType{}, pos, corrupt("read relation type", pos, "system prefix on user type id")
	}
	return RelationType{
		TypeID:    typeID,
		Direction: dir,
		Invisible: visibility == visibilityInvisible,
	}, next, nil
}

// AppendInlineRelationType writes a bare type ID without prefix or direction,
// for columns where both are already implied.
func AppendInlineRelationType(dst []byte, typeID uint64) []byte {
	return AppendPositive(dst, typeID)
}

// ReadInlineRelationType decodes a value written by AppendInlineRelationType.
func ReadInlineRelationType(b []byte, pos int) (uint64, int, error) {
	return ReadPositive(b, pos)
}

// Bounds returns the half-open byte range [lo, hi) containing every column
// header of the given category. systemTypes selects the system range;
// otherwise the visible user range is returned.
func Bounds(category RelationCategory, systemTypes bool) (lo, hi []byte) {
	visibility := uint64(visibilityUser)
	if systemTypes {
		visibility = visibilitySystem
	}
	var start, end uint8
	switch category {
	case CategoryProperty:
		start = relationPrefix(visibility, PropertyDir)
		end = start + 1
	case CategoryEdge:
		start = relationPrefix(visibility, EdgeOutDir)
		end = start + 1
	case CategoryRelation:
		start = relationPrefix(visibility, PropertyDir)
		end = relationPrefix(visibility, EdgeOutDir) + 1
	default:
		panic(fmt.Sprintf("encoding: unknown relation category %d", category))
	}
	shift := uint(8 - RelationTypePrefixBits)
	return []byte{start << shift}, []byte{end << shift}
}

// DirectionBounds narrows Bounds to one direction of one relation type: every
// column written by AppendRelationType(typeID, dir, invisible) followed by any
// suffix lies in the returned [lo, hi) range.
func DirectionBounds(typeID uint64, dir DirectionID, invisible bool) (lo, hi []byte) {
	lo = AppendRelationType(nil, typeID, dir, invisible)
	return lo, PrefixEnd(lo)
}

// PrefixEnd returns the smallest key greater than every key with prefix p,
// or nil when no such key exists (p is empty or all 0xff).
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
