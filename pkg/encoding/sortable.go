package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Sortable encodings: fixed-width or length-prefixed forms whose unsigned
// byte order matches the natural order of the decoded values.

// MaxSortableStringLength is the longest string AppendSortableString accepts.
const MaxSortableStringLength = math.MaxUint16

// AppendSortableInt64 writes v as 8 big-endian bytes with the sign bit flipped.
func AppendSortableInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v)^(1<<63))
}

// ReadSortableInt64 decodes a value written by AppendSortableInt64.
func ReadSortableInt64(b []byte, pos int) (int64, int, error) {
	if pos < 0 || pos+8 > len(b) {
		return 0, pos, corrupt("read sortable int64", pos, "truncated value")
	}
	return int64(binary.BigEndian.Uint64(b[pos:]) ^ (1 << 63)), pos + 8, nil
}

// AppendSortableFloat64 writes v so that byte order matches numeric order for
// all non-NaN values (-0 sorts before +0).
func AppendSortableFloat64(dst []byte, v float64) []byte {
	u := math.Float64bits(v)
	if u&(1<<63) == 0 {
		u ^= 1 << 63
	} else {
		u = ^u
	}
	return binary.BigEndian.AppendUint64(dst, u)
}

// ReadSortableFloat64 decodes a value written by AppendSortableFloat64.
func ReadSortableFloat64(b []byte, pos int) (float64, int, error) {
	if pos < 0 || pos+8 > len(b) {
		return 0, pos, corrupt("read sortable float64", pos, "truncated value")
	}
	u := binary.BigEndian.Uint64(b[pos:])
	if u&(1<<63) != 0 {
		u ^= 1 << 63
	} else {
		u = ^u
	}
	return math.Float64frombits(u), pos + 8, nil
}

// AppendSortableBool writes false as 0 and true as 1.
func AppendSortableBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// ReadSortableBool decodes a value written by AppendSortableBool.
func ReadSortableBool(b []byte, pos int) (bool, int, error) {
	if pos < 0 || pos >= len(b) {
		return false, pos, corrupt("read sortable bool", pos, "truncated value")
	}
	switch b[pos] {
	case 0:
		return false, pos + 1, nil
	case 1:
		return true, pos + 1, nil
	default:
		return false, pos, corrupt("read sortable bool", pos, fmt.Sprintf("invalid byte 0x%02x", b[pos]))
	}
}

// AppendSortableString writes a uint16 big-endian length followed by the raw
// bytes. Strings of equal length sort lexicographically; shorter strings sort
// first. Keys built from it support exact-match prefixes, not string ranges.
func AppendSortableString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxSortableStringLength {
		return dst, fmt.Errorf("encoding: string of %d bytes exceeds %d", len(s), MaxSortableStringLength)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// ReadSortableString decodes a value written by AppendSortableString.
func ReadSortableString(b []byte, pos int) (string, int, error) {
	if pos < 0 || pos+2 > len(b) {
		return "", pos, corrupt("read sortable string", pos, "truncated length")
	}
	n := int(binary.BigEndian.Uint16(b[pos:]))
	if pos+2+n > len(b) {
		return "", pos, corrupt("read sortable string", pos+2, "truncated value")
	}
	return string(b[pos+2 : pos+2+n]), pos + 2 + n, nil
}

// AppendSortableTime writes t as sortable Unix nanoseconds in UTC.
func AppendSortableTime(dst []byte, t time.Time) []byte {
	return AppendSortableInt64(dst, t.UnixNano())
}

// ReadSortableTime decodes a value written by AppendSortableTime.
func ReadSortableTime(b []byte, pos int) (time.Time, int, error) {
	n, next, err := ReadSortableInt64(b, pos)
	if err != nil {
		return time.Time{}, pos, err
	}
	return time.Unix(0, n).UTC(), next, nil
}
