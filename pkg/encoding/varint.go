// Package encoding provides the compact, order-preserving byte encodings used
// by the graph key layout.
//
// All writers append to a caller-supplied []byte and return the extended
// slice. All readers take a buffer and a position and return the decoded value
// together with the position of the first unread byte. Nothing in this package
// keeps a shared cursor, so a key can be decoded by several goroutines at once.
//
// Encodings:
//
//   - Positive: unsigned 7-bit groups, most significant group first, with the
//     stop bit (0x80) set on the final byte. Zero encodes as the single byte
//     0x80. Values up to math.MaxUint64 fit in 10 bytes.
//   - Positive backward: the same groups, but the stop bit marks the leading
//     byte so the value can be read from the end of a buffer towards its start.
//   - Prefixed positive: a small prefix (1 to 4 bits) stored in the high bits
//     of the first byte, followed by an order-preserving length-coded value.
//   - Signed: zig-zag mapped onto Positive.
package encoding

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const (
	stopMask = 0x80
	dataMask = 0x7f

	// MaxPositiveLength is the number of bytes needed for math.MaxUint64.
	MaxPositiveLength = 10

	// MaxPrefixBitLength is the widest prefix supported by the prefixed form.
	MaxPrefixBitLength = 4

	// lengthCodes is the number of first-byte field values reserved for
	// "n big-endian bytes follow" (n = 1..8).
	lengthCodes = 8
)

// ErrCorruptEncoding is returned (wrapped in a *DecodeError) whenever a buffer
// does not hold a valid, canonical encoding.
var ErrCorruptEncoding = errors.New("corrupt encoding")

// DecodeError describes where and why a decode failed.
type DecodeError struct {
	Op     string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("encoding: %s at offset %d: %s", e.Op, e.Offset, e.Reason)
}

// Unwrap lets errors.Is match ErrCorruptEncoding.
func (e *DecodeError) Unwrap() error { return ErrCorruptEncoding }

func corrupt(op string, offset int, reason string) error {
	return &DecodeError{Op: op, Offset: offset, Reason: reason}
}

// ============================================================================
// Positive
// ============================================================================

// PositiveLength returns the number of bytes AppendPositive uses for v.
func PositiveLength(v uint64) int {
	if v == 0 {
		return 1
	}
	return (bits.Len64(v) + 6) / 7
}

// AppendPositive appends the forward encoding of v.
func AppendPositive(dst []byte, v uint64) []byte {
	n := PositiveLength(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v>>(uint(i)*7)) & dataMask
		if i == 0 {
			b |= stopMask
		}
		dst = append(dst, b)
	}
	return dst
}

// ReadPositive decodes a value written by AppendPositive starting at pos.
func ReadPositive(b []byte, pos int) (uint64, int, error) {
	if pos < 0 || pos > len(b) {
		return 0, pos, corrupt("read positive", pos, "position out of range")
	}
	var v uint64
	for i := 0; i < MaxPositiveLength; i++ {
		at := pos + i
		if at >= len(b) {
			return 0, pos, corrupt("read positive", at, "truncated value")
		}
		c := b[at]
		if i == 0 && c == 0x00 {
			return 0, pos, corrupt("read positive", at, "non-canonical leading zero group")
		}
		if v > math.MaxUint64>>7 {
			return 0, pos, corrupt("read positive", at, "value overflows 64 bits")
		}
		v = v<<7 | uint64(c&dataMask)
		if c&stopMask != 0 {
			return v, at + 1, nil
		}
	}
	return 0, pos, corrupt("read positive", pos, "value longer than 10 bytes")
}

// ============================================================================
// Positive, readable backwards
// ============================================================================

// AppendPositiveBackward appends v so that it can be decoded by
// ReadPositiveBackward given only the end offset of the encoding.
func AppendPositiveBackward(dst []byte, v uint64) []byte {
	n := PositiveLength(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v>>(uint(i)*7)) & dataMask
		if i == n-1 {
			b |= stopMask
		}
		dst = append(dst, b)
	}
	return dst
}

// ReadPositiveBackward decodes the value whose encoding ends just before end.
// It returns the value and the offset at which the encoding starts.
func ReadPositiveBackward(b []byte, end int) (uint64, int, error) {
	if end < 0 || end > len(b) {
		return 0, end, corrupt("read positive backward", end, "position out of range")
	}
	var v uint64
	for i := 0; i < MaxPositiveLength; i++ {
		at := end - 1 - i
		if at < 0 {
			return 0, end, corrupt("read positive backward", 0, "truncated value")
		}
		c := b[at]
		group := uint64(c & dataMask)
		if i == MaxPositiveLength-1 && group > 1 {
			return 0, end, corrupt("read positive backward", at, "value overflows 64 bits")
		}
		v |= group << (uint(i) * 7)
		if c&stopMask != 0 {
			if i > 0 && group == 0 {
				return 0, end, corrupt("read positive backward", at, "non-canonical leading zero group")
			}
			return v, at, nil
		}
	}
	return 0, end, corrupt("read positive backward", end, "value longer than 10 bytes")
}

// ============================================================================
// Signed
// ============================================================================

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

// AppendSigned appends a signed value using zig-zag mapping.
func AppendSigned(dst []byte, v int64) []byte { return AppendPositive(dst, zigzag(v)) }

// ReadSigned decodes a value written by AppendSigned.
func ReadSigned(b []byte, pos int) (int64, int, error) {
	u, next, err := ReadPositive(b, pos)
	if err != nil {
		return 0, pos, err
	}
	return unzigzag(u), next, nil
}

// AppendSignedBackward is the backward-readable form of AppendSigned.
func AppendSignedBackward(dst []byte, v int64) []byte {
	return AppendPositiveBackward(dst, zigzag(v))
}

// ReadSignedBackward decodes a value written by AppendSignedBackward.
func ReadSignedBackward(b []byte, end int) (int64, int, error) {
	u, start, err := ReadPositiveBackward(b, end)
	if err != nil {
		return 0, end, err
	}
	return unzigzag(u), start, nil
}

// ============================================================================
// Prefixed positive
// ============================================================================

// The first byte is prefix<<(8-prefixBitLen) | field. With w = 8-prefixBitLen,
// field values below 2^w-8 hold the value inline; the top eight field values
// say that 1..8 big-endian bytes follow. Encodings are canonical (inline
// whenever possible, no leading zero bytes), so byte order matches value
// order for a fixed prefix.

func checkPrefix(prefix uint8, prefixBitLen int) {
	if prefixBitLen < 1 || prefixBitLen > MaxPrefixBitLength {
		panic(fmt.Sprintf("encoding: prefix bit length %d outside [1,%d]", prefixBitLen, MaxPrefixBitLength))
	}
	if uint(prefix) >= 1<<uint(prefixBitLen) {
		panic(fmt.Sprintf("encoding: prefix %d does not fit in %d bits", prefix, prefixBitLen))
	}
}

func inlineMax(prefixBitLen int) uint64 {
	return (1 << uint(8-prefixBitLen)) - lengthCodes - 1
}

func byteLength(v uint64) int {
	n := (bits.Len64(v) + 7) / 8
	if n == 0 {
		n = 1
	}
	return n
}

// PositiveWithPrefixLength returns the encoded size of v under AppendPositiveWithPrefix.
func PositiveWithPrefixLength(v uint64, prefixBitLen int) int {
	if v <= inlineMax(prefixBitLen) {
		return 1
	}
	return 1 + byteLength(v)
}

// AppendPositiveWithPrefix appends v tagged with prefix. It panics when
// prefixBitLen is outside [1,4] or prefix does not fit in prefixBitLen bits,
// both of which are programming errors.
func AppendPositiveWithPrefix(dst []byte, v uint64, prefix uint8, prefixBitLen int) []byte {
	checkPrefix(prefix, prefixBitLen)
	w := uint(8 - prefixBitLen)
	head := byte(prefix) << w
	limit := inlineMax(prefixBitLen)
	if v <= limit {
		return append(dst, head|byte(v))
	}
	n := byteLength(v)
	dst = append(dst, head|byte(limit+uint64(n)))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(uint(i)*8)))
	}
	return dst
}

// ReadPositiveWithPrefix decodes a value written by AppendPositiveWithPrefix.
// It returns the value, the prefix and the next position.
func ReadPositiveWithPrefix(b []byte, pos int, prefixBitLen int) (uint64, uint8, int, error) {
	if prefixBitLen < 1 || prefixBitLen > MaxPrefixBitLength {
		return 0, 0, pos, corrupt("read prefixed", pos, fmt.Sprintf("prefix bit length %d unsupported", prefixBitLen))
	}
	if pos < 0 || pos >= len(b) {
		return 0, 0, pos, corrupt("read prefixed", pos, "truncated value")
	}
	w := uint(8 - prefixBitLen)
	first := b[pos]
	prefix := first >> w
	field := uint64(first & (1<<w - 1))
	limit := inlineMax(prefixBitLen)
	if field <= limit {
		return field, prefix, pos + 1, nil
	}
	n := int(field - limit)
	if pos+1+n > len(b) {
		return 0, 0, pos, corrupt("read prefixed", pos+1, "truncated value")
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(b[pos+1+i])
	}
	if n == 1 && v <= limit {
		return 0, 0, pos, corrupt("read prefixed", pos, "non-canonical: value fits inline")
	}
	if n > 1 && b[pos+1] == 0 {
		return 0, 0, pos, corrupt("read prefixed", pos+1, "non-canonical leading zero byte")
	}
	return v, prefix, pos + 1 + n, nil
}
