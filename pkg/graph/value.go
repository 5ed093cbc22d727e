package graph

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/orneryd/kbgraph/pkg/encoding"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// ValueType is the value type of an attribute type.
type ValueType byte

const (
	Boolean  ValueType = 10
	Long     ValueType = 20
	Double   ValueType = 30
	String   ValueType = 40
	DateTime ValueType = 50
)

func (vt ValueType) String() string {
	switch vt {
	case Boolean:
		return "boolean"
	case Long:
		return "long"
	case Double:
		return "double"
	case String:
		return "string"
	case DateTime:
		return "datetime"
	}
	return fmt.Sprintf("valuetype(%d)", byte(vt))
}

// ParseValueType parses the lower-case name of a value type.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(s) {
	case "boolean", "bool":
		return Boolean, nil
	case "long", "int":
		return Long, nil
	case "double", "float":
		return Double, nil
	case "string":
		return String, nil
	case "datetime":
		return DateTime, nil
	}
	return 0, fmt.Errorf("graph: unknown value type %q", s)
}

// ValueTypeOf returns the value type of a Go value after normalisation.
func ValueTypeOf(v any) (ValueType, error) {
	n, err := pattern.Normalize(v)
	if err != nil {
		return 0, err
	}
	switch n.(type) {
	case bool:
		return Boolean, nil
	case int64:
		return Long, nil
	case float64:
		return Double, nil
	case string:
		return String, nil
	case time.Time:
		return DateTime, nil
	}
	return 0, fmt.Errorf("graph: unsupported value %T", v)
}

// Coerce converts v to the Go representation of vt. Longs are accepted for
// double attributes; everything else must match exactly.
func Coerce(vt ValueType, v any) (any, error) {
	n, err := pattern.Normalize(v)
	if err != nil {
		return nil, err
	}
	if vt == Double {
		if i, ok := n.(int64); ok {
			return float64(i), nil
		}
	}
	got, _ := ValueTypeOf(n)
	if got != vt {
		return nil, fmt.Errorf("graph: value %v is %s, expected %s", v, got, vt)
	}
	return n, nil
}

// EquivalentValue returns v as a value of type vt when the two compare
// equal. Longs and doubles are interchangeable as long as no precision is
// lost.
func EquivalentValue(vt ValueType, v any) (any, bool) {
	n, err := pattern.Normalize(v)
	if err != nil {
		return nil, false
	}
	switch x := n.(type) {
	case int64:
		if vt == Double {
			return float64(x), true
		}
	case float64:
		if vt == Long {
			if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
				return nil, false
			}
			return int64(x), true
		}
	}
	got, err := ValueTypeOf(n)
	if err != nil || got != vt {
		return nil, false
	}
	return n, true
}

// equivalentTypes lists the value types an attribute equal to v may have.
func equivalentTypes(v any) []ValueType {
	vt, err := ValueTypeOf(v)
	if err != nil {
		return nil
	}
	if vt == Long || vt == Double {
		return []ValueType{Long, Double}
	}
	return []ValueType{vt}
}

func appendValue(dst []byte, vt ValueType, v any) ([]byte, error) {
	n, err := pattern.Normalize(v)
	if err != nil {
		return nil, err
	}
	switch vt {
	case Boolean:
		return encoding.AppendSortableBool(dst, n.(bool)), nil
	case Long:
		return encoding.AppendSortableInt64(dst, n.(int64)), nil
	case Double:
		return encoding.AppendSortableFloat64(dst, n.(float64)), nil
	case String:
		return encoding.AppendSortableString(dst, n.(string))
	case DateTime:
		return encoding.AppendSortableTime(dst, n.(time.Time)), nil
	}
	return nil, fmt.Errorf("graph: unknown value type %d", vt)
}

func readValue(b []byte, pos int, vt ValueType) (any, int, error) {
	switch vt {
	case Boolean:
		return wrapRead(encoding.ReadSortableBool(b, pos))
	case Long:
		return wrapRead(encoding.ReadSortableInt64(b, pos))
	case Double:
		return wrapRead(encoding.ReadSortableFloat64(b, pos))
	case String:
		return wrapRead(encoding.ReadSortableString(b, pos))
	case DateTime:
		return wrapRead(encoding.ReadSortableTime(b, pos))
	}
	return nil, pos, &encoding.DecodeError{Op: "read value", Offset: pos, Reason: fmt.Sprintf("unknown value type %d", vt)}
}

func wrapRead[T any](v T, next int, err error) (any, int, error) {
	if err != nil {
		return nil, next, err
	}
	return v, next, nil
}
