package pattern

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIncomparable is returned when two values of unrelated kinds are compared.
var ErrIncomparable = errors.New("pattern: incomparable values")

// Op is a value comparison operator.
type Op uint8

const (
	Eq Op = iota + 1
	Neq
	Gt
	Gte
	Lt
	Lte
	Contains
)

var opNames = map[Op]string{
	Eq: "==", Neq: "!=", Gt: ">", Gte: ">=", Lt: "<", Lte: "<=", Contains: "contains",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// ParseOp parses the textual form of an operator.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	switch s {
	case "eq":
		return Eq, nil
	case "neq":
		return Neq, nil
	case "gt":
		return Gt, nil
	case "gte":
		return Gte, nil
	case "lt":
		return Lt, nil
	case "lte":
		return Lte, nil
	}
	return 0, fmt.Errorf("pattern: unknown operator %q", s)
}

// Normalize converts v to one of the canonical attribute value kinds:
// bool, int64, float64, string or time.Time (UTC).
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case bool, int64, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("pattern: unsupported value type %T", v)
	}
}

// Compare orders two normalised values. Longs and doubles compare
// numerically with each other.
func Compare(a, b any) (int, error) {
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, ErrIncomparable
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp3(x < y, x > y), nil
		case float64:
			return cmp3(float64(x) < y, float64(x) > y), nil
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp3(x < y, x > y), nil
		case int64:
			return cmp3(x < float64(y), x > float64(y)), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	}
	return 0, ErrIncomparable
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Evaluate reports whether actual op target holds. Values of unrelated kinds
// never satisfy any operator except Neq.
func Evaluate(op Op, actual, target any) bool {
	if op == Contains {
		s, ok1 := actual.(string)
		sub, ok2 := target.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	}
	c, err := Compare(actual, target)
	if err != nil {
		return op == Neq
	}
	switch op {
	case Eq:
		return c == 0
	case Neq:
		return c != 0
	case Gt:
		return c > 0
	case Gte:
		return c >= 0
	case Lt:
		return c < 0
	case Lte:
		return c <= 0
	}
	return false
}
