package pattern

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rule concludes Then whenever When holds.
//
// Then must be a Has or a Relation constraint. A relation head has no
// variable of its own; the reasoner identifies inferred relations by their
// role players.
type Rule struct {
	Label string
	When  Conjunction
	Then  Constraint
}

// Validate checks the rule is range restricted and has a concludable head.
func (r Rule) Validate() error {
	if r.Label == "" {
		return fmt.Errorf("pattern: rule without label")
	}
	if err := r.When.Validate(); err != nil {
		return fmt.Errorf("pattern: rule %s: %w", r.Label, err)
	}
	switch h := r.Then.(type) {
	case Has:
		if h.Type == "" {
			return fmt.Errorf("pattern: rule %s: has conclusion needs an attribute type", r.Label)
		}
	case Relation:
		if h.Var != "" {
			return fmt.Errorf("pattern: rule %s: relation conclusion cannot name the relation", r.Label)
		}
		for _, rp := range h.Players {
			if rp.Role == "" {
				return fmt.Errorf("pattern: rule %s: relation conclusion needs explicit roles", r.Label)
			}
		}
	default:
		return fmt.Errorf("pattern: rule %s: conclusion must be has or relation, got %T", r.Label, r.Then)
	}
	if err := validateConstraint(r.Then); err != nil {
		return fmt.Errorf("pattern: rule %s: %w", r.Label, err)
	}
	for _, v := range r.Then.Vars() {
		if !r.When.HasVar(v) {
			return fmt.Errorf("pattern: rule %s: conclusion variable $%s is not bound by the condition", r.Label, v)
		}
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("rule %s: when %s then { %s; }", r.Label, r.When, r.Then)
}

// ConcludedType returns the type label the rule's conclusion produces.
func (r Rule) ConcludedType() string {
	switch h := r.Then.(type) {
	case Has:
		return h.Type
	case Relation:
		return h.Type
	}
	return ""
}

// CheckStratified rejects rule sets in which a rule's condition negates a
// type that depends, through any chain of rules, on the rule's own
// conclusion. Such rule sets have no well-defined fixed point. matches
// returns the labels a condition type can match, usually the type and its
// subtypes; nil matches the label alone. An untyped has matches every
// concluded attribute type.
func CheckStratified(rules []Rule, matches func(label string) []string) error {
	concludes := make(map[string][]int)
	hasHeads := make(map[string]struct{})
	for i, r := range rules {
		t := r.ConcludedType()
		concludes[t] = append(concludes[t], i)
		if _, ok := r.Then.(Has); ok {
			hasHeads[t] = struct{}{}
		}
	}
	type edge struct {
		to      int
		negated bool
		label   string
	}
	deps := make([][]edge, len(rules))
	for i, r := range rules {
		visitAtoms(r.When, false, func(label string, untypedHas, negated bool) {
			var labels []string
			switch {
			case untypedHas:
				for l := range hasHeads {
					labels = append(labels, l)
				}
			case matches != nil:
				labels = matches(label)
			default:
				labels = []string{label}
			}
			for _, l := range labels {
				for _, j := range concludes[l] {
					deps[i] = append(deps[i], edge{to: j, negated: negated, label: l})
				}
			}
		})
	}
	reaches := func(from, target int) bool {
		seen := make([]bool, len(rules))
		stack := []int{from}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n == target {
				return true
			}
			if seen[n] {
				continue
			}
			seen[n] = true
			for _, e := range deps[n] {
				stack = append(stack, e.to)
			}
		}
		return false
	}
	for i, r := range rules {
		for _, e := range deps[i] {
			if e.negated && reaches(e.to, i) {
				return fmt.Errorf("pattern: rule %s negates %s, which depends on its own conclusion %s", r.Label, e.label, r.ConcludedType())
			}
		}
	}
	return nil
}

// visitAtoms calls fn for every typed atom of conj. Atoms under a negation,
// at any depth, are reported as negated.
func visitAtoms(conj Conjunction, negated bool, fn func(label string, untypedHas, negated bool)) {
	for _, c := range conj.Constraints {
		switch x := c.(type) {
		case Isa:
			fn(x.Type, false, negated)
		case Has:
			fn(x.Type, x.Type == "", negated)
		case Relation:
			fn(x.Type, false, negated)
		case Not:
			visitAtoms(x.Conjunction, true, fn)
		}
	}
}

// ============================================================================
// JSON
// ============================================================================

type constraintJSON struct {
	Kind      string           `json:"kind"`
	Var       string           `json:"var,omitempty"`
	Type      string           `json:"type,omitempty"`
	Owner     string           `json:"owner,omitempty"`
	Attr      string           `json:"attr,omitempty"`
	Players   []rolePlayerJSON `json:"players,omitempty"`
	Op        string           `json:"op,omitempty"`
	ValueType string           `json:"value_type,omitempty"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Not       []constraintJSON `json:"not,omitempty"`
}

type rolePlayerJSON struct {
	Role   string `json:"role,omitempty"`
	Player string `json:"player"`
}

type ruleJSON struct {
	Label string           `json:"label"`
	When  []constraintJSON `json:"when"`
	Then  constraintJSON   `json:"then"`
}

// MarshalJSON encodes the rule with explicit value types so constants
// round-trip exactly.
func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{Label: r.Label}
	for _, c := range r.When.Constraints {
		cj, err := encodeConstraint(c)
		if err != nil {
			return nil, err
		}
		out.When = append(out.When, cj)
	}
	then, err := encodeConstraint(r.Then)
	if err != nil {
		return nil, err
	}
	out.Then = then
	return json.Marshal(out)
}

// UnmarshalJSON decodes a rule written by MarshalJSON.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Label = in.Label
	r.When = Conjunction{}
	for _, cj := range in.When {
		c, err := decodeConstraint(cj)
		if err != nil {
			return err
		}
		r.When.Constraints = append(r.When.Constraints, c)
	}
	then, err := decodeConstraint(in.Then)
	if err != nil {
		return err
	}
	r.Then = then
	return nil
}

func encodeConstraint(c Constraint) (constraintJSON, error) {
	switch x := c.(type) {
	case Isa:
		return constraintJSON{Kind: "isa", Var: x.Var, Type: x.Type}, nil
	case Has:
		return constraintJSON{Kind: "has", Owner: x.Owner, Type: x.Type, Attr: x.Attr}, nil
	case Relation:
		cj := constraintJSON{Kind: "relation", Var: x.Var, Type: x.Type}
		for _, rp := range x.Players {
			cj.Players = append(cj.Players, rolePlayerJSON{Role: rp.Role, Player: rp.Player})
		}
		return cj, nil
	case Value:
		vt, raw, err := EncodeValue(x.Value)
		if err != nil {
			return constraintJSON{}, err
		}
		return constraintJSON{Kind: "value", Var: x.Var, Op: x.Op.String(), ValueType: vt, Value: raw}, nil
	case Not:
		cj := constraintJSON{Kind: "not"}
		for _, nc := range x.Conjunction.Constraints {
			n, err := encodeConstraint(nc)
			if err != nil {
				return constraintJSON{}, err
			}
			cj.Not = append(cj.Not, n)
		}
		return cj, nil
	}
	return constraintJSON{}, fmt.Errorf("pattern: cannot encode %T", c)
}

func decodeConstraint(cj constraintJSON) (Constraint, error) {
	switch cj.Kind {
	case "isa":
		return Isa{Var: cj.Var, Type: cj.Type}, nil
	case "has":
		return Has{Owner: cj.Owner, Type: cj.Type, Attr: cj.Attr}, nil
	case "relation":
		rel := Relation{Var: cj.Var, Type: cj.Type}
		for _, rp := range cj.Players {
			rel.Players = append(rel.Players, RolePlayer{Role: rp.Role, Player: rp.Player})
		}
		return rel, nil
	case "value":
		op, err := ParseOp(cj.Op)
		if err != nil {
			return nil, err
		}
		v, err := DecodeValue(cj.ValueType, cj.Value)
		if err != nil {
			return nil, err
		}
		return Value{Var: cj.Var, Op: op, Value: v}, nil
	case "not":
		var n Not
		for _, nj := range cj.Not {
			c, err := decodeConstraint(nj)
			if err != nil {
				return nil, err
			}
			n.Conjunction.Constraints = append(n.Conjunction.Constraints, c)
		}
		return n, nil
	}
	return nil, fmt.Errorf("pattern: unknown constraint kind %q", cj.Kind)
}

// EncodeValue returns the value type name and JSON form of a constant.
func EncodeValue(v any) (string, json.RawMessage, error) {
	n, err := Normalize(v)
	if err != nil {
		return "", nil, err
	}
	var name string
	switch x := n.(type) {
	case bool:
		name = "boolean"
	case int64:
		name = "long"
	case float64:
		name = "double"
	case string:
		name = "string"
	case time.Time:
		name = "datetime"
		n = x.Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(n)
	return name, raw, err
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(valueType string, raw json.RawMessage) (any, error) {
	var err error
	switch valueType {
	case "boolean":
		var b bool
		err = json.Unmarshal(raw, &b)
		return b, err
	case "long":
		var i int64
		err = json.Unmarshal(raw, &i)
		return i, err
	case "double":
		var f float64
		err = json.Unmarshal(raw, &f)
		return f, err
	case "string":
		var s string
		err = json.Unmarshal(raw, &s)
		return s, err
	case "datetime":
		var s string
		if err = json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return t.UTC(), err
	}
	return nil, fmt.Errorf("pattern: unknown value type %q", valueType)
}
