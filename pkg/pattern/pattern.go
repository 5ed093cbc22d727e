// Package pattern defines the abstract query patterns consumed by the
// traversal planner and the reasoner: conjunctions of isa, has, relation and
// value constraints over named variables, negated conjunctions, and rules
// built from them.
package pattern

import (
	"fmt"
	"sort"
	"strings"
)

// Constraint is one atom of a conjunction.
type Constraint interface {
	// Vars returns the variables the constraint mentions, in order of
	// appearance, without duplicates.
	Vars() []string
	String() string
	constraint()
}

// Isa restricts Var to instances of Type or its subtypes.
type Isa struct {
	Var  string
	Type string
}

// Has states that Owner owns the attribute Attr of attribute type Type.
// An empty Type matches any attribute type.
type Has struct {
	Owner string
	Type  string
	Attr  string
}

// RolePlayer is one (role, player) pair of a relation constraint. An empty
// Role matches any role.
type RolePlayer struct {
	Role   string
	Player string
}

// Relation states that the relation Var of type Type has the given role
// players. Var may be empty when the relation itself is not needed.
type Relation struct {
	Var     string
	Type    string
	Players []RolePlayer
}

// Value compares the value of attribute variable Var with a constant.
type Value struct {
	Var   string
	Op    Op
	Value any
}

// Not holds when Conjunction has no answer once the variables it shares
// with the enclosing conjunction are bound. Its other variables are local
// to it and never appear in answers.
type Not struct {
	Conjunction Conjunction
}

func (Isa) constraint()      {}
func (Has) constraint()      {}
func (Relation) constraint() {}
func (Value) constraint()    {}
func (Not) constraint()      {}

func (c Isa) Vars() []string { return []string{c.Var} }

func (c Has) Vars() []string { return dedupe([]string{c.Owner, c.Attr}) }

func (c Relation) Vars() []string {
	vars := make([]string, 0, len(c.Players)+1)
	if c.Var != "" {
		vars = append(vars, c.Var)
	}
	for _, rp := range c.Players {
		vars = append(vars, rp.Player)
	}
	return dedupe(vars)
}

func (c Value) Vars() []string { return []string{c.Var} }

func (c Not) Vars() []string { return c.Conjunction.Variables() }

// Shared returns the variables of the negated conjunction that outer binds,
// sorted.
func (c Not) Shared(outer Conjunction) []string {
	var out []string
	for _, v := range c.Conjunction.Variables() {
		if outer.HasVar(v) {
			out = append(out, v)
		}
	}
	return out
}

func (c Isa) String() string { return fmt.Sprintf("$%s isa %s", c.Var, c.Type) }

func (c Has) String() string {
	if c.Type == "" {
		return fmt.Sprintf("$%s has $%s", c.Owner, c.Attr)
	}
	return fmt.Sprintf("$%s has %s $%s", c.Owner, c.Type, c.Attr)
}

func (c Relation) String() string {
	var b strings.Builder
	if c.Var != "" {
		fmt.Fprintf(&b, "$%s ", c.Var)
	}
	b.WriteByte('(')
	for i, rp := range c.Players {
		if i > 0 {
			b.WriteString(", ")
		}
		if rp.Role != "" {
			b.WriteString(rp.Role)
			b.WriteString(": ")
		}
		b.WriteByte('$')
		b.WriteString(rp.Player)
	}
	b.WriteString(") isa ")
	b.WriteString(c.Type)
	return b.String()
}

func (c Value) String() string { return fmt.Sprintf("$%s %s %s", c.Var, c.Op, formatValue(c.Value)) }

func (c Not) String() string { return "not " + c.Conjunction.String() }

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

func dedupe(vars []string) []string {
	out := vars[:0:0]
	seen := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Conjunction is a set of constraints that must all hold.
type Conjunction struct {
	Constraints []Constraint
}

// And builds a conjunction.
func And(constraints ...Constraint) Conjunction {
	return Conjunction{Constraints: constraints}
}

// Positive returns the constraints that are not negations.
func (c Conjunction) Positive() []Constraint {
	out := make([]Constraint, 0, len(c.Constraints))
	for _, con := range c.Constraints {
		if _, ok := con.(Not); !ok {
			out = append(out, con)
		}
	}
	return out
}

// Negations returns the negated conjunctions.
func (c Conjunction) Negations() []Not {
	var out []Not
	for _, con := range c.Constraints {
		if n, ok := con.(Not); ok {
			out = append(out, n)
		}
	}
	return out
}

// Variables returns every variable the positive constraints bind, sorted.
func (c Conjunction) Variables() []string {
	seen := make(map[string]struct{})
	for _, con := range c.Positive() {
		for _, v := range con.Vars() {
			seen[v] = struct{}{}
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// HasVar reports whether a positive constraint of the conjunction binds v.
func (c Conjunction) HasVar(v string) bool {
	for _, con := range c.Positive() {
		for _, cv := range con.Vars() {
			if cv == v {
				return true
			}
		}
	}
	return false
}

// Validate checks that every constraint is well formed.
func (c Conjunction) Validate() error {
	if len(c.Constraints) == 0 {
		return fmt.Errorf("pattern: empty conjunction")
	}
	if len(c.Positive()) == 0 {
		return fmt.Errorf("pattern: conjunction has only negations: %s", c)
	}
	for _, con := range c.Constraints {
		if err := validateConstraint(con); err != nil {
			return err
		}
	}
	return nil
}

func validateConstraint(con Constraint) error {
	switch c := con.(type) {
	case Isa:
		if c.Var == "" || c.Type == "" {
			return fmt.Errorf("pattern: isa needs a variable and a type: %s", c)
		}
	case Has:
		if c.Owner == "" || c.Attr == "" {
			return fmt.Errorf("pattern: has needs an owner and an attribute: %s", c)
		}
	case Relation:
		if c.Type == "" || len(c.Players) == 0 {
			return fmt.Errorf("pattern: relation needs a type and role players: %s", c)
		}
		for _, rp := range c.Players {
			if rp.Player == "" {
				return fmt.Errorf("pattern: empty role player in %s", c)
			}
			if rp.Player == c.Var {
				return fmt.Errorf("pattern: relation $%s plays a role in itself", c.Var)
			}
		}
	case Value:
		if c.Var == "" {
			return fmt.Errorf("pattern: value constraint without variable")
		}
		if !c.Op.Valid() {
			return fmt.Errorf("pattern: unknown operator %d", c.Op)
		}
		if _, err := Normalize(c.Value); err != nil {
			return err
		}
	case Not:
		if err := c.Conjunction.Validate(); err != nil {
			return fmt.Errorf("pattern: in %s: %w", c, err)
		}
	case nil:
		return fmt.Errorf("pattern: nil constraint")
	}
	return nil
}

// String renders the conjunction in a TypeQL-like syntax.
func (c Conjunction) String() string {
	parts := make([]string, len(c.Constraints))
	for i, con := range c.Constraints {
		parts[i] = con.String()
	}
	return "{ " + strings.Join(parts, "; ") + "; }"
}
