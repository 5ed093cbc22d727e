// Package answer holds query answers: concept maps binding pattern
// variables to graph concepts, and the derivations explaining inferred
// answers.
package answer

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/orneryd/kbgraph/pkg/graph"
)

// Concept is a bound graph concept.
type Concept struct {
	IID  graph.IID
	Type string // type label
}

// Inferred reports whether the concept exists only as a reasoning result.
func (c Concept) Inferred() bool { return c.IID.IsInferred() }

// ConceptMap binds variables to concepts. Values are immutable; methods
// that change the binding return a new map.
type ConceptMap map[string]Concept

// Vars returns the bound variables, sorted.
func (m ConceptMap) Vars() []string {
	vars := make([]string, 0, len(m))
	for v := range m {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Key is a canonical encoding of the binding: two maps have the same key
// iff they bind the same variables to the same IIDs.
func (m ConceptMap) Key() string {
	var b strings.Builder
	for _, v := range m.Vars() {
		b.WriteString(v)
		b.WriteByte('=')
		b.WriteString(m[v].IID.String())
		b.WriteByte(';')
	}
	return b.String()
}

// Clone copies m.
func (m ConceptMap) Clone() ConceptMap {
	out := make(ConceptMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Project restricts m to vars. Variables m does not bind are skipped.
func (m ConceptMap) Project(vars []string) ConceptMap {
	out := make(ConceptMap, len(vars))
	for _, v := range vars {
		if c, ok := m[v]; ok {
			out[v] = c
		}
	}
	return out
}

// Merge returns the union of m and other. It reports false when they bind
// a shared variable to different concepts.
func (m ConceptMap) Merge(other ConceptMap) (ConceptMap, bool) {
	out := m.Clone()
	for k, c := range other {
		if have, ok := out[k]; ok {
			if have.IID != c.IID {
				return nil, false
			}
			continue
		}
		out[k] = c
	}
	return out, true
}

// Rename maps the variables of m through mapping. Variables without an
// entry are dropped.
func (m ConceptMap) Rename(mapping map[string]string) ConceptMap {
	out := make(ConceptMap, len(m))
	for k, c := range m {
		if to, ok := mapping[k]; ok {
			out[to] = c
		}
	}
	return out
}

// Equal reports whether m and other have the same key.
func (m ConceptMap) Equal(other ConceptMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, c := range m {
		if o, ok := other[k]; !ok || o.IID != c.IID {
			return false
		}
	}
	return true
}

func (m ConceptMap) String() string {
	parts := make([]string, 0, len(m))
	for _, v := range m.Vars() {
		parts = append(parts, fmt.Sprintf("$%s=%s", v, m[v].IID))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Answer is one result of a query, with the derivation that produced it
// when explanations are requested.
type Answer struct {
	Concepts   ConceptMap
	Derivation Derivation
}

// Derivation maps the actor that produced a contributing sub-answer to that
// sub-answer. Sub-answers carry their own derivations.
type Derivation map[string]*Answer

// With returns a copy of d with source mapped to a.
func (d Derivation) With(source string, a *Answer) Derivation {
	out := make(Derivation, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[source] = a
	return out
}

// Explanation is a derivation rendered as a tree.
type Explanation struct {
	Source   string
	Concepts ConceptMap
	Children []*Explanation
}

// Explain turns the derivation of a into a tree ordered by source name.
func Explain(source string, a *Answer) *Explanation {
	e := &Explanation{Source: source, Concepts: a.Concepts}
	sources := make([]string, 0, len(a.Derivation))
	for s := range a.Derivation {
		sources = append(sources, s)
	}
	slices.Sort(sources)
	for _, s := range sources {
		e.Children = append(e.Children, Explain(s, a.Derivation[s]))
	}
	return e
}

// Rules lists the rule sources anywhere in the explanation, depth first.
func (e *Explanation) Rules() []string {
	var out []string
	var walk func(*Explanation)
	walk = func(n *Explanation) {
		if strings.HasPrefix(n.Source, "rule:") {
			out = append(out, strings.TrimPrefix(n.Source, "rule:"))
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	return out
}

// String renders the tree with two-space indentation.
func (e *Explanation) String() string {
	var b strings.Builder
	var walk func(*Explanation, int)
	walk = func(n *Explanation, depth int) {
		fmt.Fprintf(&b, "%s%s %s\n", strings.Repeat("  ", depth), n.Source, n.Concepts)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(e, 0)
	return b.String()
}
