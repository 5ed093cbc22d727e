package reasoner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// relationKey binds the relation a rule concludes in a rule answer. Pattern
// variables never start with '~'.
const relationKey = "~rel"

// Unifier maps the variables of a concludable onto the variables of a rule
// conclusion that can produce it.
type Unifier struct {
	pairs  [][2]string // (concludable var, head var)
	relVar string      // concludable variable bound to the concluded relation
}

func (u *Unifier) String() string {
	parts := make([]string, len(u.pairs))
	for i, p := range u.pairs {
		parts[i] = p[0] + "->" + p[1]
	}
	if u.relVar != "" {
		parts = append(parts, u.relVar+"->"+relationKey)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// forward turns a concludable binding into the binding of the rule
// conclusion. It reports false when two concludable variables sharing a head
// variable are bound differently.
func (u *Unifier) forward(partial answer.ConceptMap) (answer.ConceptMap, bool) {
	head := make(answer.ConceptMap, len(u.pairs))
	for _, p := range u.pairs {
		c, ok := partial[p[0]]
		if !ok {
			continue
		}
		if have, ok := head[p[1]]; ok && have.IID != c.IID {
			return nil, false
		}
		head[p[1]] = c
	}
	return head, true
}

// backward maps a rule answer into the concludable's variables.
func (u *Unifier) backward(head answer.ConceptMap) (answer.ConceptMap, bool) {
	out := make(answer.ConceptMap, len(u.pairs)+1)
	for _, p := range u.pairs {
		c, ok := head[p[1]]
		if !ok {
			return nil, false
		}
		if have, ok := out[p[0]]; ok && have.IID != c.IID {
			return nil, false
		}
		out[p[0]] = c
	}
	if u.relVar != "" {
		rel, ok := head[relationKey]
		if !ok {
			return nil, false
		}
		out[u.relVar] = rel
	}
	return out, true
}

// unify returns every way the conclusion of r can produce atom.
func unify(g *graph.Graph, atom pattern.Constraint, r pattern.Rule) ([]*Unifier, error) {
	switch a := atom.(type) {
	case pattern.Has:
		head, ok := r.Then.(pattern.Has)
		if !ok {
			return nil, nil
		}
		if a.Type != "" {
			ok, err := subtypeOf(g, head.Type, a.Type)
			if err != nil || !ok {
				return nil, err
			}
		}
		return []*Unifier{{pairs: [][2]string{{a.Owner, head.Owner}, {a.Attr, head.Attr}}}}, nil

	case pattern.Relation:
		head, ok := r.Then.(pattern.Relation)
		if !ok || len(a.Players) > len(head.Players) {
			return nil, nil
		}
		ok, err := subtypeOf(g, head.Type, a.Type)
		if err != nil || !ok {
			return nil, err
		}
		compatible := make([][]bool, len(a.Players))
		for i, qp := range a.Players {
			compatible[i] = make([]bool, len(head.Players))
			for j, hp := range head.Players {
				if compatible[i][j], err = roleCompatible(g, a.Type, qp.Role, head.Type, hp.Role); err != nil {
					return nil, err
				}
			}
		}
		var out []*Unifier
		used := make([]bool, len(head.Players))
		pairs := make([][2]string, len(a.Players))
		var assign func(i int)
		assign = func(i int) {
			if i == len(a.Players) {
				out = append(out, &Unifier{pairs: slices.Clone(pairs), relVar: a.Var})
				return
			}
			for j, hp := range head.Players {
				if used[j] || !compatible[i][j] {
					continue
				}
				used[j] = true
				pairs[i] = [2]string{a.Players[i].Player, hp.Player}
				assign(i + 1)
				used[j] = false
			}
		}
		assign(0)
		return out, nil
	}
	return nil, nil
}

func subtypeOf(g *graph.Graph, sub, sup string) (bool, error) {
	t, err := g.Type(sub)
	if err != nil {
		return false, err
	}
	return g.IsSubtype(t, sup)
}

// roleCompatible reports whether a player of headRole on headRel can stand
// in for a player of role on rel. An empty query role accepts any role.
func roleCompatible(g *graph.Graph, rel, role, headRel, headRole string) (bool, error) {
	if role == "" {
		return true, nil
	}
	want, err := g.ResolveRole(rel, role)
	if err != nil {
		return false, err
	}
	have, err := g.ResolveRole(headRel, headRole)
	if err != nil {
		return false, err
	}
	return g.IsSubtype(have, want.Label)
}

// ============================================================================
// Alpha normalisation
// ============================================================================

// concludableSpec is an atom with the isa and value constraints on its
// variables, with variables renamed by first appearance. Atoms that differ
// only in variable names share a signature and therefore an actor.
type concludableSpec struct {
	signature string
	atom      pattern.Constraint
	conj      pattern.Conjunction
	vars      []string
}

// normalise builds the normalised form of atom and the renaming from the caller's
// variables to the normalised ones.
func normalise(atom pattern.Constraint, extras []pattern.Constraint) (*concludableSpec, map[string]string) {
	mapping := make(map[string]string)
	var vars []string
	name := func(v string) string {
		if v == "" {
			return ""
		}
		if n, ok := mapping[v]; ok {
			return n
		}
		n := fmt.Sprintf("v%d", len(mapping))
		mapping[v] = n
		vars = append(vars, n)
		return n
	}
	var local pattern.Constraint
	switch a := atom.(type) {
	case pattern.Has:
		local = pattern.Has{Owner: name(a.Owner), Type: a.Type, Attr: name(a.Attr)}
	case pattern.Relation:
		rel := pattern.Relation{Var: name(a.Var), Type: a.Type}
		for _, rp := range a.Players {
			rel.Players = append(rel.Players, pattern.RolePlayer{Role: rp.Role, Player: name(rp.Player)})
		}
		local = rel
	}

	renamed := make([]pattern.Constraint, 0, len(extras))
	for _, c := range extras {
		renamed = append(renamed, rename(c, mapping))
	}
	slices.SortFunc(renamed, func(a, b pattern.Constraint) int { return strings.Compare(a.String(), b.String()) })

	conj := pattern.And(append([]pattern.Constraint{local}, renamed...)...)
	return &concludableSpec{
		signature: conj.String(),
		atom:      local,
		conj:      conj,
		vars:      vars,
	}, mapping
}

func rename(c pattern.Constraint, mapping map[string]string) pattern.Constraint {
	switch x := c.(type) {
	case pattern.Isa:
		x.Var = mapping[x.Var]
		return x
	case pattern.Value:
		x.Var = mapping[x.Var]
		return x
	case pattern.Has:
		return pattern.Has{Owner: mapping[x.Owner], Type: x.Type, Attr: mapping[x.Attr]}
	case pattern.Relation:
		rel := pattern.Relation{Var: mapping[x.Var], Type: x.Type}
		for _, rp := range x.Players {
			rel.Players = append(rel.Players, pattern.RolePlayer{Role: rp.Role, Player: mapping[rp.Player]})
		}
		return rel
	}
	return c
}

func invert(mapping map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for k, v := range mapping {
		out[v] = k
	}
	return out
}

// ============================================================================
// Conjunction planning
// ============================================================================

// step is one resolvable of a planned conjunction. A retrievable step is
// answered by traversal; a concludable step by a concludable actor. A
// negation step binds nothing: it passes a binding on when its conjunction
// has no answer.
type step struct {
	source string // derivation source name

	retrievable pattern.Conjunction
	concludable *concludableSpec
	toLocal     map[string]string // conjunction var -> normalised var
	toQuery     map[string]string

	negation  *pattern.Conjunction
	inferable bool // the negated conjunction mentions a concludable atom

	vars []string // conjunction variables the step binds or, for a negation, reads
}

// plan splits conj into a retrievable part holding every atom no rule can
// conclude, followed by the concludable atoms ordered so that each shares
// as many variables as possible with the steps before it. Negations come
// last, once every variable they share with conj is bound.
func plan(g *graph.Graph, conj pattern.Conjunction, rules []pattern.Rule) ([]*step, error) {
	var atoms, concludable, retrievable []pattern.Constraint
	var filters []pattern.Constraint
	var negations []pattern.Not
	for _, c := range conj.Constraints {
		switch x := c.(type) {
		case pattern.Has, pattern.Relation:
			atoms = append(atoms, c)
		case pattern.Not:
			negations = append(negations, x)
		default:
			filters = append(filters, c)
		}
	}
	for _, a := range atoms {
		inferable, err := concludableAtom(g, a, rules)
		if err != nil {
			return nil, err
		}
		if inferable {
			concludable = append(concludable, a)
		} else {
			retrievable = append(retrievable, a)
		}
	}

	inRetrievable := varSet(retrievable)
	inConcludable := varSet(concludable)
	for _, f := range filters {
		v := f.Vars()[0]
		if inRetrievable[v] || !inConcludable[v] {
			retrievable = append(retrievable, f)
		}
	}

	var steps []*step
	bound := make(map[string]bool)
	if len(retrievable) > 0 {
		r := pattern.And(retrievable...)
		vars := r.Variables()
		steps = append(steps, &step{source: "retrievable", retrievable: r, vars: vars})
		for _, v := range vars {
			bound[v] = true
		}
	}

	remaining := slices.Clone(concludable)
	for len(remaining) > 0 {
		best, bestShared := 0, -1
		for i, a := range remaining {
			shared := 0
			for _, v := range a.Vars() {
				if bound[v] {
					shared++
				}
			}
			if shared > bestShared {
				best, bestShared = i, shared
			}
		}
		a := remaining[best]
		remaining = slices.Delete(remaining, best, best+1)

		var extras []pattern.Constraint
		vars := a.Vars()
		for _, f := range filters {
			if slices.Contains(vars, f.Vars()[0]) {
				extras = append(extras, f)
			}
		}
		spec, mapping := normalise(a, extras)
		steps = append(steps, &step{
			source:      "concludable:" + spec.signature,
			concludable: spec,
			toLocal:     mapping,
			toQuery:     invert(mapping),
			vars:        vars,
		})
		for _, v := range vars {
			bound[v] = true
		}
	}
	for _, n := range negations {
		inferable, err := mentionsConcludable(g, n.Conjunction, rules)
		if err != nil {
			return nil, err
		}
		steps = append(steps, &step{
			source:    "negation",
			negation:  &n.Conjunction,
			inferable: inferable,
			vars:      n.Shared(conj),
		})
	}
	for i, s := range steps {
		s.source = fmt.Sprintf("%s#%d", s.source, i)
	}
	return steps, nil
}

func concludableAtom(g *graph.Graph, a pattern.Constraint, rules []pattern.Rule) (bool, error) {
	for _, r := range rules {
		us, err := unify(g, a, r)
		if err != nil {
			return false, err
		}
		if len(us) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// mentionsConcludable reports whether some atom of conj, negated or not,
// can be concluded by a rule.
func mentionsConcludable(g *graph.Graph, conj pattern.Conjunction, rules []pattern.Rule) (bool, error) {
	for _, c := range conj.Constraints {
		var ok bool
		var err error
		switch x := c.(type) {
		case pattern.Has, pattern.Relation:
			ok, err = concludableAtom(g, c, rules)
		case pattern.Not:
			ok, err = mentionsConcludable(g, x.Conjunction, rules)
		}
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func varSet(cs []pattern.Constraint) map[string]bool {
	out := make(map[string]bool)
	for _, c := range cs {
		for _, v := range c.Vars() {
			out[v] = true
		}
	}
	return out
}
