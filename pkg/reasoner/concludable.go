package reasoner

import (
	"slices"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
	"github.com/orneryd/kbgraph/pkg/traversal"
)

type ruleTarget struct {
	label    string
	target   *actor.Driver[*resolver]
	unifiers []*Unifier
}

// memo holds the inferred answers of one trigger, in the order they were
// first derived.
type memo struct {
	answers []*answer.Answer
	keys    map[string]struct{}
}

// concludable answers an atom from stored facts first, then from every
// rule whose conclusion unifies with it.
//
// The trigger of a request is its binding restricted to the atom's
// variables. Rules are triggered at most once per trigger and iteration.
// A request whose trigger was already triggered, including one that meets
// its own trigger on its path, is a cycle: it is answered from stored facts
// and the inferred answers memoised so far. The root repeats iterations
// until no new inferred answer is recorded, so memoised answers are
// complete at the fixed point.
type concludable struct {
	spec  *concludableSpec
	rules []ruleTarget

	memo      map[string]*memo
	triggered map[string]bool
}

func newConcludable(spec *concludableSpec, rules []ruleTarget) *concludable {
	return &concludable{
		spec:      spec,
		rules:     rules,
		memo:      make(map[string]*memo),
		triggered: make(map[string]bool),
	}
}

func (c *concludable) kind() string { return "concludable" }

func (c *concludable) reset() { c.triggered = make(map[string]bool) }

func (c *concludable) exhausted(*resolver, *producer, *downstream) error { return nil }

func (c *concludable) start(r *resolver, p *producer) error {
	partial := p.req.Partial.Project(c.spec.vars)
	p.trigger = partial.Key()

	it, err := traversal.NewMatchIterator(r.q.ctx, r.q.g, c.spec.conj, bounds(partial), traversal.MatchOptions{})
	if err != nil {
		return err
	}
	d := r.newDownstream(p, "traversal")
	d.local = &traversalSource{q: r.q, it: it}
	p.pushBack(d)

	if p.req.onPath(r.name, p.trigger) || c.triggered[p.trigger] {
		if m := c.memo[p.trigger]; m != nil {
			md := r.newDownstream(p, "memo")
			md.local = &memoSource{answers: slices.Clone(m.answers)}
			p.pushBack(md)
		}
		return nil
	}
	c.triggered[p.trigger] = true

	path := p.req.extendPath(r.name, p.trigger)
	for _, rt := range c.rules {
		for _, u := range rt.unifiers {
			head, ok := u.forward(partial)
			if !ok {
				continue
			}
			d := r.newDownstream(p, "rule:"+rt.label)
			d.target, d.partial, d.unifier, d.path = rt.target, head, u, path
			p.pushBack(d)
		}
	}
	return nil
}

func (c *concludable) answered(r *resolver, p *producer, d *downstream, a *answer.Answer, _ *Unifier) error {
	if d.local != nil {
		r.offer(p, a)
		return nil
	}
	mapped, ok := d.unifier.backward(a.Concepts)
	if !ok {
		return nil
	}
	merged, ok := p.req.Partial.Project(c.spec.vars).Merge(mapped)
	if !ok {
		return nil
	}
	ok, err := c.admits(r.q, merged)
	if err != nil || !ok {
		return err
	}
	ans := &answer.Answer{Concepts: merged}
	if r.q.explain {
		ans.Derivation = answer.Derivation{d.source: a}
	}
	c.remember(r, p.trigger, ans)
	r.offer(p, ans)
	return nil
}

// remember memoises an inferred answer and reports it to the recorder.
func (c *concludable) remember(r *resolver, trigger string, a *answer.Answer) {
	m := c.memo[trigger]
	if m == nil {
		m = &memo{keys: make(map[string]struct{})}
		c.memo[trigger] = m
	}
	if _, ok := m.keys[a.Concepts.Key()]; !ok {
		m.keys[a.Concepts.Key()] = struct{}{}
		m.answers = append(m.answers, a)
	}
	name := r.name
	r.q.recorder.Tell(func(rc *recorder) { rc.record(name, trigger, a) })
}

// admits checks an inferred answer against the isa and value constraints
// the traversal would have applied.
func (c *concludable) admits(q *query, m answer.ConceptMap) (bool, error) {
	for _, con := range c.spec.conj.Constraints[1:] {
		switch x := con.(type) {
		case pattern.Isa:
			cpt, ok := m[x.Var]
			if !ok {
				continue
			}
			t, err := q.g.TypeOf(cpt.IID)
			if err != nil {
				return false, err
			}
			if ok, err := q.g.IsSubtype(t, x.Type); err != nil || !ok {
				return false, err
			}
		case pattern.Value:
			cpt, ok := m[x.Var]
			if !ok {
				continue
			}
			if !cpt.IID.IsAttribute() {
				return false, nil
			}
			v, err := cpt.IID.Value()
			if err != nil {
				return false, err
			}
			target, err := pattern.Normalize(x.Value)
			if err != nil {
				return false, err
			}
			if !pattern.Evaluate(x.Op, v, target) {
				return false, nil
			}
		}
	}
	return true, nil
}
