package reasoner

import (
	"strconv"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
	"github.com/orneryd/kbgraph/pkg/traversal"
)

// conjunction resolves its planned steps left to right. Each answer of
// step i extends the binding handed to step i+1; answers of the last step
// are answers of the conjunction. New extensions are tried before further
// answers of earlier steps.
type conjunction struct {
	conj    pattern.Conjunction
	steps   []*step
	targets []*actor.Driver[*resolver] // nil for retrievable and negation steps
	vars    []string

	// absent caches negation outcomes by step and binding. A negated
	// conjunction is resolved to completion, so outcomes hold for the
	// whole query.
	absent map[string]bool
}

func (c *conjunction) kind() string { return "conjunction" }

func (c *conjunction) reset() {}

func (c *conjunction) start(r *resolver, p *producer) error {
	if len(c.steps) == 0 {
		return nil
	}
	return c.extend(r, p, 0, p.req.Partial, nil)
}

// extend hands base to step i, or offers it upstream when every step holds.
func (c *conjunction) extend(r *resolver, p *producer, i int, base answer.ConceptMap, der answer.Derivation) error {
	if i == len(c.steps) {
		r.offer(p, &answer.Answer{Concepts: base.Project(c.vars), Derivation: der})
		return nil
	}
	s := c.steps[i]
	if s.negation != nil {
		return c.negate(r, p, i, base, der)
	}
	d, err := c.downstreamAt(r, p, i, base, der)
	if err != nil {
		return err
	}
	p.pushFront(d)
	return nil
}

func (c *conjunction) downstreamAt(r *resolver, p *producer, i int, base answer.ConceptMap, der answer.Derivation) (*downstream, error) {
	s := c.steps[i]
	d := r.newDownstream(p, s.source)
	d.index, d.base, d.derivation = i, base, der
	if s.concludable == nil {
		it, err := traversal.NewMatchIterator(r.q.ctx, r.q.g, s.retrievable, bounds(base), traversal.MatchOptions{})
		if err != nil {
			return nil, err
		}
		d.local = &traversalSource{q: r.q, it: it}
		return d, nil
	}
	d.target = c.targets[i]
	d.partial = base.Project(s.vars).Rename(s.toLocal)
	d.path = p.req.Path
	return d, nil
}

// negate passes base on to step i+1 when the negated conjunction of step i
// has no answer under it. Conjunctions without concludable atoms are
// checked by traversal on the spot; the others are resolved by a nested
// query answered through a downstream.
func (c *conjunction) negate(r *resolver, p *producer, i int, base answer.ConceptMap, der answer.Derivation) error {
	s := c.steps[i]
	partial := base.Project(s.vars)
	k := negationKey(i, partial)
	if absent, ok := c.absent[k]; ok {
		if !absent {
			return nil
		}
		return c.extend(r, p, i+1, base, der)
	}
	if !s.inferable {
		found, err := traversal.Exists(r.q.ctx, r.q.g, *s.negation, bounds(partial))
		if err != nil {
			return err
		}
		c.remember(k, !found)
		if found {
			return nil
		}
		return c.extend(r, p, i+1, base, der)
	}
	d := r.newDownstream(p, s.source)
	d.index, d.base, d.derivation = i, base, der
	d.negation = s.negation
	d.partial = partial
	p.pushFront(d)
	return nil
}

func (c *conjunction) remember(k string, absent bool) {
	if c.absent == nil {
		c.absent = make(map[string]bool)
	}
	c.absent[k] = absent
}

func negationKey(i int, partial answer.ConceptMap) string {
	return strconv.Itoa(i) + "|" + partial.Key()
}

func (c *conjunction) answered(r *resolver, p *producer, d *downstream, a *answer.Answer, _ *Unifier) error {
	s := c.steps[d.index]
	if s.negation != nil {
		// The negated conjunction holds, so the binding is dropped.
		c.remember(negationKey(d.index, d.partial), false)
		p.remove(d)
		return nil
	}
	concepts := a.Concepts
	if s.concludable != nil {
		concepts = concepts.Rename(s.toQuery)
	}
	merged, ok := d.base.Merge(concepts)
	if !ok {
		return nil
	}
	var der answer.Derivation
	if r.q.explain {
		der = d.derivation.With(d.source, a)
	}
	return c.extend(r, p, d.index+1, merged, der)
}

func (c *conjunction) exhausted(r *resolver, p *producer, d *downstream) error {
	if d.negation == nil {
		return nil
	}
	c.remember(negationKey(d.index, d.partial), true)
	return c.extend(r, p, d.index+1, d.base, d.derivation)
}
