package reasoner

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
)

// Registry holds the actors of one query: one per conjunction, one per
// normalised concludable and one per rule. Concurrent lookups of the same
// pattern get the same actor.
type Registry struct {
	q      *query
	actors *xsync.MapOf[string, *actor.Driver[*resolver]]
}

func newRegistry(q *query) *Registry {
	return &Registry{q: q, actors: xsync.NewMapOf[string, *actor.Driver[*resolver]]()}
}

// Size returns the number of actors created so far.
func (reg *Registry) Size() int { return reg.actors.Size() }

// Names lists the actors in no particular order.
func (reg *Registry) Names() []string {
	var out []string
	reg.actors.Range(func(name string, _ *actor.Driver[*resolver]) bool {
		out = append(out, name)
		return true
	})
	return out
}

func (reg *Registry) each(fn func(*actor.Driver[*resolver])) {
	reg.actors.Range(func(_ string, d *actor.Driver[*resolver]) bool {
		fn(d)
		return true
	})
}

func (reg *Registry) conjunction(conj pattern.Conjunction) (*actor.Driver[*resolver], error) {
	name := "conjunction:" + conj.String()
	if d, ok := reg.actors.Load(name); ok {
		return d, nil
	}
	steps, err := plan(reg.q.g, conj, reg.q.rules)
	if err != nil {
		return nil, err
	}
	targets := make([]*actor.Driver[*resolver], len(steps))
	for i, s := range steps {
		if s.concludable == nil {
			continue
		}
		if targets[i], err = reg.concludable(s.concludable); err != nil {
			return nil, err
		}
	}
	d, _ := reg.actors.LoadOrCompute(name, func() *actor.Driver[*resolver] {
		return newResolver(reg.q, name, &conjunction{
			conj:    conj,
			steps:   steps,
			targets: targets,
			vars:    conj.Variables(),
		})
	})
	return d, nil
}

func (reg *Registry) concludable(spec *concludableSpec) (*actor.Driver[*resolver], error) {
	name := "concludable:" + spec.signature
	if d, ok := reg.actors.Load(name); ok {
		return d, nil
	}
	var rules []ruleTarget
	for _, r := range reg.q.rules {
		us, err := unify(reg.q.g, spec.atom, r)
		if err != nil {
			return nil, err
		}
		if len(us) == 0 {
			continue
		}
		rules = append(rules, ruleTarget{label: r.Label, target: reg.rule(r), unifiers: us})
	}
	d, _ := reg.actors.LoadOrCompute(name, func() *actor.Driver[*resolver] {
		return newResolver(reg.q, name, newConcludable(spec, rules))
	})
	return d, nil
}

func (reg *Registry) rule(r pattern.Rule) *actor.Driver[*resolver] {
	name := "rule:" + r.Label
	d, _ := reg.actors.LoadOrCompute(name, func() *actor.Driver[*resolver] {
		return newResolver(reg.q, name, &rule{rule: r, reg: reg})
	})
	return d
}
