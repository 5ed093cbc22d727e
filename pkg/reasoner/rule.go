package reasoner

import (
	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
)

// rule answers requests for its conclusion by resolving its condition and
// materialising the conclusion from each condition answer.
type rule struct {
	rule pattern.Rule
	reg  *Registry
	body *actor.Driver[*resolver]
}

func (ru *rule) kind() string { return "rule" }

func (ru *rule) reset() {}

func (ru *rule) exhausted(*resolver, *producer, *downstream) error { return nil }

func (ru *rule) start(r *resolver, p *producer) error {
	if ru.body == nil {
		body, err := ru.reg.conjunction(ru.rule.When)
		if err != nil {
			return err
		}
		ru.body = body
	}
	d := r.newDownstream(p, ru.body.Name())
	d.target = ru.body
	d.partial = p.req.Partial
	d.path = p.req.Path
	p.pushBack(d)
	return nil
}

func (ru *rule) answered(r *resolver, p *producer, d *downstream, a *answer.Answer, _ *Unifier) error {
	head, ok, err := materialise(r.q.g, ru.rule.Then, a.Concepts)
	if err != nil || !ok {
		return err
	}
	ans := &answer.Answer{Concepts: head}
	if r.q.explain {
		ans.Derivation = answer.Derivation{d.source: a}
	}
	r.offer(p, ans)
	return nil
}

// materialise builds the conclusion of a rule from an answer of its
// condition. It reports false when the schema does not allow the
// conclusion for the bound concepts.
func materialise(g *graph.Graph, then pattern.Constraint, body answer.ConceptMap) (answer.ConceptMap, bool, error) {
	switch h := then.(type) {
	case pattern.Has:
		owner, ok1 := body[h.Owner]
		attr, ok2 := body[h.Attr]
		if !ok1 || !ok2 || !attr.IID.IsAttribute() {
			return nil, false, nil
		}
		ownerType, err := g.TypeOf(owner.IID)
		if err != nil {
			return nil, false, err
		}
		attrType, err := g.TypeOf(attr.IID)
		if err != nil {
			return nil, false, err
		}
		if ok, err := g.IsSubtype(attrType, h.Type); err != nil || !ok {
			return nil, false, err
		}
		if ok, err := g.CanOwn(ownerType, attrType); err != nil || !ok {
			return nil, false, err
		}
		return answer.ConceptMap{h.Owner: owner, h.Attr: attr}, true, nil

	case pattern.Relation:
		relType, err := g.Type(h.Type)
		if err != nil {
			return nil, false, err
		}
		out := make(answer.ConceptMap, len(h.Players)+1)
		bindings := make([]graph.RoleBinding, 0, len(h.Players))
		for _, rp := range h.Players {
			player, ok := body[rp.Player]
			if !ok {
				return nil, false, nil
			}
			role, err := g.ResolveRole(h.Type, rp.Role)
			if err != nil {
				return nil, false, err
			}
			playerType, err := g.TypeOf(player.IID)
			if err != nil {
				return nil, false, err
			}
			if ok, err := g.CanPlay(playerType, role); err != nil || !ok {
				return nil, false, err
			}
			bindings = append(bindings, graph.RoleBinding{RoleType: role.ID, Player: player.IID})
			out[rp.Player] = player
		}
		iid, err := g.RelationIID(relType, bindings)
		if err != nil {
			return nil, false, err
		}
		out[relationKey] = answer.Concept{IID: iid, Type: relType.Label}
		return out, true, nil
	}
	return nil, false, nil
}
