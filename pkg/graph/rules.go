package graph

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/storage"
)

func readRules(txn *storage.Txn) ([]pattern.Rule, error) {
	it := txn.Iterate(storage.PartitionIndex, []byte{indexRule})
	defer it.Close()
	var rules []pattern.Rule
	for it.Next() {
		var r pattern.Rule
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("graph: corrupt rule %q: %w", it.Key()[1:], err)
		}
		rules = append(rules, r)
	}
	return rules, it.Err()
}

// PutRule validates and stores a rule, replacing any rule with the same
// label. Every type the rule mentions must exist, and the rule set must stay
// stratified: no rule may negate a type that depends on its own conclusion.
func (g *Graph) PutRule(r pattern.Rule) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	constraints := append(slices.Clone(r.When.Constraints), r.Then)
	for _, c := range constraints {
		if err := g.checkConstraintTypes(c); err != nil {
			return fmt.Errorf("graph: rule %s: %w", r.Label, err)
		}
	}
	existing, err := g.Rules()
	if err != nil {
		return err
	}
	rules := slices.DeleteFunc(slices.Clone(existing), func(x pattern.Rule) bool { return x.Label == r.Label })
	if err := pattern.CheckStratified(append(rules, r), g.subtypeLabels); err != nil {
		return fmt.Errorf("%w: %w", ErrUnstratifiable, err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := g.txn.Set(storage.PartitionIndex, ruleIndexKey(r.Label), data); err != nil {
		return err
	}
	g.markRulesDirty()
	return nil
}

func (g *Graph) checkConstraintTypes(c pattern.Constraint) error {
	switch x := c.(type) {
	case pattern.Isa:
		_, err := g.Type(x.Type)
		return err
	case pattern.Has:
		if x.Type == "" {
			return nil
		}
		t, err := g.Type(x.Type)
		if err != nil {
			return err
		}
		if t.Kind != KindAttribute {
			return schemaErrorf(x.Type, "not an attribute type")
		}
	case pattern.Relation:
		t, err := g.Type(x.Type)
		if err != nil {
			return err
		}
		if t.Kind != KindRelation {
			return schemaErrorf(x.Type, "not a relation type")
		}
		for _, rp := range x.Players {
			if rp.Role == "" {
				continue
			}
			if _, err := g.ResolveRole(x.Type, rp.Role); err != nil {
				return err
			}
		}
	case pattern.Not:
		for _, nc := range x.Conjunction.Constraints {
			if err := g.checkConstraintTypes(nc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) subtypeLabels(label string) []string {
	types, err := g.Subtypes(label)
	if err != nil {
		return []string{label}
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.Label
	}
	return out
}

// DeleteRule removes a rule.
func (g *Graph) DeleteRule(label string) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	ok, err := g.txn.Exists(storage.PartitionIndex, ruleIndexKey(label))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, label)
	}
	if err := g.txn.Delete(storage.PartitionIndex, ruleIndexKey(label)); err != nil {
		return err
	}
	g.markRulesDirty()
	return nil
}

func (g *Graph) markRulesDirty() {
	g.mu.Lock()
	g.rulesDirty = true
	g.mu.Unlock()
}

func (g *Graph) rulesChanged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rulesDirty
}

// Rules returns every rule in label order. Transactions that changed rules
// read them from their own snapshot; the others share the cached set.
func (g *Graph) Rules() ([]pattern.Rule, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if g.rulesChanged() {
		return readRules(g.txn)
	}
	return g.m.rules.Get(rulesCacheKey)
}

// Rule returns the rule labelled label.
func (g *Graph) Rule(label string) (pattern.Rule, error) {
	rules, err := g.Rules()
	if err != nil {
		return pattern.Rule{}, err
	}
	for _, r := range rules {
		if r.Label == label {
			return r, nil
		}
	}
	return pattern.Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, label)
}
