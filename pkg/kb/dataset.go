package kb

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
)

// Dataset is a YAML document holding a schema, data, rules and named
// queries:
//
//	schema:
//	  attributes:
//	    - {label: name, value_type: string}
//	  entities:
//	    - {label: person, owns: [name], plays: ["link:from", "link:to"]}
//	  relations:
//	    - {label: link, roles: [from, to]}
//	things:
//	  - {id: alice, isa: person, has: {name: Alice}}
//	  - {id: l1, isa: link, players: ["from:alice", "to:bob"]}
//	rules:
//	  - label: reach
//	    when:
//	      - relation: {type: link, players: ["from:x", "to:y"]}
//	    then:
//	      relation: {type: reach, players: ["from:x", "to:y"]}
//	queries:
//	  - name: reachable
//	    infer: true
//	    match:
//	      - relation: {type: reach, players: ["from:x", "to:y"]}
type Dataset struct {
	Schema  SchemaSpec  `yaml:"schema"`
	Things  []ThingSpec `yaml:"things"`
	Rules   []RuleSpec  `yaml:"rules"`
	Queries []QuerySpec `yaml:"queries"`
}

type SchemaSpec struct {
	Attributes []TypeSpec `yaml:"attributes"`
	Entities   []TypeSpec `yaml:"entities"`
	Relations  []TypeSpec `yaml:"relations"`
}

// TypeSpec declares a type. Plays entries are "relation:role".
type TypeSpec struct {
	Label     string   `yaml:"label"`
	Super     string   `yaml:"super"`
	Abstract  bool     `yaml:"abstract"`
	Dependent bool     `yaml:"dependent"`
	ValueType string   `yaml:"value_type"`
	Roles     []string `yaml:"roles"`
	Owns      []string `yaml:"owns"`
	Plays     []string `yaml:"plays"`
}

// ThingSpec declares a thing. Attributes use Value; relations list
// "role:id" players. Has maps attribute types to a value or a list of
// values.
type ThingSpec struct {
	ID      string         `yaml:"id"`
	Isa     string         `yaml:"isa"`
	Value   any            `yaml:"value"`
	Has     map[string]any `yaml:"has"`
	Players []string       `yaml:"players"`
}

type RuleSpec struct {
	Label string           `yaml:"label"`
	When  []ConstraintSpec `yaml:"when"`
	Then  ConstraintSpec   `yaml:"then"`
}

type QuerySpec struct {
	Name    string           `yaml:"name"`
	Infer   bool             `yaml:"infer"`
	Explain bool             `yaml:"explain"`
	Match   []ConstraintSpec `yaml:"match"`
}

// ConstraintSpec holds exactly one constraint. Relation players are
// "role:var", or "var" for any role. Not lists the constraints of a negated
// conjunction.
type ConstraintSpec struct {
	Isa *struct {
		Var  string `yaml:"var"`
		Type string `yaml:"type"`
	} `yaml:"isa"`
	Has *struct {
		Owner string `yaml:"owner"`
		Type  string `yaml:"type"`
		Attr  string `yaml:"attr"`
	} `yaml:"has"`
	Relation *struct {
		Var     string   `yaml:"var"`
		Type    string   `yaml:"type"`
		Players []string `yaml:"players"`
	} `yaml:"relation"`
	Value *struct {
		Var   string `yaml:"var"`
		Op    string `yaml:"op"`
		Value any    `yaml:"value"`
	} `yaml:"value"`
	Not []ConstraintSpec `yaml:"not"`
}

// LoadDataset reads and parses a dataset file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kb: read dataset: %w", err)
	}
	return ParseDataset(data)
}

// ParseDataset parses a YAML dataset and checks its rules and queries.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("kb: parse dataset: %w", err)
	}
	for _, r := range ds.Rules {
		if _, err := r.Rule(); err != nil {
			return nil, err
		}
	}
	for _, q := range ds.Queries {
		if _, err := q.Conjunction(); err != nil {
			return nil, fmt.Errorf("kb: query %q: %w", q.Name, err)
		}
	}
	return &ds, nil
}

// Constraint converts c to a pattern constraint.
func (c ConstraintSpec) Constraint() (pattern.Constraint, error) {
	var out []pattern.Constraint
	if c.Isa != nil {
		out = append(out, pattern.Isa{Var: c.Isa.Var, Type: c.Isa.Type})
	}
	if c.Has != nil {
		out = append(out, pattern.Has{Owner: c.Has.Owner, Type: c.Has.Type, Attr: c.Has.Attr})
	}
	if c.Relation != nil {
		rel := pattern.Relation{Var: c.Relation.Var, Type: c.Relation.Type}
		for _, p := range c.Relation.Players {
			role, player := splitPlayer(p)
			rel.Players = append(rel.Players, pattern.RolePlayer{Role: role, Player: player})
		}
		out = append(out, rel)
	}
	if c.Value != nil {
		op, err := pattern.ParseOp(c.Value.Op)
		if err != nil {
			return nil, err
		}
		out = append(out, pattern.Value{Var: c.Value.Var, Op: op, Value: c.Value.Value})
	}
	if c.Not != nil {
		conj, err := conjunction(c.Not)
		if err != nil {
			return nil, fmt.Errorf("kb: not: %w", err)
		}
		out = append(out, pattern.Not{Conjunction: conj})
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("kb: constraint must set exactly one of isa, has, relation, value, not (got %d)", len(out))
	}
	return out[0], nil
}

func conjunction(specs []ConstraintSpec) (pattern.Conjunction, error) {
	cs := make([]pattern.Constraint, 0, len(specs))
	for _, s := range specs {
		c, err := s.Constraint()
		if err != nil {
			return pattern.Conjunction{}, err
		}
		cs = append(cs, c)
	}
	conj := pattern.And(cs...)
	return conj, conj.Validate()
}

// Rule converts and validates r.
func (r RuleSpec) Rule() (pattern.Rule, error) {
	when, err := conjunction(r.When)
	if err != nil {
		return pattern.Rule{}, fmt.Errorf("kb: rule %q: %w", r.Label, err)
	}
	then, err := r.Then.Constraint()
	if err != nil {
		return pattern.Rule{}, fmt.Errorf("kb: rule %q: %w", r.Label, err)
	}
	rule := pattern.Rule{Label: r.Label, When: when, Then: then}
	if err := rule.Validate(); err != nil {
		return pattern.Rule{}, err
	}
	return rule, nil
}

// Conjunction converts the query's match clause.
func (q QuerySpec) Conjunction() (pattern.Conjunction, error) { return conjunction(q.Match) }

// Options returns the match options the query asks for.
func (q QuerySpec) Options() MatchOptions { return MatchOptions{Infer: q.Infer, Explain: q.Explain} }

func splitPlayer(s string) (role, player string) {
	if r, p, ok := strings.Cut(s, ":"); ok {
		return r, p
	}
	return "", s
}

// ============================================================================
// Loading
// ============================================================================

// LoadReport counts what Load wrote.
type LoadReport struct {
	Types  int
	Things int
	Rules  int
}

// Load writes the dataset's schema, things and rules, each in its own
// transaction. Thing ids are local to the dataset.
func (db *DB) Load(ctx context.Context, ds *Dataset) (LoadReport, error) {
	var rep LoadReport
	steps := []struct {
		name string
		fn   func(tx *Tx) (int, error)
	}{
		{"schema", ds.defineSchema},
		{"things", ds.insertThings},
		{"rules", ds.defineRules},
	}
	counts := []*int{&rep.Types, &rep.Things, &rep.Rules}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		tx, err := db.Transaction(true)
		if err != nil {
			return rep, err
		}
		n, err := step.fn(tx)
		if err != nil {
			tx.Close()
			return rep, fmt.Errorf("kb: load %s: %w", step.name, err)
		}
		if err := tx.Commit(); err != nil {
			return rep, fmt.Errorf("kb: load %s: %w", step.name, err)
		}
		*counts[i] = n
	}
	log.Printf("[kb] loaded %d types, %d things, %d rules", rep.Types, rep.Things, rep.Rules)
	return rep, nil
}

func (ds *Dataset) defineSchema(tx *Tx) (int, error) {
	s := tx.Schema()
	n := 0
	for _, a := range ds.Schema.Attributes {
		vt, err := graph.ParseValueType(a.ValueType)
		if err != nil {
			return n, fmt.Errorf("attribute %q: %w", a.Label, err)
		}
		if _, err := s.PutAttributeType(a.Label, a.Super, vt); err != nil {
			return n, err
		}
		n++
	}
	for _, e := range ds.Schema.Entities {
		if _, err := s.PutEntityType(e.Label, e.Super); err != nil {
			return n, err
		}
		n++
	}
	for _, r := range ds.Schema.Relations {
		if _, err := s.PutRelationType(r.Label, r.Super, r.Roles...); err != nil {
			return n, err
		}
		n++
	}

	all := slices.Concat(ds.Schema.Attributes, ds.Schema.Entities, ds.Schema.Relations)
	for _, t := range all {
		if t.Abstract {
			if err := s.SetAbstract(t.Label); err != nil {
				return n, err
			}
		}
		if t.Dependent {
			if err := s.SetDependent(t.Label); err != nil {
				return n, err
			}
		}
		for _, attr := range t.Owns {
			if err := s.SetOwns(t.Label, attr); err != nil {
				return n, err
			}
		}
		for _, p := range t.Plays {
			rel, role, ok := strings.Cut(p, ":")
			if !ok {
				return n, fmt.Errorf("type %q: plays %q is not relation:role", t.Label, p)
			}
			if err := s.SetPlays(t.Label, rel, role); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// insertThings creates every thing first so relations and ownerships may
// refer to things declared later in the file.
func (ds *Dataset) insertThings(tx *Tx) (int, error) {
	th, s := tx.Things(), tx.Schema()
	ids := make(map[string]graph.IID, len(ds.Things))
	for i, spec := range ds.Things {
		t, err := s.Type(spec.Isa)
		if err != nil {
			return i, err
		}
		var thing *graph.Thing
		switch t.Kind {
		case graph.KindEntity:
			thing, err = th.CreateEntity(spec.Isa)
		case graph.KindRelation:
			thing, err = th.CreateRelation(spec.Isa)
		case graph.KindAttribute:
			thing, err = th.PutAttribute(spec.Isa, spec.Value)
		default:
			err = fmt.Errorf("cannot instantiate %s", t)
		}
		if err != nil {
			return i, fmt.Errorf("thing %q: %w", spec.ID, err)
		}
		if spec.ID != "" {
			if _, dup := ids[spec.ID]; dup {
				return i, fmt.Errorf("duplicate thing id %q", spec.ID)
			}
			ids[spec.ID] = thing.IID
		}
		if err := ds.putHas(th, thing.IID, spec); err != nil {
			return i, err
		}
	}
	for _, spec := range ds.Things {
		if len(spec.Players) > 0 && spec.ID == "" {
			return len(ds.Things), fmt.Errorf("%s relation with players needs an id", spec.Isa)
		}
		for _, p := range spec.Players {
			role, id := splitPlayer(p)
			player, ok := ids[id]
			if !ok {
				return len(ds.Things), fmt.Errorf("thing %q: unknown player %q", spec.ID, id)
			}
			if err := th.AddRolePlayer(ids[spec.ID], role, player); err != nil {
				return len(ds.Things), fmt.Errorf("thing %q: %w", spec.ID, err)
			}
		}
	}
	return len(ds.Things), nil
}

func (ds *Dataset) putHas(th Things, owner graph.IID, spec ThingSpec) error {
	labels := make([]string, 0, len(spec.Has))
	for l := range spec.Has {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	for _, label := range labels {
		values, ok := spec.Has[label].([]any)
		if !ok {
			values = []any{spec.Has[label]}
		}
		for _, v := range values {
			attr, err := th.PutAttribute(label, v)
			if err != nil {
				return fmt.Errorf("thing %q: %w", spec.ID, err)
			}
			if err := th.PutHas(owner, attr.IID); err != nil {
				return fmt.Errorf("thing %q: %w", spec.ID, err)
			}
		}
	}
	return nil
}

func (ds *Dataset) defineRules(tx *Tx) (int, error) {
	for i, spec := range ds.Rules {
		r, err := spec.Rule()
		if err != nil {
			return i, err
		}
		if err := tx.DefineRule(r); err != nil {
			return i, err
		}
	}
	return len(ds.Rules), nil
}
