package kb

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/traversal"
)

// Schema is the schema side of a transaction.
type Schema interface {
	PutEntityType(label, super string) (*graph.Type, error)
	PutAttributeType(label, super string, vt graph.ValueType) (*graph.Type, error)
	PutRelationType(label, super string, roles ...string) (*graph.Type, error)
	SetOwns(owner, attribute string) error
	SetPlays(player, relation, role string) error
	SetAbstract(label string) error
	SetDependent(label string) error

	Type(label string) (*graph.Type, error)
	Types() ([]*graph.Type, error)
	Subtypes(label string) ([]*graph.Type, error)
}

// Things is the data side of a transaction.
type Things interface {
	CreateEntity(label string) (*graph.Thing, error)
	CreateRelation(label string) (*graph.Thing, error)
	PutAttribute(label string, v any) (*graph.Thing, error)
	AddRolePlayer(relation graph.IID, role string, player graph.IID) error
	RemoveRolePlayer(relation graph.IID, role string, player graph.IID) error
	PutHas(owner, attribute graph.IID) error
	DeleteHas(owner, attribute graph.IID) error
	DeleteThing(iid graph.IID) error

	GetThing(iid graph.IID) (*graph.Thing, error)
	AttributeByValue(label string, v any) (*graph.Thing, error)
}

var (
	_ Schema = (*graph.Graph)(nil)
	_ Things = (*graph.Graph)(nil)
)

// MatchOptions selects how a conjunction is answered.
type MatchOptions struct {
	// Infer resolves rules as well as stored facts.
	Infer bool
	// Explain attaches derivations to inferred answers.
	Explain bool
	// Parallel overrides the configured traversal parallelisation when
	// positive.
	Parallel int
}

// Answers is a stream of distinct answers.
type Answers interface {
	Next(ctx context.Context) bool
	Answer() *answer.Answer
	Err() error
	Close()
}

// Tx is a transaction. It is safe to read from several goroutines; writes
// and Commit must not race with each other.
type Tx struct {
	db *DB
	g  *graph.Graph

	mu      sync.Mutex
	streams []Answers
	closed  bool
}

// Schema returns the transaction's schema operations.
func (tx *Tx) Schema() Schema { return tx.g }

// Things returns the transaction's data operations.
func (tx *Tx) Things() Things { return tx.g }

// Graph returns the underlying graph view.
func (tx *Tx) Graph() *graph.Graph { return tx.g }

// DefineRule adds or replaces a rule.
func (tx *Tx) DefineRule(r pattern.Rule) error { return tx.g.PutRule(r) }

// UndefineRule deletes the rule with label.
func (tx *Tx) UndefineRule(label string) error { return tx.g.DeleteRule(label) }

// Rules lists the rules visible to the transaction.
func (tx *Tx) Rules() ([]pattern.Rule, error) { return tx.g.Rules() }

// Match starts answering conj. Streams still open are closed with the
// transaction.
func (tx *Tx) Match(ctx context.Context, conj pattern.Conjunction, opts MatchOptions) (Answers, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, graph.ErrGraphClosed
	}
	if err := conj.Validate(); err != nil {
		return nil, err
	}

	var (
		a   Answers
		err error
	)
	if opts.Infer {
		a, err = tx.resolve(ctx, conj, opts)
	} else {
		a, err = tx.traverse(ctx, conj, opts)
	}
	if err != nil {
		return nil, err
	}
	tx.streams = append(tx.streams, a)
	return a, nil
}

func (tx *Tx) resolve(ctx context.Context, conj pattern.Conjunction, opts MatchOptions) (Answers, error) {
	r := tx.db.reasoner
	if r == nil {
		return nil, ErrReasonerDisabled
	}
	if opts.Explain {
		r = r.WithExplain(true)
	}
	return r.Resolve(ctx, tx.g, conj)
}

func (tx *Tx) traverse(ctx context.Context, conj pattern.Conjunction, opts MatchOptions) (Answers, error) {
	par := tx.db.cfg.Traversal.Parallelisation
	if opts.Parallel > 0 {
		par = opts.Parallel
	}
	it, err := traversal.NewMatchIterator(ctx, tx.g, conj, nil, traversal.MatchOptions{
		Parallelisation: par,
		BatchSize:       tx.db.cfg.Traversal.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return &traversalAnswers{g: tx.g, it: it}, nil
}

// Commit writes the transaction and closes it. Read transactions just
// close.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return graph.ErrGraphClosed
	}
	tx.closeStreams()
	tx.closed = true
	if err := tx.g.Commit(); err != nil {
		return fmt.Errorf("kb: commit txn %s: %w", tx.g.TxnID(), err)
	}
	return nil
}

// Close discards uncommitted writes and closes every open stream.
func (tx *Tx) Close() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return
	}
	tx.closeStreams()
	tx.closed = true
	tx.g.Close()
}

func (tx *Tx) closeStreams() {
	for _, s := range tx.streams {
		s.Close()
	}
	tx.streams = nil
}

// Describe renders a concept for display: attributes by value, other
// things by type and IID.
func (tx *Tx) Describe(c answer.Concept) string {
	if c.IID.IsAttribute() {
		if v, err := c.IID.Value(); err == nil {
			return fmt.Sprintf("%s:%v", c.Type, v)
		}
	}
	if c.Inferred() {
		return fmt.Sprintf("%s:inferred:%s", c.Type, c.IID)
	}
	return fmt.Sprintf("%s:%s", c.Type, c.IID)
}

// traversalAnswers adapts a MatchIterator to Answers.
type traversalAnswers struct {
	g   *graph.Graph
	it  *traversal.MatchIterator
	cur *answer.Answer
	err error
}

func (t *traversalAnswers) Next(ctx context.Context) bool {
	if t.err != nil || !t.it.HasNext(ctx) {
		if t.err == nil {
			t.err = t.it.Err()
		}
		return false
	}
	vm := t.it.Next()
	m := make(answer.ConceptMap, len(vm))
	for v, iid := range vm {
		ty, err := t.g.TypeOf(iid)
		if err != nil {
			t.err = err
			t.it.Recycle()
			return false
		}
		m[v] = answer.Concept{IID: iid, Type: ty.Label}
	}
	t.cur = &answer.Answer{Concepts: m}
	return true
}

func (t *traversalAnswers) Answer() *answer.Answer { return t.cur }
func (t *traversalAnswers) Err() error             { return t.err }
func (t *traversalAnswers) Close()                 { t.it.Recycle() }

// Collect drains a and closes it.
func Collect(ctx context.Context, a Answers) ([]*answer.Answer, error) {
	defer a.Close()
	var out []*answer.Answer
	for a.Next(ctx) {
		out = append(out, a.Answer())
	}
	if err := a.Err(); err != nil {
		log.Printf("[kb] match failed after %d answers: %v", len(out), err)
		return out, err
	}
	return out, nil
}
