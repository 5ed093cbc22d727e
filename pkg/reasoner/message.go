package reasoner

import (
	"context"
	"fmt"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/traversal"
)

// requestKey identifies the stream of answers an upstream pulls from a
// downstream actor. Every Request with the same key pulls the next answer
// of the same response producer.
type requestKey struct {
	from string
	id   uint64
}

func (k requestKey) String() string { return fmt.Sprintf("%s/%d", k.from, k.id) }

// pathEntry marks a concludable resolving a trigger on the way to a
// request. A request meeting its own entry again is a cycle.
type pathEntry struct {
	actor   string
	trigger string
}

// Request pulls one answer. Partial is in the receiver's variables.
type Request struct {
	Key       requestKey
	Iteration int
	Path      []pathEntry
	Partial   answer.ConceptMap
	Unifier   *Unifier // echoed back on answers
	Reply     func(Response)
}

func (r Request) onPath(actor, trigger string) bool {
	for _, e := range r.Path {
		if e.actor == actor && e.trigger == trigger {
			return true
		}
	}
	return false
}

func (r Request) extendPath(actor, trigger string) []pathEntry {
	out := make([]pathEntry, len(r.Path), len(r.Path)+1)
	copy(out, r.Path)
	return append(out, pathEntry{actor: actor, trigger: trigger})
}

type responseKind int

const (
	responseAnswer responseKind = iota
	responseExhausted
	responseFailed
)

func (k responseKind) String() string {
	switch k {
	case responseAnswer:
		return "answer"
	case responseExhausted:
		return "exhausted"
	case responseFailed:
		return "failed"
	}
	return fmt.Sprintf("response(%d)", int(k))
}

// Response answers exactly one Request.
type Response struct {
	Key     requestKey
	Kind    responseKind
	Answer  *answer.Answer
	Unifier *Unifier
	Err     error
}

// ============================================================================
// Local sources
// ============================================================================

// localSource is a downstream answered inside the actor without messaging:
// a traversal or a memo of earlier answers.
type localSource interface {
	next(ctx context.Context) (*answer.Answer, bool, error)
	close()
}

type traversalSource struct {
	q  *query
	it *traversal.MatchIterator
}

func (s *traversalSource) next(ctx context.Context) (*answer.Answer, bool, error) {
	if !s.it.HasNext(ctx) {
		return nil, false, s.it.Err()
	}
	cm, err := s.q.concepts(s.it.Next())
	if err != nil {
		return nil, false, err
	}
	return &answer.Answer{Concepts: cm}, true, nil
}

func (s *traversalSource) close() { s.it.Recycle() }

type memoSource struct {
	answers []*answer.Answer
}

func (s *memoSource) next(context.Context) (*answer.Answer, bool, error) {
	if len(s.answers) == 0 {
		return nil, false, nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, true, nil
}

func (s *memoSource) close() { s.answers = nil }
