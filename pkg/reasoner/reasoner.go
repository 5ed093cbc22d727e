// Package reasoner resolves conjunctions against stored facts and rules.
//
// Resolution runs on a network of actors created per query: a conjunction
// actor per conjunction (the query and every rule condition), a
// concludable actor per atom some rule can conclude, and a rule actor per
// rule. Actors pull answers from each other one at a time. A root actor
// drives the query in iterations and stops at the fixed point, when an
// iteration records no new inferred answer.
//
// Example:
//
//	r := reasoner.New(reasoner.Options{Workers: 8})
//	defer r.Close()
//
//	stream, err := r.Resolve(ctx, g, conj)
//	if err != nil {
//		return err
//	}
//	defer stream.Close()
//	for stream.Next(ctx) {
//		fmt.Println(stream.Answer().Concepts)
//	}
//	return stream.Err()
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/metrics"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
	"github.com/orneryd/kbgraph/pkg/traversal"
)

// ErrResolutionTerminated wraps the error that ended a query early.
var ErrResolutionTerminated = errors.New("reasoner: resolution terminated")

// Options configures a Reasoner.
type Options struct {
	// Workers bounds the actors processing messages at the same time.
	Workers int
	// MaxIterations caps the iterations of a query; 0 means until the
	// fixed point.
	MaxIterations int
	// Explain attaches derivations to answers.
	Explain bool
	Metrics metrics.Recorder
}

// Reasoner runs queries on a shared executor.
type Reasoner struct {
	opts Options
	exec *actor.Executor
}

// New returns a reasoner. Close it to stop its executor.
func New(opts Options) *Reasoner {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	opts.Metrics = metrics.OrNoop(opts.Metrics)
	return &Reasoner{opts: opts, exec: actor.NewExecutor(opts.Workers)}
}

// Close stops the executor. Open streams end with an error.
func (r *Reasoner) Close() { r.exec.Shutdown() }

// WithExplain returns a reasoner sharing r's executor with Explain set to
// on. Closing either closes both.
func (r *Reasoner) WithExplain(on bool) *Reasoner {
	c := *r
	c.opts.Explain = on
	return &c
}

// Resolve starts resolving conj in g, which must stay open until the
// stream is closed.
func (r *Reasoner) Resolve(ctx context.Context, g *graph.Graph, conj pattern.Conjunction) (*AnswerStream, error) {
	if err := conj.Validate(); err != nil {
		return nil, err
	}
	rules, err := g.Rules()
	if err != nil {
		return nil, err
	}
	return r.start(ctx, g, rules, conj, answer.ConceptMap{}, r.opts.Explain)
}

// start resolves conj with the variables of partial already bound.
func (r *Reasoner) start(ctx context.Context, g *graph.Graph, rules []pattern.Rule, conj pattern.Conjunction, partial answer.ConceptMap, explain bool) (*AnswerStream, error) {
	q := &query{
		id:       uuid.New(),
		g:        g,
		exec:     r.exec,
		reasoner: r,
		rules:    rules,
		explain:  explain,
		metrics:  r.opts.Metrics,
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.registry = newRegistry(q)
	q.recorder = actor.New(r.exec, "recorder", func(*actor.Driver[*recorder]) *recorder {
		return &recorder{seen: make(map[string]struct{}), metrics: q.metrics, stats: &q.stats}
	}, q.fail)

	top, err := q.registry.conjunction(conj)
	if err != nil {
		q.cancel()
		return nil, err
	}

	s := &AnswerStream{q: q, out: make(chan *answer.Answer, 1), done: make(chan struct{})}
	q.root = actor.New(r.exec, "root", func(self *actor.Driver[*root]) *root {
		return &root{
			self:          self,
			q:             q,
			conj:          top,
			partial:       partial,
			stream:        s,
			maxIterations: r.opts.MaxIterations,
			delivered:     make(map[string]struct{}),
		}
	}, s.complete)
	stop := context.AfterFunc(q.ctx, func() { q.fail(ctx.Err()) })
	q.stopWatch = stop
	return s, nil
}

// query is the state shared by the actors of one Resolve call.
type query struct {
	id        uuid.UUID
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	g         *graph.Graph
	exec      *actor.Executor
	reasoner  *Reasoner
	rules     []pattern.Rule
	explain   bool
	metrics   metrics.Recorder

	registry *Registry
	recorder *actor.Driver[*recorder]
	root     *actor.Driver[*root]
	stats    counters
}

// fail ends the query with err. A nil err ends it without error.
func (q *query) fail(err error) {
	q.root.Tell(func(r *root) { r.finish(err) })
}

// checkAbsent resolves the negated conjunction conj under partial in a
// nested query and replies to key with its first answer, or exhausted when
// it has none. The nested query runs to its own fixed point, so the outcome
// is final.
func (q *query) checkAbsent(key requestKey, conj pattern.Conjunction, partial answer.ConceptMap, reply func(Response)) {
	go func() {
		s, err := q.reasoner.start(q.ctx, q.g, q.rules, conj, partial, false)
		if err != nil {
			reply(Response{Key: key, Kind: responseFailed, Err: err})
			return
		}
		defer s.Close()
		if s.Next(q.ctx) {
			reply(Response{Key: key, Kind: responseAnswer, Answer: s.Answer()})
			return
		}
		if err := s.Err(); err != nil {
			reply(Response{Key: key, Kind: responseFailed, Err: err})
			return
		}
		reply(Response{Key: key, Kind: responseExhausted})
	}()
}

func (q *query) concept(iid graph.IID) (answer.Concept, error) {
	t, err := q.g.TypeOf(iid)
	if err != nil {
		return answer.Concept{}, err
	}
	return answer.Concept{IID: iid, Type: t.Label}, nil
}

func (q *query) concepts(vm traversal.VertexMap) (answer.ConceptMap, error) {
	out := make(answer.ConceptMap, len(vm))
	for v, iid := range vm {
		c, err := q.concept(iid)
		if err != nil {
			return nil, err
		}
		out[v] = c
	}
	return out, nil
}

func bounds(m answer.ConceptMap) map[string]graph.IID {
	out := make(map[string]graph.IID, len(m))
	for v, c := range m {
		out[v] = c.IID
	}
	return out
}

// counters are written by the recorder and root actors and read by
// AnswerStream.Stats.
type counters struct {
	iterations atomic.Int64
	inferred   atomic.Int64
	duplicates atomic.Int64
	delivered  atomic.Int64
}

// ============================================================================
// Recorder
// ============================================================================

// recorder counts the inferred answers of every concludable trigger. The
// first derivation of an answer is new; later ones are duplicates.
type recorder struct {
	seen    map[string]struct{}
	metrics metrics.Recorder
	stats   *counters
}

func (rc *recorder) record(actorName, trigger string, a *answer.Answer) {
	k := actorName + "|" + trigger + "|" + a.Concepts.Key()
	_, dup := rc.seen[k]
	rc.metrics.ReasonerAnswer(dup)
	if dup {
		rc.stats.duplicates.Add(1)
		return
	}
	rc.seen[k] = struct{}{}
	rc.stats.inferred.Add(1)
}

// ============================================================================
// Root
// ============================================================================

type root struct {
	self    *actor.Driver[*root]
	q       *query
	conj    *actor.Driver[*resolver]
	partial answer.ConceptMap
	stream  *AnswerStream

	maxIterations int
	iteration     int
	key           requestKey
	lastInferred  int64

	started  bool
	pending  bool // the consumer waits for an answer
	awaiting bool // a request to the conjunction is in flight
	finished bool

	delivered map[string]struct{}
}

func (r *root) pull() {
	if r.finished {
		return
	}
	r.pending = true
	if !r.started {
		r.started = true
		r.startIteration()
		return
	}
	if !r.awaiting {
		r.request()
	}
}

func (r *root) startIteration() {
	r.iteration++
	r.key = requestKey{from: "root", id: uint64(r.iteration)}
	r.q.stats.iterations.Store(int64(r.iteration))
	r.q.metrics.ReasonerIteration()
	r.request()
}

func (r *root) request() {
	r.awaiting = true
	self := r.self
	req := Request{
		Key:       r.key,
		Iteration: r.iteration,
		Partial:   r.partial,
		Reply: func(resp Response) {
			self.Tell(func(x *root) { x.receive(resp) })
		},
	}
	r.conj.Tell(func(c *resolver) { c.receiveRequest(req) })
}

func (r *root) receive(resp Response) {
	if r.finished || resp.Key != r.key {
		return
	}
	r.awaiting = false
	switch resp.Kind {
	case responseAnswer:
		k := resp.Answer.Concepts.Key()
		if _, dup := r.delivered[k]; dup {
			if r.pending {
				r.request()
			}
			return
		}
		r.delivered[k] = struct{}{}
		r.pending = false
		r.q.stats.delivered.Add(1)
		r.stream.out <- resp.Answer
	case responseExhausted:
		self := r.self
		r.q.recorder.Tell(func(rc *recorder) {
			n := rc.stats.inferred.Load()
			self.Tell(func(x *root) { x.iterationDone(n) })
		})
	case responseFailed:
		r.finish(resp.Err)
	}
}

func (r *root) iterationDone(inferred int64) {
	if r.finished {
		return
	}
	if inferred > r.lastInferred {
		r.lastInferred = inferred
		if r.maxIterations == 0 || r.iteration < r.maxIterations {
			r.startIteration()
			return
		}
		log.Printf("[reasoner] query %s stopped at the iteration limit (%d)", r.q.id, r.maxIterations)
	}
	r.finish(nil)
}

// finish ends the query and tears down every actor, closing their
// traversals.
func (r *root) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	if err != nil {
		err = fmt.Errorf("%w: query %s: %w", ErrResolutionTerminated, r.q.id, err)
		log.Printf("[reasoner] %v", err)
	}
	r.q.stopWatch()
	r.q.cancel()
	r.q.registry.each(func(d *actor.Driver[*resolver]) {
		d.Tell(func(x *resolver) {
			x.recycle()
			x.self.Stop()
		})
	})
	r.q.recorder.Stop()
	r.stream.complete(err)
	r.self.Stop()
}

// ============================================================================
// AnswerStream
// ============================================================================

// Stats describes a query's resolution so far.
type Stats struct {
	Iterations int
	Answers    int // delivered to the consumer
	Inferred   int // distinct inferred answers recorded
	Duplicates int // repeated derivations of recorded answers
	Actors     int
}

// AnswerStream delivers the distinct answers of a query. It is not safe
// for concurrent use.
type AnswerStream struct {
	q    *query
	out  chan *answer.Answer
	done chan struct{}
	cur  *answer.Answer

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *AnswerStream) complete(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Next resolves the next answer. It returns false when resolution is over
// or ctx is done.
func (s *AnswerStream) Next(ctx context.Context) bool {
	// A buffered answer may still be waiting after resolution finished.
	select {
	case a := <-s.out:
		s.cur = a
		return true
	default:
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.q.root.Tell(func(r *root) { r.pull() })
	select {
	case a := <-s.out:
		s.cur = a
		return true
	case <-s.done:
		select {
		case a := <-s.out:
			s.cur = a
			return true
		default:
			return false
		}
	case <-ctx.Done():
		s.q.fail(ctx.Err())
		<-s.done
		return false
	}
}

// Answer returns the answer found by the last successful Next.
func (s *AnswerStream) Answer() *answer.Answer { return s.cur }

// Err returns the error that ended resolution, if any.
func (s *AnswerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops resolution and waits for the query's actors to be torn
// down. Answers already delivered stay valid.
func (s *AnswerStream) Close() {
	s.q.fail(nil)
	<-s.done
}

// Stats returns the counters of the query.
func (s *AnswerStream) Stats() Stats {
	c := &s.q.stats
	return Stats{
		Iterations: int(c.iterations.Load()),
		Answers:    int(c.delivered.Load()),
		Inferred:   int(c.inferred.Load()),
		Duplicates: int(c.duplicates.Load()),
		Actors:     s.q.registry.Size(),
	}
}

// Collect drains the stream.
func (s *AnswerStream) Collect(ctx context.Context) ([]*answer.Answer, error) {
	defer s.Close()
	var out []*answer.Answer
	for s.Next(ctx) {
		out = append(out, s.Answer())
	}
	return out, s.Err()
}
