package reasoner

import (
	"log"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/reasoner/actor"
)

// behaviour is what distinguishes conjunction, concludable and rule
// actors. The request and response plumbing is shared in resolver.
type behaviour interface {
	kind() string
	// start queues the downstreams of a new response producer.
	start(r *resolver, p *producer) error
	// answered handles an answer from downstream d. It either offers an
	// answer upstream, queues further downstreams, or drops the answer.
	answered(r *resolver, p *producer, d *downstream, a *answer.Answer, u *Unifier) error
	// exhausted is called after the actor or nested query behind downstream
	// d reported it has nothing more, and d left p's queue.
	exhausted(r *resolver, p *producer, d *downstream) error
	// reset is called when a new iteration starts.
	reset()
}

// producer serves the answers of one upstream request key. Answers are
// emitted at most once per producer.
type producer struct {
	req      Request
	trigger  string
	produced map[string]struct{}
	queue    []*downstream // front is tried next

	waiting  bool // upstream is waiting for an answer
	awaiting bool // a downstream request is in flight
}

// downstream is one source of answers for a producer: a local source, a
// request key on another actor, or a nested query checking a negation.
type downstream struct {
	key    requestKey
	owner  *producer
	source string // derivation source name

	local    localSource
	target   *actor.Driver[*resolver]
	negation *pattern.Conjunction

	partial answer.ConceptMap
	unifier *Unifier
	path    []pathEntry

	// conjunction position and the binding before it
	index      int
	base       answer.ConceptMap
	derivation answer.Derivation
}

type resolver struct {
	self *actor.Driver[*resolver]
	name string
	q    *query
	b    behaviour

	iteration int
	producers map[requestKey]*producer
	inflight  map[requestKey]*downstream
	nextID    uint64
}

func newResolver(q *query, name string, b behaviour) *actor.Driver[*resolver] {
	return actor.New(q.exec, name, func(self *actor.Driver[*resolver]) *resolver {
		return &resolver{
			self:      self,
			name:      name,
			q:         q,
			b:         b,
			producers: make(map[requestKey]*producer),
			inflight:  make(map[requestKey]*downstream),
		}
	}, q.fail)
}

func (r *resolver) reply(resp Response) {
	r.self.Tell(func(x *resolver) { x.receiveResponse(resp) })
}

func (r *resolver) receiveRequest(req Request) {
	if r.q.ctx.Err() != nil {
		return
	}
	r.q.metrics.ReasonerMessage(r.b.kind())
	if req.Iteration < r.iteration {
		req.Reply(Response{Key: req.Key, Kind: responseExhausted})
		return
	}
	if req.Iteration > r.iteration {
		r.recycle()
		r.iteration = req.Iteration
		r.b.reset()
	}
	p, ok := r.producers[req.Key]
	if !ok {
		p = &producer{req: req, produced: make(map[string]struct{})}
		r.producers[req.Key] = p
		p.waiting = true
		if err := r.b.start(r, p); err != nil {
			r.failProducer(p, err)
			return
		}
	}
	p.waiting = true
	r.produce(p)
}

func (r *resolver) receiveResponse(resp Response) {
	if r.q.ctx.Err() != nil {
		return
	}
	d, ok := r.inflight[resp.Key]
	if !ok {
		return
	}
	delete(r.inflight, resp.Key)
	p := d.owner
	if r.producers[p.req.Key] != p {
		return
	}
	p.awaiting = false
	switch resp.Kind {
	case responseAnswer:
		if err := r.b.answered(r, p, d, resp.Answer, resp.Unifier); err != nil {
			r.failProducer(p, err)
			return
		}
	case responseExhausted:
		p.remove(d)
		if err := r.b.exhausted(r, p, d); err != nil {
			r.failProducer(p, err)
			return
		}
	case responseFailed:
		r.failProducer(p, resp.Err)
		return
	}
	r.produce(p)
}

// produce works through p's downstreams until it can answer its upstream,
// must wait for a downstream actor, or has nothing left.
func (r *resolver) produce(p *producer) {
	for p.waiting && !p.awaiting {
		if len(p.queue) == 0 {
			p.waiting = false
			p.req.Reply(Response{Key: p.req.Key, Kind: responseExhausted})
			return
		}
		d := p.queue[0]
		if d.local != nil {
			a, ok, err := d.local.next(r.q.ctx)
			if err != nil {
				r.failProducer(p, err)
				return
			}
			if !ok {
				d.local.close()
				p.remove(d)
				continue
			}
			if err := r.b.answered(r, p, d, a, nil); err != nil {
				r.failProducer(p, err)
				return
			}
			continue
		}
		r.inflight[d.key] = d
		p.awaiting = true
		if d.negation != nil {
			r.q.checkAbsent(d.key, *d.negation, d.partial, r.reply)
			continue
		}
		req := Request{
			Key:       d.key,
			Iteration: r.iteration,
			Path:      d.path,
			Partial:   d.partial,
			Unifier:   d.unifier,
			Reply:     r.reply,
		}
		d.target.Tell(func(t *resolver) { t.receiveRequest(req) })
	}
}

// offer sends a upstream unless p already produced an equal answer.
func (r *resolver) offer(p *producer, a *answer.Answer) {
	k := a.Concepts.Key()
	if _, dup := p.produced[k]; dup {
		return
	}
	p.produced[k] = struct{}{}
	p.waiting = false
	p.req.Reply(Response{Key: p.req.Key, Kind: responseAnswer, Answer: a, Unifier: p.req.Unifier})
}

func (r *resolver) newDownstream(p *producer, source string) *downstream {
	r.nextID++
	return &downstream{key: requestKey{from: r.name, id: r.nextID}, owner: p, source: source}
}

func (p *producer) pushFront(d *downstream) { p.queue = append([]*downstream{d}, p.queue...) }

func (p *producer) pushBack(d *downstream) { p.queue = append(p.queue, d) }

func (p *producer) remove(d *downstream) {
	for i, x := range p.queue {
		if x == d {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *producer) close() {
	for _, d := range p.queue {
		if d.local != nil {
			d.local.close()
		}
	}
	p.queue = nil
}

func (r *resolver) failProducer(p *producer, err error) {
	log.Printf("[reasoner] %s failed: %v", r.name, err)
	p.close()
	delete(r.producers, p.req.Key)
	if p.waiting {
		p.waiting = false
		p.req.Reply(Response{Key: p.req.Key, Kind: responseFailed, Err: err})
		return
	}
	r.q.fail(err)
}

// recycle closes every producer's local sources and forgets them.
func (r *resolver) recycle() {
	for _, p := range r.producers {
		p.close()
	}
	r.producers = make(map[requestKey]*producer)
	r.inflight = make(map[requestKey]*downstream)
}
