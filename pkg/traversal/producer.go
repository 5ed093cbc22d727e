package traversal

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/metrics"
)

// BatchResult ends one Produce call.
type BatchResult struct {
	Delivered int
	Exhausted bool // no answers remain
	Err       error
}

// Sink receives the answers of Produce. Put may be called from several
// goroutines; Done is called exactly once per Produce call, after the last
// Put.
type Sink interface {
	Put(VertexMap)
	Done(BatchResult)
}

const producedShards = 32

// producedSet is the set of answer keys already delivered, sharded by hash
// to keep workers off each other's locks.
type producedSet struct {
	shards [producedShards]struct {
		mu   sync.Mutex
		keys map[string]struct{}
	}
}

func newProducedSet() *producedSet {
	s := &producedSet{}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]struct{})
	}
	return s
}

// add records key and reports whether it was new.
func (s *producedSet) add(key string) bool {
	sh := &s.shards[xxhash.Sum64String(key)%producedShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.keys[key]; ok {
		return false
	}
	sh.keys[key] = struct{}{}
	return true
}

// demand is the outstanding answer count of one Produce call. Workers take
// a unit before searching and give it back when they cannot deliver.
type demand struct {
	mu        sync.Mutex
	remaining int
	delivered int
}

func (d *demand) take() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remaining == 0 {
		return false
	}
	d.remaining--
	return true
}

func (d *demand) compensate() {
	d.mu.Lock()
	d.remaining++
	d.mu.Unlock()
}

func (d *demand) deliver() {
	d.mu.Lock()
	d.delivered++
	d.mu.Unlock()
}

func (d *demand) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// GraphProducer runs a procedure from many start vertices concurrently.
// At most parallelisation GraphIterators are live at once; new ones are
// opened from the start iterator as others run dry. Answers reached from
// different starts are delivered once.
type GraphProducer struct {
	g       *graph.Graph
	proc    *Procedure
	workers int
	metrics metrics.Recorder

	mu       sync.Mutex
	cond     *sync.Cond
	starts   graph.Iterator // nil once exhausted
	idle     []*GraphIterator
	live     int // iterators held by workers
	recycled bool
	failed   error

	produced *producedSet
}

// NewGraphProducer returns a producer over the answers of proc for every
// start vertex of starts. The producer owns starts.
func NewGraphProducer(g *graph.Graph, proc *Procedure, starts graph.Iterator, parallelisation int) *GraphProducer {
	if parallelisation < 1 {
		parallelisation = 1
	}
	p := &GraphProducer{
		g:        g,
		proc:     proc,
		workers:  parallelisation,
		metrics:  g.Metrics(),
		starts:   starts,
		produced: newProducedSet(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Produce asynchronously delivers up to count new answers to sink, fewer if
// the producer runs out, then calls sink.Done. Answers put before an error
// stay delivered.
func (p *GraphProducer) Produce(ctx context.Context, sink Sink, count int) {
	go func() {
		sink.Done(p.produce(ctx, sink, count))
	}()
}

func (p *GraphProducer) produce(ctx context.Context, sink Sink, count int) BatchResult {
	d := &demand{remaining: count}
	eg, ectx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		eg.Go(func() error { return p.work(ectx, sink, d) })
	}
	err := eg.Wait()
	delivered := d.count()
	p.metrics.TraversalAnswers(delivered)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[traversal] producer batch failed after %d answers: %v", delivered, err)
		}
		p.mu.Lock()
		if p.failed == nil {
			p.failed = err
		}
		p.mu.Unlock()
	}
	return BatchResult{Delivered: delivered, Exhausted: p.exhausted(), Err: err}
}

func (p *GraphProducer) work(ctx context.Context, sink Sink, d *demand) error {
	var it *GraphIterator
	defer func() {
		if it != nil {
			p.release(it)
		}
	}()
	for d.take() {
		delivered := false
		for !delivered {
			if it == nil {
				var err error
				if it, err = p.acquire(); err != nil || it == nil {
					d.compensate()
					return err
				}
			}
			if !it.HasNext(ctx) {
				err := it.Err()
				p.retire(it)
				it = nil
				if err != nil {
					d.compensate()
					return err
				}
				continue
			}
			ans := it.Next()
			if !p.produced.add(ans.Key()) {
				continue
			}
			sink.Put(ans)
			d.deliver()
			delivered = true
		}
	}
	return nil
}

// acquire hands out an idle iterator or opens one for the next start. It
// waits while other workers hold iterators that may still be released, and
// returns nil when no work remains.
func (p *GraphProducer) acquire() (*GraphIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.recycled {
			return nil, ErrIteratorRecycled
		}
		if p.failed != nil {
			return nil, p.failed
		}
		if n := len(p.idle); n > 0 {
			it := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.live++
			return it, nil
		}
		if p.starts != nil {
			if p.starts.Next() {
				p.live++
				return NewGraphIterator(p.g, p.proc, p.starts.Neighbor()), nil
			}
			err := closeIterator(p.starts)
			p.starts = nil
			if err != nil {
				p.failed = err
				return nil, err
			}
			continue
		}
		if p.live == 0 {
			return nil, nil
		}
		p.cond.Wait()
	}
}

// release returns an iterator that may have more answers.
func (p *GraphProducer) release(it *GraphIterator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	if p.recycled {
		it.Recycle()
	} else {
		p.idle = append(p.idle, it)
	}
	p.cond.Broadcast()
}

// retire drops an exhausted iterator.
func (p *GraphProducer) retire(it *GraphIterator) {
	it.Recycle()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.cond.Broadcast()
}

func (p *GraphProducer) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recycled || p.failed != nil || (p.starts == nil && len(p.idle) == 0 && p.live == 0)
}

// Recycle closes the start iterator and every idle iterator. Iterators
// held by running workers are closed when they are released.
func (p *GraphProducer) Recycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recycled {
		return
	}
	p.recycled = true
	if p.starts != nil {
		_ = p.starts.Close()
		p.starts = nil
	}
	for _, it := range p.idle {
		it.Recycle()
	}
	p.idle = nil
	p.cond.Broadcast()
}

// ============================================================================
// Pull adapter
// ============================================================================

// Stream pulls answers from a producer in batches.
type Stream struct {
	p      *GraphProducer
	ch     chan VertexMap
	cancel context.CancelFunc
	cur    VertexMap

	mu  sync.Mutex
	err error
}

type chanSink struct {
	ctx  context.Context
	ch   chan<- VertexMap
	done chan BatchResult
}

func (s *chanSink) Put(a VertexMap) {
	select {
	case s.ch <- a:
	case <-s.ctx.Done():
	}
}

func (s *chanSink) Done(r BatchResult) { s.done <- r }

// Iterate returns a Stream that requests batch answers at a time until the
// producer is exhausted.
func (p *GraphProducer) Iterate(ctx context.Context, batch int) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{p: p, ch: make(chan VertexMap, batch), cancel: cancel}
	go func() {
		defer close(s.ch)
		for {
			sink := &chanSink{ctx: ctx, ch: s.ch, done: make(chan BatchResult, 1)}
			p.Produce(ctx, sink, batch)
			res := <-sink.done
			if res.Err != nil {
				s.setErr(res.Err)
				return
			}
			if res.Exhausted || res.Delivered == 0 || ctx.Err() != nil {
				return
			}
		}
	}()
	return s
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// HasNext waits for the next answer.
func (s *Stream) HasNext(ctx context.Context) bool {
	if s.cur != nil {
		return true
	}
	select {
	case a, ok := <-s.ch:
		if !ok {
			return false
		}
		s.cur = a
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

// Next returns the current answer.
func (s *Stream) Next() VertexMap {
	a := s.cur
	s.cur = nil
	return a
}

// Err returns the error that ended the stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Recycle stops production, waits for the workers to stop and closes the
// producer's iterators.
func (s *Stream) Recycle() {
	s.cancel()
	for range s.ch {
	}
	s.p.Recycle()
}
