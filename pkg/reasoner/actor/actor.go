// Package actor is a small actor runtime: each Driver owns a piece of state
// and processes the messages told to it one at a time, on goroutines
// bounded by a shared Executor.
//
// Example:
//
//	exec := actor.NewExecutor(8)
//	defer exec.Shutdown()
//
//	counter := actor.New(exec, "counter", func(self *actor.Driver[*int]) *int {
//		return new(int)
//	}, nil)
//	counter.Tell(func(n *int) { *n++ })
package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrStopped is reported to a driver's failure handler when a message is
// told after its executor shut down.
var ErrStopped = errors.New("actor: executor shut down")

// drainBatch is the number of messages a driver processes before yielding
// its executor slot.
const drainBatch = 64

// Executor bounds how many drivers process messages at the same time.
type Executor struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // orders wg.Add against Shutdown
	shutdown bool
	wg       sync.WaitGroup
}

// NewExecutor returns an executor running at most workers drivers
// concurrently.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{sem: semaphore.NewWeighted(int64(workers)), ctx: ctx, cancel: cancel}
}

// run schedules fn on its own goroutine once a slot is free. It reports
// false when the executor is shut down. dropped runs instead of fn when
// the executor shuts down before a slot frees up.
func (e *Executor) run(fn, dropped func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.shutdown {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			dropped()
			return
		}
		defer e.sem.Release(1)
		fn()
	}()
	return true
}

// Shutdown stops scheduling and waits for running drains to finish.
// Messages still queued are dropped.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.shutdown = true
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// Driver owns state S. Messages are functions over S run in the order they
// were told, never concurrently with each other.
type Driver[S any] struct {
	name      string
	exec      *Executor
	state     S
	onFailure func(error)

	mu      sync.Mutex
	mailbox []func(S)
	running bool
	stopped bool
}

// New creates a driver. create builds the state and may keep self to tell
// itself messages later. onFailure, if set, receives panics recovered from
// messages; the driver keeps processing afterwards.
func New[S any](exec *Executor, name string, create func(self *Driver[S]) S, onFailure func(error)) *Driver[S] {
	d := &Driver[S]{name: name, exec: exec, onFailure: onFailure}
	d.state = create(d)
	return d
}

// Name identifies the driver in logs.
func (d *Driver[S]) Name() string { return d.name }

// Tell queues fn. It never blocks: the mailbox is unbounded.
func (d *Driver[S]) Tell(fn func(S)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.mailbox = append(d.mailbox, fn)
	start := !d.running
	d.running = true
	d.mu.Unlock()
	if start {
		d.schedule()
	}
}

// Stop drops queued messages and ignores later ones. A message being
// processed finishes.
func (d *Driver[S]) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mailbox = nil
	d.mu.Unlock()
}

func (d *Driver[S]) schedule() {
	if !d.exec.run(d.drain, d.dropped) {
		d.dropped()
	}
}

func (d *Driver[S]) dropped() {
	d.mu.Lock()
	d.running = false
	d.mailbox = nil
	d.mu.Unlock()
	d.fail(ErrStopped)
}

func (d *Driver[S]) drain() {
	for i := 0; i < drainBatch; i++ {
		d.mu.Lock()
		if len(d.mailbox) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.mailbox[0]
		d.mailbox[0] = nil
		d.mailbox = d.mailbox[1:]
		d.mu.Unlock()
		d.process(fn)
	}
	d.schedule()
}

func (d *Driver[S]) process(fn func(S)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("actor %s panicked: %v", d.name, r)
			log.Printf("[reasoner] actor %s failed: %v\n%s", d.name, r, debug.Stack())
			d.fail(err)
		}
	}()
	fn(d.state)
}

func (d *Driver[S]) fail(err error) {
	if d.onFailure != nil {
		d.onFailure(err)
	}
}
