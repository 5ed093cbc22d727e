package cache

import (
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrCacheClosed is returned by operations on a closed TransactionCache.
var ErrCacheClosed = errors.New("cache: transaction cache closed")

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TransactionCache holds the state a single transaction accumulates: a
// bounded concept cache (IID -> C), the types it has read or written
// (label -> T), the things it touched, and the attributes it asserted.
// Attribute IIDs are derived from type and value, so concurrent
// transactions asserting the same attribute write identical keys and merge
// at commit without a read.
//
// It is safe for concurrent use; traversal workers read through it while the
// transaction owner writes.
type TransactionCache[C any, T any] struct {
	mu sync.Mutex

	concepts *lru.Cache[string, C]
	types    map[string]T
	dirty    set // labels of types written by this transaction

	modified      set
	newRelations  set
	newAttributes set
	deleted       set

	generation uint64
	closed     bool
}

// NewTransactionCache creates a cache bounded to conceptSize concepts.
// generation is the shared schema generation observed when the transaction
// started.
func NewTransactionCache[C any, T any](conceptSize int, generation uint64) (*TransactionCache[C, T], error) {
	concepts, err := lru.New[string, C](conceptSize)
	if err != nil {
		return nil, err
	}
	return &TransactionCache[C, T]{
		concepts:      concepts,
		types:         make(map[string]T),
		dirty:         make(set),
		modified:      make(set),
		newRelations:  make(set),
		newAttributes: make(set),
		deleted:       make(set),
		generation:    generation,
	}, nil
}

// Generation is the schema generation the transaction started from.
func (c *TransactionCache[C, T]) Generation() uint64 { return c.generation }

// Stale reports whether the shared schema has changed since the transaction
// started.
func (c *TransactionCache[C, T]) Stale(current uint64) bool { return current != c.generation }

// ============================================================================
// Concepts
// ============================================================================

// Concept returns the cached concept for iid.
func (c *TransactionCache[C, T]) Concept(iid string) (C, bool) {
	return c.concepts.Get(iid)
}

// CacheConcept stores a concept.
func (c *TransactionCache[C, T]) CacheConcept(iid string, concept C) {
	c.concepts.Add(iid, concept)
}

// EvictConcept removes a concept.
func (c *TransactionCache[C, T]) EvictConcept(iid string) {
	c.concepts.Remove(iid)
}

// ============================================================================
// Types
// ============================================================================

// Type returns the transaction-local view of a type.
func (c *TransactionCache[C, T]) Type(label string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.types[label]
	return t, ok
}

// CacheType records a type read from the shared schema.
func (c *TransactionCache[C, T]) CacheType(label string, t T) {
	c.mu.Lock()
	c.types[label] = t
	c.mu.Unlock()
}

// PutType records a type written by this transaction.
func (c *TransactionCache[C, T]) PutType(label string, t T) {
	c.mu.Lock()
	c.types[label] = t
	c.dirty[label] = struct{}{}
	c.mu.Unlock()
}

// DirtyTypes returns the labels of types written by this transaction, sorted.
func (c *TransactionCache[C, T]) DirtyTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.sorted()
}

// ============================================================================
// Tracking
// ============================================================================

// TrackModified marks a thing as touched by this transaction.
func (c *TransactionCache[C, T]) TrackModified(iid string) {
	c.mu.Lock()
	c.modified[iid] = struct{}{}
	c.mu.Unlock()
}

// TrackNewRelation marks a relation created by this transaction.
func (c *TransactionCache[C, T]) TrackNewRelation(iid string) {
	c.mu.Lock()
	c.newRelations[iid] = struct{}{}
	c.modified[iid] = struct{}{}
	c.mu.Unlock()
}

// AssertAttribute records that this transaction wrote attribute iid. It
// reports whether the attribute had already been asserted, in which case
// nothing needs to be written again.
func (c *TransactionCache[C, T]) AssertAttribute(iid string) (already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.newAttributes[iid]; ok {
		return true
	}
	c.newAttributes[iid] = struct{}{}
	c.modified[iid] = struct{}{}
	delete(c.deleted, iid)
	return false
}

// Asserted reports whether this transaction wrote attribute iid and has
// not deleted it since.
func (c *TransactionCache[C, T]) Asserted(iid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.newAttributes[iid]
	return ok
}

// TrackDeleted marks a thing as deleted and evicts it from every other set.
func (c *TransactionCache[C, T]) TrackDeleted(iid string) {
	c.mu.Lock()
	c.deleted[iid] = struct{}{}
	delete(c.modified, iid)
	delete(c.newRelations, iid)
	delete(c.newAttributes, iid)
	c.mu.Unlock()
	c.concepts.Remove(iid)
}

// IsDeleted reports whether iid was deleted by this transaction.
func (c *TransactionCache[C, T]) IsDeleted(iid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[iid]
	return ok
}

// IsNewRelation reports whether iid was created by this transaction.
func (c *TransactionCache[C, T]) IsNewRelation(iid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.newRelations[iid]
	return ok
}

// ModifiedThings returns touched, non-deleted things in IID order.
func (c *TransactionCache[C, T]) ModifiedThings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modified.sorted()
}

// NewRelations returns relations created by this transaction in IID order.
func (c *TransactionCache[C, T]) NewRelations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newRelations.sorted()
}

// NewAttributes returns attributes asserted by this transaction in IID order.
func (c *TransactionCache[C, T]) NewAttributes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newAttributes.sorted()
}

// DeletedThings returns deleted things in IID order.
func (c *TransactionCache[C, T]) DeletedThings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted.sorted()
}

// ============================================================================
// Commit
// ============================================================================

// Validate runs check over every modified thing and returns the first error.
func (c *TransactionCache[C, T]) Validate(check func(iid string) error) error {
	if c.Closed() {
		return ErrCacheClosed
	}
	for _, iid := range c.ModifiedThings() {
		if err := check(iid); err != nil {
			return err
		}
	}
	return nil
}

// Close discards everything.
func (c *TransactionCache[C, T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.concepts.Purge()
	clear(c.types)
	clear(c.newAttributes)
}

// Closed reports whether Close was called.
func (c *TransactionCache[C, T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
