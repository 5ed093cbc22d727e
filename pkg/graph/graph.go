// Package graph maps the typed vertex and edge model of the knowledge base
// onto the partitioned key-value store.
//
// Every vertex is identified by an IID (see iid.go). A vertex owns a row in
// the vertex partition holding its properties, and rows in the edge
// partitions holding its edges, one column per edge. Structural edges are
// written in both directions; role players additionally get an optimisation
// edge that skips the role instance hop:
//
//	relation --RELATING--> role <--PLAYING-- player
//	relation --ROLEPLAYER[role type]--> player     (and the inverse)
//
// Schema types are vertices too, connected by SUB, OWNS, PLAYS and RELATES
// edges and indexed by label in the index partition.
//
// A Manager is shared by every transaction of a database and owns the schema
// caches. A Graph is one transaction's view.
package graph

import (
	"fmt"
	"log"
	"sync"

	"github.com/orneryd/kbgraph/pkg/cache"
	"github.com/orneryd/kbgraph/pkg/metrics"
	"github.com/orneryd/kbgraph/pkg/pattern"
	"github.com/orneryd/kbgraph/pkg/storage"
)

// Root type labels. They exist in every database.
const (
	RootEntity    = "entity"
	RootRelation  = "relation"
	RootAttribute = "attribute"
)

const rulesCacheKey = "rules"

// Options configures a Manager.
type Options struct {
	SchemaCacheSize  int
	ConceptCacheSize int
	Metrics          metrics.Recorder
}

func (o *Options) setDefaults() {
	if o.SchemaCacheSize <= 0 {
		o.SchemaCacheSize = 1024
	}
	if o.ConceptCacheSize <= 0 {
		o.ConceptCacheSize = 10000
	}
}

// Manager owns the schema caches of one database and opens Graphs.
type Manager struct {
	engine *storage.Engine
	opts   Options

	types  *cache.SchemaCache[string, *Type]
	labels *cache.SchemaCache[uint16, string]
	rules  *cache.SchemaCache[string, []pattern.Rule]
}

// NewManager creates a manager over engine and makes sure the root types
// exist.
func NewManager(engine *storage.Engine, opts Options) (*Manager, error) {
	opts.setDefaults()
	m := &Manager{engine: engine, opts: opts}

	var err error
	m.types, err = cache.NewSchemaCache("types", opts.SchemaCacheSize, m.loadType, opts.Metrics)
	if err != nil {
		return nil, err
	}
	m.labels, err = cache.NewSchemaCache("labels", opts.SchemaCacheSize, m.loadLabel, opts.Metrics)
	if err != nil {
		return nil, err
	}
	m.rules, err = cache.NewSchemaCache("rules", 1, m.loadRules, opts.Metrics)
	if err != nil {
		return nil, err
	}
	if err := m.bootstrap(); err != nil {
		return nil, fmt.Errorf("graph: bootstrap failed: %w", err)
	}
	return m, nil
}

func (m *Manager) bootstrap() error {
	g, err := m.Begin(true)
	if err != nil {
		return err
	}
	defer g.Close()

	created := false
	for _, root := range []struct {
		label string
		kind  Kind
	}{{RootEntity, KindEntity}, {RootRelation, KindRelation}, {RootAttribute, KindAttribute}} {
		_, ok, err := g.typeExists(root.label)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		t, err := g.createType(root.kind, root.label, "", "")
		if err != nil {
			return err
		}
		t.Abstract = true
		if err := g.setFlag(t.IID, PropAbstract, true); err != nil {
			return err
		}
		created = true
	}
	if created {
		log.Printf("[graph] initialised root types")
	}
	return g.Commit()
}

// Engine returns the underlying store.
func (m *Manager) Engine() *storage.Engine { return m.engine }

// SchemaGeneration returns the shared schema cache generation.
func (m *Manager) SchemaGeneration() uint64 { return m.types.Generation() }

// Begin opens a Graph over a new storage transaction.
func (m *Manager) Begin(write bool) (*Graph, error) {
	txn, err := m.engine.Begin(write)
	if err != nil {
		return nil, err
	}
	tc, err := cache.NewTransactionCache[*Thing, *Type](m.opts.ConceptCacheSize, m.types.Generation())
	if err != nil {
		txn.Discard()
		return nil, err
	}
	return &Graph{
		m:           m,
		txn:         txn,
		cache:       tc,
		localLabels: make(map[uint16]string),
		metrics:     metrics.OrNoop(m.opts.Metrics),
	}, nil
}

func (m *Manager) loadType(label string) (*Type, error) {
	var t *Type
	err := m.engine.View(func(txn *storage.Txn) error {
		var err error
		t, err = readType(txn, label, m.labels.Get)
		return err
	})
	return t, err
}

func (m *Manager) loadLabel(id uint16) (string, error) {
	var label string
	err := m.engine.View(func(txn *storage.Txn) error {
		v, err := txn.Get(storage.PartitionIndex, idIndexKey(id))
		if err == storage.ErrNotFound {
			return fmt.Errorf("%w: id %d", ErrTypeNotFound, id)
		}
		label = string(v)
		return err
	})
	return label, err
}

func (m *Manager) loadRules(string) ([]pattern.Rule, error) {
	var rules []pattern.Rule
	err := m.engine.View(func(txn *storage.Txn) error {
		var err error
		rules, err = readRules(txn)
		return err
	})
	return rules, err
}

// Graph is a transaction's view of the graph. Reads may be issued from
// several goroutines; writes require a write transaction.
type Graph struct {
	m       *Manager
	txn     *storage.Txn
	cache   *cache.TransactionCache[*Thing, *Type]
	metrics metrics.Recorder

	mu          sync.Mutex
	localLabels map[uint16]string // types created by this transaction
	rulesDirty  bool
}

// Writable reports whether the graph accepts writes.
func (g *Graph) Writable() bool { return !g.txn.ReadOnly() }

// TxnID identifies the underlying storage transaction.
func (g *Graph) TxnID() string { return g.txn.ID().String() }

// Storage exposes the underlying storage transaction.
func (g *Graph) Storage() *storage.Txn { return g.txn }

// Manager returns the manager that opened g.
func (g *Graph) Manager() *Manager { return g.m }

// Metrics returns the recorder of the manager's options, never nil.
func (g *Graph) Metrics() metrics.Recorder { return g.metrics }

func (g *Graph) checkOpen() error {
	if g.cache.Closed() || g.txn.Closed() {
		return ErrGraphClosed
	}
	return nil
}

// Iterate returns the raw ordered entries of partition p under prefix.
func (g *Graph) Iterate(p storage.Partition, prefix []byte) *storage.Iterator {
	return g.txn.Iterate(p, prefix)
}

// Close discards the transaction if it has not been committed.
func (g *Graph) Close() {
	g.txn.Discard()
	g.cache.Close()
}
