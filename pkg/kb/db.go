// Package kb is the embedded knowledge base: a typed graph stored in badger,
// queried by traversal and, when rules are defined, by the reasoner.
//
// Example:
//
//	db, err := kb.Open(config.LoadFromEnv())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	tx, err := db.Transaction(false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tx.Close()
//
//	answers, err := tx.Match(ctx, conj, kb.MatchOptions{Infer: true})
//	if err != nil {
//		log.Fatal(err)
//	}
//	all, err := kb.Collect(ctx, answers)
package kb

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/kbgraph/pkg/config"
	"github.com/orneryd/kbgraph/pkg/graph"
	"github.com/orneryd/kbgraph/pkg/metrics"
	"github.com/orneryd/kbgraph/pkg/reasoner"
	"github.com/orneryd/kbgraph/pkg/storage"
)

var (
	ErrClosed           = errors.New("kb: database closed")
	ErrReasonerDisabled = errors.New("kb: reasoner disabled")
)

// DB is an open knowledge base.
type DB struct {
	cfg *config.Config

	mu     sync.RWMutex
	closed bool

	engine   *storage.Engine
	graphs   *graph.Manager
	reasoner *reasoner.Reasoner

	metrics  metrics.Recorder
	registry *prometheus.Registry // nil unless metrics are enabled
}

// Open opens the knowledge base described by cfg. A nil cfg uses the
// defaults with an in-memory store.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
		cfg.Storage.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kb: %w", err)
	}

	db := &DB{cfg: cfg, metrics: metrics.Noop{}}
	if cfg.Metrics.Enabled {
		db.registry = prometheus.NewRegistry()
		p, err := metrics.NewPrometheus(db.registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("kb: metrics: %w", err)
		}
		db.metrics = p
	}

	engine, err := storage.Open(storage.Options{
		DataDir:            cfg.Storage.DataDir,
		InMemory:           cfg.Storage.InMemory,
		SyncWrites:         cfg.Storage.SyncWrites,
		LowMemory:          cfg.Storage.LowMemory,
		EncryptionPassword: cfg.Storage.EncryptionPassword,
		LogLevel:           cfg.Logging.Level,
		IteratorBatchSize:  cfg.Storage.IteratorBatchSize,
		SequenceBandwidth:  uint64(cfg.Storage.SequenceBandwidth),
		Retry: storage.RetryPolicy{
			MaxAttempts:    cfg.Storage.RetryAttempts,
			InitialBackoff: cfg.Storage.RetryBackoff,
			MaxBackoff:     time.Second,
		},
		Metrics: db.metrics,
	})
	if err != nil {
		return nil, err
	}
	db.engine = engine

	db.graphs, err = graph.NewManager(engine, graph.Options{
		SchemaCacheSize:  cfg.Cache.SchemaCacheSize,
		ConceptCacheSize: cfg.Cache.ConceptCacheSize,
		Metrics:          db.metrics,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	if cfg.Reasoner.Enabled {
		db.reasoner = reasoner.New(reasoner.Options{
			Workers:       cfg.Reasoner.Workers,
			MaxIterations: cfg.Reasoner.MaxIterations,
			Explain:       cfg.Reasoner.Explain,
			Metrics:       db.metrics,
		})
	}

	log.Printf("[kb] opened %s", cfg)
	return db, nil
}

// Config returns the configuration the database was opened with.
func (db *DB) Config() *config.Config { return db.cfg }

// Gatherer exposes the database's Prometheus collectors, or nil when
// metrics are disabled.
func (db *DB) Gatherer() prometheus.Gatherer {
	if db.registry == nil {
		return nil
	}
	return db.registry
}

// Transaction opens a read or write transaction.
func (db *DB) Transaction(write bool) (*Tx, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	g, err := db.graphs.Begin(write)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, g: g}, nil
}

// PartitionStats is the key count of one storage partition.
type PartitionStats struct {
	Partition string
	Keys      int
}

// Stats counts the keys of every storage partition.
func (db *DB) Stats() ([]PartitionStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	out := make([]PartitionStats, 0, len(storage.Partitions))
	for _, p := range storage.Partitions {
		n, err := db.engine.CountPartition(p)
		if err != nil {
			return nil, fmt.Errorf("kb: counting %s: %w", p, err)
		}
		out = append(out, PartitionStats{Partition: p.String(), Keys: n})
	}
	return out, nil
}

// Close stops the reasoner and closes storage. Transactions still open
// fail afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.reasoner != nil {
		db.reasoner.Close()
	}
	if err := db.engine.Close(); err != nil {
		return fmt.Errorf("kb: close storage: %w", err)
	}
	log.Printf("[kb] closed")
	return nil
}
