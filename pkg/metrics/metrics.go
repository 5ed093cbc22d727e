// Package metrics defines the Recorder hooks used across the engine and a
// Prometheus-backed implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// StorageCommit is called after each storage transaction commit attempt.
	StorageCommit(duration time.Duration, err error)

	// TraversalAnswers is called when a traversal batch completes.
	TraversalAnswers(delivered int)

	// CacheLookup is called on each schema cache read.
	CacheLookup(cache string, hit bool)

	// ReasonerMessage is called for each message handled by a resolution actor.
	ReasonerMessage(actorKind string)

	// ReasonerAnswer is called when an answer is recorded; duplicate is true
	// when the answer had already been recorded for the same producer.
	ReasonerAnswer(duplicate bool)

	// ReasonerIteration is called when a query starts a new reasoning iteration.
	ReasonerIteration()
}

// Noop discards every event.
type Noop struct{}

func (Noop) StorageCommit(time.Duration, error) {}
func (Noop) TraversalAnswers(int)               {}
func (Noop) CacheLookup(string, bool)           {}
func (Noop) ReasonerMessage(string)             {}
func (Noop) ReasonerAnswer(bool)                {}
func (Noop) ReasonerIteration()                 {}

var _ Recorder = Noop{}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	commitLatency    *prometheus.HistogramVec
	traversalAnswers prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	reasonerMessages *prometheus.CounterVec
	reasonerAnswers  *prometheus.CounterVec
	iterations       prometheus.Counter
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors under namespace and registers them
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_commit_seconds",
			Help:      "Latency of storage transaction commits",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		traversalAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traversal_answers_total",
			Help:      "Answers delivered by graph traversals",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Schema cache lookups",
		}, []string{"cache", "result"}),
		reasonerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoner_messages_total",
			Help:      "Messages handled by resolution actors",
		}, []string{"actor"}),
		reasonerAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoner_answers_total",
			Help:      "Answers recorded by the reasoner",
		}, []string{"kind"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoner_iterations_total",
			Help:      "Reasoning iterations started",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.commitLatency, p.traversalAnswers, p.cacheLookups,
		p.reasonerMessages, p.reasonerAnswers, p.iterations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (p *Prometheus) StorageCommit(d time.Duration, err error) {
	p.commitLatency.WithLabelValues(status(err)).Observe(d.Seconds())
}

func (p *Prometheus) TraversalAnswers(delivered int) {
	p.traversalAnswers.Add(float64(delivered))
}

func (p *Prometheus) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (p *Prometheus) ReasonerMessage(actorKind string) {
	p.reasonerMessages.WithLabelValues(actorKind).Inc()
}

func (p *Prometheus) ReasonerAnswer(duplicate bool) {
	kind := "new"
	if duplicate {
		kind = "duplicate"
	}
	p.reasonerAnswers.WithLabelValues(kind).Inc()
}

func (p *Prometheus) ReasonerIteration() { p.iterations.Inc() }
