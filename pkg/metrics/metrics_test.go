package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_RecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "kbgraph")
	require.NoError(t, err)

	p.TraversalAnswers(3)
	p.TraversalAnswers(2)
	p.CacheLookup("schema", true)
	p.CacheLookup("schema", false)
	p.CacheLookup("schema", false)
	p.ReasonerAnswer(false)
	p.ReasonerAnswer(true)
	p.ReasonerIteration()
	p.ReasonerMessage("concludable")
	p.StorageCommit(time.Millisecond, nil)
	p.StorageCommit(time.Millisecond, errors.New("boom"))

	assert.Equal(t, 5.0, testutil.ToFloat64(p.traversalAnswers))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues("schema", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.cacheLookups.WithLabelValues("schema", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reasonerAnswers.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reasonerAnswers.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reasonerMessages.WithLabelValues("concludable")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.commitLatency))
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "kbgraph")
	require.NoError(t, err)
	_, err = NewPrometheus(reg, "kbgraph")
	require.Error(t, err)
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop{}, OrNoop(nil))
	p := &Prometheus{}
	assert.Same(t, p, OrNoop(p))
}
