package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Processed("enriched")
		m.ModelCall("extract", "ok")
		m.Tokens("m", 1, 2)
		m.FetchAttempt("ok")
		m.LockAttempt(true)
		m.Repaired("stale_lock", "review")
		m.JobTransition("enrichment", "paused")
		m.QueueDepth(3)
		m.WorkerBusy(1)
		m.ObserveRecord("enrichment", 1.5)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Processed("enriched")
	m.Processed("enriched")
	m.LockAttempt(false)
	m.Tokens("haiku", 100, 20)
	m.QueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProspectsProcessed.WithLabelValues("enriched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockAcquisitions.WithLabelValues("held")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.ModelTokens.WithLabelValues("haiku", "input")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.JobsQueued))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
