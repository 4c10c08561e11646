// Package metrics holds the Prometheus instruments for the enrichment
// pipeline. A nil *Metrics is valid and records nothing, so components can be
// built without a registry in tests and one-off CLI runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prospect_enricher"

// Metrics holds all pipeline instruments.
type Metrics struct {
	ProspectsProcessed *prometheus.CounterVec
	ModelCalls         *prometheus.CounterVec
	ModelTokens        *prometheus.CounterVec
	FetchAttempts      *prometheus.CounterVec
	LockAcquisitions   *prometheus.CounterVec
	ReconcileRepairs   *prometheus.CounterVec
	JobTransitions     *prometheus.CounterVec
	JobsQueued         prometheus.Gauge
	WorkersBusy        prometheus.Gauge
	RecordDuration     *prometheus.HistogramVec
}

// New creates and registers every instrument on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProspectsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "prospects_processed_total",
			Help:      "Prospects processed by the per-record pipeline, by outcome.",
		}, []string{"outcome"}),

		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model gateway calls by call kind and result.",
		}, []string{"kind", "result"}),

		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens consumed by the model gateway.",
		}, []string{"model", "direction"}),

		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Website fetch attempts by result.",
		}, []string{"result"}),

		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Enrichment lock acquisition attempts by result.",
		}, []string{"result"}),

		ReconcileRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "repairs_total",
			Help:      "Records repaired by the reconciliation sweep, by pass and resulting status.",
		}, []string{"pass", "status"}),

		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job status transitions by kind and target status.",
		}, []string{"kind", "status"}),

		JobsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queued",
			Help:      "Job continuations waiting for a worker.",
		}),

		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "workers_busy",
			Help:      "Supervisor workers currently running a batch.",
		}),

		RecordDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "record_duration_seconds",
			Help:      "Wall time of one per-record pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
	}
}

func (m *Metrics) Processed(outcome string) {
	if m != nil {
		m.ProspectsProcessed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ModelCall(kind, result string) {
	if m != nil {
		m.ModelCalls.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) Tokens(model string, input, output int64) {
	if m != nil {
		m.ModelTokens.WithLabelValues(model, "input").Add(float64(input))
		m.ModelTokens.WithLabelValues(model, "output").Add(float64(output))
	}
}

func (m *Metrics) FetchAttempt(result string) {
	if m != nil {
		m.FetchAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) LockAttempt(acquired bool) {
	if m == nil {
		return
	}
	result := "acquired"
	if !acquired {
		result = "held"
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) Repaired(pass, status string) {
	if m != nil {
		m.ReconcileRepairs.WithLabelValues(pass, status).Inc()
	}
}

func (m *Metrics) JobTransition(kind, status string) {
	if m != nil {
		m.JobTransitions.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.JobsQueued.Set(float64(n))
	}
}

func (m *Metrics) WorkerBusy(delta float64) {
	if m != nil {
		m.WorkersBusy.Add(delta)
	}
}

func (m *Metrics) ObserveRecord(kind string, seconds float64) {
	if m != nil {
		m.RecordDuration.WithLabelValues(kind).Observe(seconds)
	}
}
