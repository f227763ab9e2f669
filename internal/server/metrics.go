package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"ravensearch/internal/search"
)

// Metrics bundles the Prometheus collectors the index manager and its
// instances report through. A nil *Metrics is valid and all methods on it
// become no-ops, so tests and the single-index CLI path don't need a
// registry.
type Metrics struct {
	writeLockWaitSeconds prometheus.Histogram
	commitDuration       prometheus.Histogram
	searcherRefcount     *prometheus.GaugeVec
	writeErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers the server's collectors against reg.
// Pass prometheus.NewRegistry() in production; tests can pass nil to get a
// Metrics value whose methods are safe no-ops.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		writeLockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ravensearch",
			Name:      "write_lock_wait_seconds",
			Help:      "Time spent waiting to acquire an index's write lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ravensearch",
			Name:      "commit_duration_seconds",
			Help:      "Duration of the 7-phase commit protocol.",
			Buckets:   prometheus.DefBuckets,
		}),
		searcherRefcount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravensearch",
			Name:      "searcher_refcount",
			Help:      "Current strong refcount on the active searcher state, per index.",
		}, []string{"index"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravensearch",
			Name:      "write_errors_total",
			Help:      "Per-document write errors recorded, per index.",
		}, []string{"index"}),
	}

	reg.MustRegister(m.writeLockWaitSeconds, m.commitDuration, m.searcherRefcount, m.writeErrors)

	// Query latency percentiles are tracked with an HDR histogram in
	// internal/search (cheap per-query update); these GaugeFuncs just
	// sample it at scrape time rather than re-deriving percentiles from a
	// Prometheus histogram's bucket boundaries.
	for _, pct := range []struct {
		name string
		pick func(p50, p95, p99 float64) float64
	}{
		{"p50", func(p50, _, _ float64) float64 { return p50 }},
		{"p95", func(_, p95, _ float64) float64 { return p95 }},
		{"p99", func(_, _, p99 float64) float64 { return p99 }},
	} {
		pct := pct
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "ravensearch",
			Name:        "query_latency_seconds",
			Help:        "Query execution latency percentile, sampled from an HDR histogram.",
			ConstLabels: prometheus.Labels{"quantile": pct.name},
		}, func() float64 {
			p50, p95, p99 := search.LatencyPercentiles()
			return pct.pick(p50, p95, p99)
		})
		reg.MustRegister(g)
	}

	return m
}

func (m *Metrics) observeWriteLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.writeLockWaitSeconds.Observe(seconds)
}

func (m *Metrics) observeCommitDuration(seconds float64) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(seconds)
}

func (m *Metrics) setSearcherRefcount(index string, n float64) {
	if m == nil {
		return
	}
	m.searcherRefcount.WithLabelValues(index).Set(n)
}

func (m *Metrics) incWriteErrors(index string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(index).Inc()
}
