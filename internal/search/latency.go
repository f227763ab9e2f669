package search

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// latencyTracker records query execution latency in microseconds with
// HDR histogram precision, cheap enough to update on every query without
// contending with the searcher itself. Percentiles are read by the server's
// Prometheus gauge functions when metrics are scraped, not on the query
// path.
type latencyTracker struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// newLatencyTracker builds a tracker covering 1 microsecond to 60 seconds
// at 3 significant digits, matching typical query SLOs.
func newLatencyTracker() *latencyTracker {
	return &latencyTracker{
		hist: hdrhistogram.New(1, 60_000_000, 3),
	}
}

func (t *latencyTracker) record(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.hist.RecordValue(d.Microseconds())
}

// Percentiles returns the p50/p95/p99 query latency in seconds.
func (t *latencyTracker) Percentiles() (p50, p95, p99 float64) {
	if t == nil {
		return 0, 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	toSeconds := func(micros int64) float64 { return float64(micros) / 1e6 }
	return toSeconds(t.hist.ValueAtQuantile(50)),
		toSeconds(t.hist.ValueAtQuantile(95)),
		toSeconds(t.hist.ValueAtQuantile(99))
}

// QueryLatency is the package-level tracker every Execute call reports to.
// Package-level because Execute is a free function, not a method on a
// server-owned type (see operation.go's doc comment on avoiding the
// server import cycle); IndexInstance-level granularity isn't needed for
// the histogram's purpose (overall query SLO visibility).
var QueryLatency = newLatencyTracker()

// LatencyPercentiles exposes QueryLatency.Percentiles to callers outside
// the package (internal/server's metrics endpoint) without exporting the
// tracker type itself.
func LatencyPercentiles() (p50, p95, p99 float64) {
	return QueryLatency.Percentiles()
}
