// Package metrics exposes run-level Prometheus metrics for the network,
// coverage and optimisation stages. A CLI run has no scrape endpoint, so the
// registry is flushed to a node_exporter textfile at the end of the run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/store"
)

// Registry holds all metrics for one process.
type Registry struct {
	registry *prometheus.Registry

	// Network
	GraphNodes         prometheus.Gauge
	GraphEdges         prometheus.Gauge
	GraphComponents    prometheus.Gauge
	GraphBuildDuration *prometheus.HistogramVec

	// Coverage
	SnapFailuresTotal *prometheus.CounterVec
	CoveragePairs     *prometheus.GaugeVec
	CoverageDuration  prometheus.Histogram

	// Optimiser
	OptimizeRunsTotal *prometheus.CounterVec
	OptimizeDuration  *prometheus.HistogramVec
	OptimizeNodes     prometheus.Gauge
	CoveredShare      prometheus.Gauge

	// Graph cache
	CacheEntries  prometheus.Gauge
	CacheRequests *prometheus.GaugeVec
}

// NewRegistry creates a Registry backed by a fresh Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initNetworkMetrics()
	r.initCoverageMetrics()
	r.initOptimizeMetrics()
	r.initCacheMetrics()
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initNetworkMetrics() {
	r.GraphNodes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_graph_nodes",
		Help: "Nodes in the pedestrian network of the last run",
	})
	r.GraphEdges = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_graph_edges",
		Help: "Directed edges in the pedestrian network of the last run",
	})
	r.GraphComponents = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_graph_components",
		Help: "Weakly connected components before pruning",
	})
	r.GraphBuildDuration = promauto.With(r.registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coolsite_graph_build_duration_seconds",
		Help:    "Time to obtain the pedestrian network",
		Buckets: []float64{0.01, 0.1, 1, 5, 15, 60, 300},
	}, []string{"source"})
}

func (r *Registry) initCoverageMetrics() {
	r.SnapFailuresTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "coolsite_snap_failures_total",
		Help: "Points that could not be attached to the network",
	}, []string{"role", "kind"})
	r.CoveragePairs = promauto.With(r.registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "coolsite_coverage_pairs",
		Help: "Demand-site pairs in the coverage matrix",
	}, []string{"state"})
	r.CoverageDuration = promauto.With(r.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "coolsite_coverage_duration_seconds",
		Help:    "Time to compute the coverage matrix",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
	})
}

func (r *Registry) initOptimizeMetrics() {
	r.OptimizeRunsTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "coolsite_optimize_runs_total",
		Help: "Optimiser runs by mode and status",
	}, []string{"mode", "status"})
	r.OptimizeDuration = promauto.With(r.registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coolsite_optimize_duration_seconds",
		Help:    "Optimiser wall time",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 600},
	}, []string{"mode"})
	r.OptimizeNodes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_optimize_bnb_nodes",
		Help: "Branch-and-bound nodes explored by the last exact run",
	})
	r.CoveredShare = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_covered_share",
		Help: "Share of total demand weight covered by the selection",
	})
}

func (r *Registry) initCacheMetrics() {
	r.CacheEntries = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "coolsite_graph_cache_entries",
		Help: "Graphs held in the in-memory cache",
	})
	r.CacheRequests = promauto.With(r.registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "coolsite_graph_cache_requests",
		Help: "Graph cache lookups by outcome",
	}, []string{"outcome"})
}

// RecordGraph records network size and how long it took to obtain.
func (r *Registry) RecordGraph(source string, s graph.Stats, d time.Duration) {
	r.GraphNodes.Set(float64(s.Nodes))
	r.GraphEdges.Set(float64(s.Edges))
	r.GraphComponents.Set(float64(s.Components))
	r.GraphBuildDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordSnapFailure counts one point that failed to snap.
func (r *Registry) RecordSnapFailure(role, kind string) {
	r.SnapFailuresTotal.WithLabelValues(role, kind).Inc()
}

// RecordCoverage records matrix composition and compute time.
func (r *Registry) RecordCoverage(covered, reachable, total int, d time.Duration) {
	r.CoveragePairs.WithLabelValues("covered").Set(float64(covered))
	r.CoveragePairs.WithLabelValues("reachable").Set(float64(reachable))
	r.CoveragePairs.WithLabelValues("total").Set(float64(total))
	r.CoverageDuration.Observe(d.Seconds())
}

// RecordOptimize records one optimiser run.
func (r *Registry) RecordOptimize(mode, status string, nodes int, share float64, d time.Duration) {
	r.OptimizeRunsTotal.WithLabelValues(mode, status).Inc()
	r.OptimizeDuration.WithLabelValues(mode).Observe(d.Seconds())
	r.OptimizeNodes.Set(float64(nodes))
	r.CoveredShare.Set(share)
}

// RecordCache copies graph cache statistics into gauges.
func (r *Registry) RecordCache(s store.CacheStats) {
	r.CacheEntries.Set(float64(s.Entries))
	r.CacheRequests.WithLabelValues("hit").Set(float64(s.Hits))
	r.CacheRequests.WithLabelValues("disk_hit").Set(float64(s.DiskHits))
	r.CacheRequests.WithLabelValues("miss").Set(float64(s.Misses))
	r.CacheRequests.WithLabelValues("build").Set(float64(s.Builds))
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector. The write is atomic.
func (r *Registry) WriteTextfile(path string) error {
	return eris.Wrap(prometheus.WriteToTextfile(path, r.registry), "metrics: write textfile")
}
