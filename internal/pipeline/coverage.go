package pipeline

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/osmnet"
	"github.com/sells-group/coolsite/internal/snap"
	"github.com/sells-group/coolsite/internal/store"
)

// CoverageRequest is the input of a coverage run.
type CoverageRequest struct {
	Boundary osmnet.Boundary
	Demand   []demand.DemandPoint
	Sites    []demand.CandidateSite
	// Graph, when set, is used instead of acquiring a network.
	Graph *graph.Graph
}

// CoverageResult is the output of a coverage run.
type CoverageResult struct {
	Network     *Network
	Matrix      *coverage.Matrix
	Diagnostics []snap.Diagnostic
	Stats       coverage.Stats
}

// Coverage acquires the network and computes the coverage matrix.
func (r *Runner) Coverage(ctx context.Context, req CoverageRequest) (*CoverageResult, error) {
	var net *Network
	var err error
	if req.Graph != nil {
		net = &Network{Graph: req.Graph, Boundary: req.Boundary, Stats: req.Graph.Stats()}
	} else {
		net, err = r.Network(ctx, req.Boundary, req.Sites)
		if err != nil {
			return nil, err
		}
	}
	proj, err := geo.ParseProjection(net.Graph.CRS())
	if err != nil {
		return nil, err
	}
	index, err := snap.NewQuadtreeIndex(net.Graph)
	if err != nil {
		return nil, err
	}
	snapper := snap.NewSnapper(index, proj, r.cfg.Coverage.SnapToleranceM)
	engine := coverage.NewEngine(net.Graph, nil, snapper, coverage.Options{
		Workers:      r.cfg.Coverage.Workers,
		CutoffFactor: r.cfg.Coverage.CutoffFactor,
	})

	m, diags, stats, err := engine.Compute(ctx, coverage.Input{
		Demand:           req.Demand,
		Sites:            req.Sites,
		ThresholdSeconds: r.cfg.Coverage.ThresholdSeconds(),
	})
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		for _, d := range diags {
			r.metrics.RecordSnapFailure(d.Role, string(d.Kind))
		}
		total := stats.Demand * stats.Sites
		reachable := 0
		for d := 0; d < m.NumDemand(); d++ {
			for s := 0; s < m.NumSites(); s++ {
				if !math.IsInf(m.Seconds(d, s), 1) {
					reachable++
				}
			}
		}
		r.metrics.RecordCoverage(stats.CoveredPairs, reachable, total, stats.Elapsed)
	}
	r.log.Info("pipeline: coverage computed",
		zap.Int("demand", stats.Demand),
		zap.Int("sites", stats.Sites),
		zap.Int("snapped_demand", stats.SnappedDemand),
		zap.Int("snapped_sites", stats.SnappedSites),
		zap.Int("covered_pairs", stats.CoveredPairs),
		zap.Int("diagnostics", len(diags)),
	)
	return &CoverageResult{Network: net, Matrix: m, Diagnostics: diags, Stats: stats}, nil
}

// RunCoverage is Coverage wrapped in a run record.
func (r *Runner) RunCoverage(ctx context.Context, req CoverageRequest) (*CoverageResult, string, error) {
	var out *CoverageResult
	params := map[string]any{
		"boundary":          req.Boundary.String(),
		"demand":            len(req.Demand),
		"sites":             len(req.Sites),
		"threshold_minutes": r.cfg.Coverage.ThresholdMinutes,
		"walk_speed_kmh":    r.cfg.Coverage.WalkSpeedKmh,
	}
	runID, err := r.run(ctx, "coverage", params, func(string) (*store.RunSummary, error) {
		res, err := r.Coverage(ctx, req)
		if err != nil {
			return nil, err
		}
		out = res
		return &store.RunSummary{
			GraphNodes: res.Network.Stats.Nodes,
			GraphEdges: res.Network.Stats.Edges,
		}, nil
	})
	r.flushMetrics()
	return out, runID, err
}
