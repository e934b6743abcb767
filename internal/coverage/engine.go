package coverage

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/snap"
)

// Options configures an Engine.
type Options struct {
	// Workers bounds concurrent shortest-path solves. Default NumCPU.
	Workers int

	// CutoffFactor prunes each search at threshold*CutoffFactor. Pairs
	// beyond the cutoff are reported unreachable. Zero disables pruning.
	CutoffFactor float64
}

// Engine computes coverage matrices over one graph. The graph is shared
// read-only by all workers.
type Engine struct {
	graph   *graph.Graph
	oracle  graph.Oracle
	snapper *snap.Snapper
	opts    Options
	log     *zap.Logger
}

// NewEngine creates an Engine. A nil oracle uses graph.Dijkstra.
func NewEngine(g *graph.Graph, oracle graph.Oracle, snapper *snap.Snapper, opts Options) *Engine {
	if oracle == nil {
		oracle = graph.NewDijkstra(g)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		graph:   g,
		oracle:  oracle,
		snapper: snapper,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "coverage")),
	}
}

// Input is one coverage request.
type Input struct {
	Demand           []demand.DemandPoint
	Sites            []demand.CandidateSite
	ThresholdSeconds float64
}

// Stats summarises a Compute call.
type Stats struct {
	Demand         int           `json:"demand"`
	Sites          int           `json:"sites"`
	SnappedDemand  int           `json:"snapped_demand"`
	SnappedSites   int           `json:"snapped_sites"`
	CoveredPairs   int           `json:"covered_pairs"`
	UnreachedPairs int           `json:"unreached_pairs"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Compute snaps demand and sites, then runs one single-source search per
// snapped demand point toward every snapped site. Unsnappable points are
// returned as diagnostics and keep +Inf rows/columns. Unreachable pairs are
// +Inf, never an error. Output is identical for identical input regardless
// of worker scheduling.
func (e *Engine) Compute(ctx context.Context, in Input) (*Matrix, []snap.Diagnostic, Stats, error) {
	start := time.Now()
	var st Stats
	if math.IsNaN(in.ThresholdSeconds) || math.IsInf(in.ThresholdSeconds, 0) || in.ThresholdSeconds < 0 {
		return nil, nil, st, eris.Errorf("coverage: invalid threshold %v", in.ThresholdSeconds)
	}
	if err := demand.ValidateSites(in.Sites); err != nil {
		return nil, nil, st, err
	}
	if err := demand.ValidateDemand(in.Demand); err != nil {
		return nil, nil, st, err
	}

	demandPts := make([]snap.Point, len(in.Demand))
	demandIDs := make([]string, len(in.Demand))
	for i, d := range in.Demand {
		demandPts[i] = snap.Point{ID: d.ID, LonLat: d.LonLat}
		demandIDs[i] = d.ID
	}
	sitePts := make([]snap.Point, len(in.Sites))
	siteIDs := make([]string, len(in.Sites))
	for i, s := range in.Sites {
		sitePts[i] = snap.Point{ID: s.ID, LonLat: s.LonLat}
		siteIDs[i] = s.ID
	}

	demandSnaps, diags := e.snapper.SnapAll("demand", demandPts)
	siteSnaps, siteDiags := e.snapper.SnapAll("site", sitePts)
	diags = append(diags, siteDiags...)

	demandOK := make([]bool, len(demandSnaps))
	for i, r := range demandSnaps {
		demandOK[i] = r.OK
		if r.OK {
			st.SnappedDemand++
		}
	}
	siteOK := make([]bool, len(siteSnaps))
	var targets []graph.NodeIndex
	var targetCols []int
	for s, r := range siteSnaps {
		siteOK[s] = r.OK
		if r.OK {
			targets = append(targets, r.Node)
			targetCols = append(targetCols, s)
		}
	}
	st.Demand, st.Sites, st.SnappedSites = len(in.Demand), len(in.Sites), len(targets)

	cutoff := math.Inf(1)
	if e.opts.CutoffFactor > 0 {
		cutoff = in.ThresholdSeconds * math.Max(e.opts.CutoffFactor, 1)
	}

	seconds := make([][]float64, len(in.Demand))
	for d := range seconds {
		row := make([]float64, len(in.Sites))
		for s := range row {
			row[s] = math.Inf(1)
		}
		seconds[d] = row
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for d, r := range demandSnaps {
		if !r.OK || len(targets) == 0 {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dist := e.oracle.ShortestFrom(r.Node, targets, cutoff)
			row := seconds[d]
			for i, s := range targetCols {
				row[s] = dist[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diags, st, eris.Wrap(err, "coverage: compute")
	}
	if err := ctx.Err(); err != nil {
		return nil, diags, st, eris.Wrap(err, "coverage: compute")
	}

	m := newMatrix(demandIDs, siteIDs, demandOK, siteOK, seconds, in.ThresholdSeconds, cutoff)
	for d := range seconds {
		if !demandOK[d] {
			continue
		}
		for s := range seconds[d] {
			if !siteOK[s] {
				continue
			}
			if math.IsInf(seconds[d][s], 1) {
				st.UnreachedPairs++
			} else if seconds[d][s] <= in.ThresholdSeconds {
				st.CoveredPairs++
			}
		}
	}
	st.Elapsed = time.Since(start)

	e.log.Info("coverage computed",
		zap.Int("demand", st.Demand),
		zap.Int("sites", st.Sites),
		zap.Int("snapped_demand", st.SnappedDemand),
		zap.Int("snapped_sites", st.SnappedSites),
		zap.Int("covered_pairs", st.CoveredPairs),
		zap.Int("unreached_pairs", st.UnreachedPairs),
		zap.Int("diagnostics", len(diags)),
		zap.Float64("threshold_s", in.ThresholdSeconds),
		zap.Duration("elapsed", st.Elapsed),
	)
	return m, diags, st, nil
}
