package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/osmnet"
)

// walkMetresPerMinute is the pace used to size the site buffer.
const walkMetresPerMinute = 80.0

const metresPerDegreeLat = 111_320.0

// Network is an acquired pedestrian network.
type Network struct {
	Graph    *graph.Graph
	Boundary osmnet.Boundary
	Key      string
	// Report is nil when the graph came from the cache.
	Report  *osmnet.Report
	Stats   graph.Stats
	Elapsed time.Duration
}

// SiteAOI shrinks b to the bounding box of sites padded by twice the
// distance walkable within thresholdMinutes.
func SiteAOI(b osmnet.Boundary, sites []demand.CandidateSite, thresholdMinutes float64) (osmnet.Boundary, error) {
	bound, ok := demand.SiteBound(sites)
	if !ok {
		return osmnet.Boundary{}, eris.New("pipeline: no sites to clip to")
	}
	padM := thresholdMinutes * walkMetresPerMinute * 2
	dLat := padM / metresPerDegreeLat
	dLon := padM / (metresPerDegreeLat * math.Max(math.Cos(bound.Center().Lat()*math.Pi/180), 0.01))
	padded := orb.Bound{
		Min: orb.Point{bound.Min.Lon() - dLon, bound.Min.Lat() - dLat},
		Max: orb.Point{bound.Max.Lon() + dLon, bound.Max.Lat() + dLat},
	}
	if b.IsZero() {
		return osmnet.NewBBox(padded.Min.Lon(), padded.Min.Lat(), padded.Max.Lon(), padded.Max.Lat())
	}
	clipped, ok := b.Clip(padded)
	if !ok {
		return osmnet.Boundary{}, eris.Errorf("pipeline: sites do not intersect boundary %s", b)
	}
	return clipped, nil
}

// networkKey identifies a built network by everything that shapes it.
func (r *Runner) networkKey(b osmnet.Boundary, nt osmnet.NetworkType) string {
	return fmt.Sprintf("%s:%s:%.3f:%t", nt, b.Key(), r.cfg.Coverage.WalkSpeedKmh, r.cfg.Network.KeepLargestComponent)
}

// Network returns the pedestrian network for b, clipped to sites when
// network.clip_to_sites is set.
func (r *Runner) Network(ctx context.Context, b osmnet.Boundary, sites []demand.CandidateSite) (*Network, error) {
	start := r.now()
	nt, err := osmnet.ParseNetworkType(r.cfg.Network.Type)
	if err != nil {
		return nil, err
	}
	if r.cfg.Network.ClipToSites && len(sites) > 0 {
		b, err = SiteAOI(b, sites, r.cfg.Coverage.ThresholdMinutes)
		if err != nil {
			return nil, err
		}
	}
	if b.IsZero() {
		return nil, eris.New("pipeline: a boundary is required")
	}

	key := r.networkKey(b, nt)
	var report *osmnet.Report
	build := func(ctx context.Context) (*graph.Graph, error) {
		data, err := r.source.Fetch(ctx, b, nt)
		if err != nil {
			return nil, err
		}
		g, rep, err := osmnet.Build(ctx, data, osmnet.BuildOptions{
			WalkSpeedKmh:         r.cfg.Coverage.WalkSpeedKmh,
			Boundary:             b,
			KeepLargestComponent: r.cfg.Network.KeepLargestComponent,
		})
		if err != nil {
			return nil, err
		}
		report = &rep
		return g, nil
	}

	var g *graph.Graph
	if r.cache != nil {
		g, err = r.cache.GetOrBuild(ctx, key, build)
	} else {
		g, err = build(ctx)
	}
	if err != nil {
		return nil, err
	}

	n := &Network{Graph: g, Boundary: b, Key: key, Report: report, Stats: g.Stats(), Elapsed: r.now().Sub(start)}
	source := "cache"
	if report != nil {
		source = "build"
	}
	if r.metrics != nil {
		r.metrics.RecordGraph(source, n.Stats, n.Elapsed)
	}
	r.log.Info("pipeline: network ready",
		zap.String("boundary", b.String()),
		zap.String("source", source),
		zap.Int("nodes", n.Stats.Nodes),
		zap.Int("edges", n.Stats.Edges),
		zap.Int("components", n.Stats.Components),
		zap.Duration("elapsed", n.Elapsed),
	)
	return n, nil
}
