package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coolsite/internal/config"
	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
	"github.com/sells-group/coolsite/internal/mclp"
	"github.com/sells-group/coolsite/internal/metrics"
	"github.com/sells-group/coolsite/internal/osmnet"
	"github.com/sells-group/coolsite/internal/result"
	"github.com/sells-group/coolsite/internal/snap"
	"github.com/sells-group/coolsite/internal/store"
)

// Five intersections 0.005 degrees apart along one street. At 4.8 km/h a
// hop takes about 325 s, so with a 6 minute threshold each site covers its
// own node and its neighbours.
const (
	streetLat   = 38.9
	streetLon0  = -77.03
	streetStep  = 0.005
	streetNodes = 5
)

func streetLonLat(i int) orb.Point {
	return orb.Point{streetLon0 + float64(i)*streetStep, streetLat}
}

type stubSource struct {
	calls atomic.Int32
	err   error
}

func (s *stubSource) Fetch(_ context.Context, _ osmnet.Boundary, _ osmnet.NetworkType) (*osm.OSM, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	data := &osm.OSM{}
	for i := 0; i < streetNodes; i++ {
		p := streetLonLat(i)
		data.Nodes = append(data.Nodes, &osm.Node{ID: osm.NodeID(i + 1), Lon: p.Lon(), Lat: p.Lat()})
	}
	for i := 0; i+1 < streetNodes; i++ {
		data.Ways = append(data.Ways, &osm.Way{
			ID:    osm.WayID(100 + i),
			Nodes: osm.WayNodes{{ID: osm.NodeID(i + 1)}, {ID: osm.NodeID(i + 2)}},
			Tags:  osm.Tags{{Key: "highway", Value: "footway"}},
		})
	}
	return data, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Network.Type = "walk"
	cfg.Coverage = config.CoverageConfig{
		WalkSpeedKmh:     4.8,
		ThresholdMinutes: 6,
		SnapToleranceM:   250,
		Workers:          2,
		CutoffFactor:     2,
	}
	cfg.Optimizer = config.OptimizerConfig{
		K:              1,
		Mode:           "approximate",
		TimeLimitSecs:  10,
		MaxNodes:       1000,
		PinExisting:    true,
		FallbackGreedy: true,
	}
	cfg.Export.Schema = "coolsite"
	return cfg
}

func testBoundary(t *testing.T) osmnet.Boundary {
	t.Helper()
	b, err := osmnet.NewBBox(-77.05, 38.89, -77.00, 38.91)
	require.NoError(t, err)
	return b
}

func testInputs() ([]demand.DemandPoint, []demand.CandidateSite) {
	var points []demand.DemandPoint
	for i := 0; i < streetNodes; i++ {
		points = append(points, demand.DemandPoint{ID: "d" + string(rune('0'+i)), LonLat: streetLonLat(i), Weight: 1})
	}
	sites := []demand.CandidateSite{
		{ID: "s0", Name: "West library", LonLat: streetLonLat(0)},
		{ID: "s2", Name: "Rec center", LonLat: streetLonLat(2)},
		{ID: "s4", Name: "East school", LonLat: streetLonLat(4)},
	}
	return points, sites
}

func budget(k int) *int { return &k }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "coolsite.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOptimize_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "coolsite.prom")
	st := newTestStore(t)
	reg := metrics.NewRegistry()
	src := &stubSource{}
	r := New(cfg, src,
		WithStore(st),
		WithGraphCache(store.NewGraphCache(2, time.Hour, st)),
		WithMetrics(reg),
	)

	points, sites := testInputs()
	outDir := filepath.Join(t.TempDir(), "out")
	out, err := r.Optimize(ctx, OptimizeRequest{
		CoverageRequest: CoverageRequest{Boundary: testBoundary(t), Demand: points, Sites: sites},
		OutputDir:       outDir,
	})
	require.NoError(t, err)

	res := out.Result
	assert.Equal(t, []string{"s2"}, res.Selected)
	assert.Equal(t, mclp.StatusFeasible, res.Status)
	assert.InDelta(t, 3, res.CoveredWeight, 1e-9)
	assert.InDelta(t, 0.6, res.CoveredShare, 1e-9)
	assert.Empty(t, out.Coverage.Diagnostics)
	assert.Equal(t, 5, out.Coverage.Network.Stats.Nodes)
	assert.Len(t, out.Files, 6)
	for _, f := range []string{result.FileJSON, result.FileGeoJSON, result.FileXLSX} {
		assert.FileExists(t, filepath.Join(outDir, f))
	}

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, []string{"s2"}, run.Summary.Selected)
	assert.Equal(t, 5, run.Summary.GraphNodes)
	assert.Equal(t, outDir, run.Summary.OutputDir)
	assert.Equal(t, out.RunID, res.RunID)

	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "coolsite_graph_nodes 5")
	assert.Contains(t, string(prom), `coolsite_optimize_runs_total{mode="approximate",status="feasible"} 1`)
}

func TestOptimize_ExactMode(t *testing.T) {
	points, sites := testInputs()
	r := New(testConfig(), &stubSource{})

	out, err := r.Optimize(context.Background(), OptimizeRequest{
		CoverageRequest: CoverageRequest{Boundary: testBoundary(t), Demand: points, Sites: sites},
		Mode:            mclp.ModeExact,
	})
	require.NoError(t, err)
	assert.Equal(t, mclp.StatusOptimal, out.Result.Status)
	assert.Equal(t, []string{"s2"}, out.Result.Selected)
	assert.NotEmpty(t, out.RunID)
	assert.Empty(t, out.Files)
}

func TestOptimize_PinnedExistingSite(t *testing.T) {
	points, sites := testInputs()
	sites[1].Existing = true
	r := New(testConfig(), &stubSource{})

	out, err := r.Optimize(context.Background(), OptimizeRequest{
		CoverageRequest: CoverageRequest{Boundary: testBoundary(t), Demand: points, Sites: sites},
		K:               budget(1),
	})
	require.NoError(t, err)
	// s2 already covers d1..d3; either end site adds one more point and the
	// lowest id wins the tie.
	assert.Equal(t, []string{"s2"}, out.Result.Pinned)
	assert.Equal(t, []string{"s2", "s0"}, out.Result.Selected)
	assert.InDelta(t, 4, out.Result.CoveredWeight, 1e-9)
}

func TestNetwork_ServedFromCache(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{}
	r := New(testConfig(), src, WithGraphCache(store.NewGraphCache(2, time.Hour, nil)))

	first, err := r.Network(ctx, testBoundary(t), nil)
	require.NoError(t, err)
	require.NotNil(t, first.Report)

	second, err := r.Network(ctx, testBoundary(t), nil)
	require.NoError(t, err)
	assert.Nil(t, second.Report)
	assert.Same(t, first.Graph, second.Graph)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int64(1), r.Cache().Stats().Hits)
}

func TestNetwork_KeyDependsOnWalkSpeed(t *testing.T) {
	b := testBoundary(t)
	slow := testConfig()
	slow.Coverage.WalkSpeedKmh = 3.6
	a := New(testConfig(), &stubSource{}).networkKey(b, osmnet.NetworkWalk)
	c := New(slow, &stubSource{}).networkKey(b, osmnet.NetworkWalk)
	assert.NotEqual(t, a, c)
}

func TestNetwork_RequiresBoundary(t *testing.T) {
	r := New(testConfig(), &stubSource{})
	_, err := r.Network(context.Background(), osmnet.Boundary{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boundary is required")
}

func TestOptimize_AcquisitionFailureRecorded(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := testBoundary(t)
	src := &stubSource{err: &osmnet.AcquisitionError{Boundary: b, Network: osmnet.NetworkWalk, Attempts: 3, Err: errors.New("504")}}
	r := New(testConfig(), src, WithStore(st))

	points, sites := testInputs()
	_, err := r.Optimize(ctx, OptimizeRequest{
		CoverageRequest: CoverageRequest{Boundary: b, Demand: points, Sites: sites},
	})
	require.Error(t, err)
	var acq *osmnet.AcquisitionError
	assert.True(t, errors.As(err, &acq))

	runs, err := st.ListRuns(ctx, store.RunFilter{Status: store.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "504")
	assert.Equal(t, "optimize", runs[0].Command)
}

func TestRunCoverage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := New(testConfig(), &stubSource{}, WithStore(st))
	points, sites := testInputs()
	sites = append(sites, demand.CandidateSite{ID: "far", LonLat: orb.Point{-77.045, 38.905}})

	res, runID, err := r.RunCoverage(ctx, CoverageRequest{Boundary: testBoundary(t), Demand: points, Sites: sites})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Matrix.NumSites())
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "far", res.Diagnostics[0].ID)
	assert.True(t, math.IsInf(res.Matrix.Seconds(0, 3), 1))
	assert.True(t, res.Matrix.Covered(1, 1))
	assert.False(t, res.Matrix.Covered(0, 1))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "coverage", run.Command)
	assert.Equal(t, store.RunStatusComplete, run.Status)
}

func TestOptimizeMatrix(t *testing.T) {
	inf := math.Inf(1)
	m, err := coverage.NewMatrix(
		[]string{"a", "b", "c"},
		[]string{"x", "y"},
		[][]float64{{100, inf}, {200, 50}, {inf, 80}},
		150,
	)
	require.NoError(t, err)
	points := []demand.DemandPoint{
		{ID: "a", LonLat: orb.Point{-77, 38.9}, Weight: 5},
		{ID: "b", LonLat: orb.Point{-77, 38.9}, Weight: 1},
		{ID: "c", LonLat: orb.Point{-77, 38.9}, Weight: 1},
	}
	sites := []demand.CandidateSite{
		{ID: "x", LonLat: orb.Point{-77, 38.9}},
		{ID: "y", LonLat: orb.Point{-77, 38.9}},
	}

	out, err := New(testConfig(), nil).OptimizeMatrix(context.Background(), MatrixRequest{
		Matrix: m, Demand: points, Sites: sites,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, out.Result.Selected)
	assert.InDelta(t, 5, out.Result.CoveredWeight, 1e-9)
	assert.NotEmpty(t, out.RunID)
}

func TestOptimizeMatrix_MatchesDirectRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	points, sites := testInputs()
	points = append(points, demand.DemandPoint{ID: "far", LonLat: orb.Point{-77.045, 38.905}, Weight: 9})
	sites = append(sites, demand.CandidateSite{ID: "old", LonLat: orb.Point{-77.045, 38.895}, Existing: true})
	r := New(cfg, &stubSource{})

	direct, err := r.Optimize(ctx, OptimizeRequest{
		CoverageRequest: CoverageRequest{Boundary: testBoundary(t), Demand: points, Sites: sites},
	})
	require.NoError(t, err)
	require.Len(t, direct.Result.Diagnostics, 2)

	var buf bytes.Buffer
	require.NoError(t, direct.Coverage.Matrix.WriteCSV(&buf))
	m, err := coverage.ReadCSV(&buf, cfg.Coverage.ThresholdSeconds())
	require.NoError(t, err)
	require.Equal(t, 5, m.NumDemand())
	require.Equal(t, 3, m.NumSites())

	replay, err := r.OptimizeMatrix(ctx, MatrixRequest{Matrix: m, Demand: points, Sites: sites})
	require.NoError(t, err)

	want, got := direct.Result, replay.Result
	assert.Equal(t, want.Selected, got.Selected)
	assert.Equal(t, []string{"old"}, got.Pinned)
	assert.InDelta(t, 14, got.TotalWeight, 1e-9)
	assert.InDelta(t, want.TotalWeight, got.TotalWeight, 1e-9)
	assert.InDelta(t, want.CoveredWeight, got.CoveredWeight, 1e-9)
	assert.InDelta(t, want.UncoveredWeight, got.UncoveredWeight, 1e-9)
	assert.Equal(t, []snap.Diagnostic{
		{ID: "far", Role: "demand", Kind: snap.KindNotInMatrix},
		{ID: "old", Role: "site", Kind: snap.KindNotInMatrix},
	}, got.Diagnostics)
	require.Len(t, got.Demand, 6)
	assert.Equal(t, "far", got.Demand[5].ID)
	assert.False(t, got.Demand[5].Snapped)
}

func TestOptimizeMatrix_ZeroBudget(t *testing.T) {
	m, err := coverage.NewMatrix([]string{"a"}, []string{"x"}, [][]float64{{1}}, 10)
	require.NoError(t, err)
	points := []demand.DemandPoint{{ID: "a", LonLat: orb.Point{-77, 38.9}, Weight: 2}}
	sites := []demand.CandidateSite{{ID: "x", LonLat: orb.Point{-77, 38.9}}}

	out, err := New(testConfig(), nil).OptimizeMatrix(context.Background(), MatrixRequest{
		Matrix: m, Demand: points, Sites: sites, K: budget(0),
	})
	require.NoError(t, err)
	assert.Empty(t, out.Result.Selected)
	assert.Equal(t, mclp.StatusInfeasible, out.Result.Status)
	assert.Zero(t, out.Result.Requested)
	assert.Zero(t, out.Result.CoveredWeight)
}

func TestOptimizeMatrix_BadMode(t *testing.T) {
	cfg := testConfig()
	cfg.Optimizer.Mode = "heuristic"
	m, err := coverage.NewMatrix([]string{"a"}, []string{"x"}, [][]float64{{1}}, 10)
	require.NoError(t, err)
	_, err = New(cfg, nil).OptimizeMatrix(context.Background(), MatrixRequest{Matrix: m})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestSiteAOI(t *testing.T) {
	_, sites := testInputs()
	wide, err := osmnet.NewBBox(-78, 38, -76, 40)
	require.NoError(t, err)

	aoi, err := SiteAOI(wide, sites, 15)
	require.NoError(t, err)
	bound := aoi.Bound()
	// 15 min at 80 m/min doubled is 2400 m, about 0.0216 degrees of latitude.
	assert.InDelta(t, streetLat-2400/metresPerDegreeLat, bound.Min.Lat(), 1e-9)
	assert.InDelta(t, streetLat+2400/metresPerDegreeLat, bound.Max.Lat(), 1e-9)
	assert.Less(t, bound.Min.Lon(), streetLon0)
	assert.Greater(t, bound.Max.Lon(), streetLon0+4*streetStep)

	// The boundary still caps the padded box.
	tight, err := osmnet.NewBBox(-77.035, 38.895, -77.0, 38.905)
	require.NoError(t, err)
	aoi, err = SiteAOI(tight, sites, 15)
	require.NoError(t, err)
	assert.Equal(t, tight.Bound(), aoi.Bound())

	// No boundary: the padded box is used as is.
	aoi, err = SiteAOI(osmnet.Boundary{}, sites, 15)
	require.NoError(t, err)
	assert.False(t, aoi.IsZero())

	far, err := osmnet.NewBBox(10, 10, 11, 11)
	require.NoError(t, err)
	_, err = SiteAOI(far, sites, 15)
	assert.ErrorContains(t, err, "do not intersect")

	_, err = SiteAOI(wide, nil, 15)
	assert.ErrorContains(t, err, "no sites")
}

func TestExport(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	inf := math.Inf(1)
	m, err := coverage.NewMatrix([]string{"a", "b"}, []string{"x"}, [][]float64{{60}, {inf}}, 120)
	require.NoError(t, err)
	res := &result.Result{
		RunID:  "run-1",
		Mode:   mclp.ModeApproximate,
		Status: mclp.StatusFeasible,
		Sites:  []result.SiteRow{{ID: "x", Selected: true, Rank: 1, Gain: 1, ReachWeight: 1}},
	}

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_coolsite_runs"}, runColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "coolsite"."runs"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_coolsite_selection"}, selectionColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "coolsite"."selection"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectCopyFrom(pgx.Identifier{"coolsite", "coverage"}, coverageColumns).WillReturnResult(2)

	require.NoError(t, Export(context.Background(), mock, "coolsite", res, m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExport_RequiresRunID(t *testing.T) {
	err := Export(context.Background(), nil, "coolsite", &result.Result{}, nil)
	assert.ErrorContains(t, err, "run id")
}

func TestSchemaSQL(t *testing.T) {
	ddl := SchemaSQL("heat")
	assert.Contains(t, ddl, `CREATE SCHEMA IF NOT EXISTS "heat"`)
	assert.Contains(t, ddl, `"heat"."selection"`)
	assert.Contains(t, ddl, "PRIMARY KEY (run_id, site_id)")
}
