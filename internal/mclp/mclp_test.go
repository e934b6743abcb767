package mclp

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
)

// instance builds a problem from an explicit covered relation: cover[s] lists
// the demand rows site s reaches.
func instance(t *testing.T, weights []float64, cover [][]int, existing map[int]bool, pin bool) *Problem {
	t.Helper()
	points := make([]demand.DemandPoint, len(weights))
	demandIDs := make([]string, len(weights))
	for d, w := range weights {
		demandIDs[d] = fmt.Sprintf("d%02d", d)
		points[d] = demand.DemandPoint{ID: demandIDs[d], Weight: w}
	}
	sites := make([]demand.CandidateSite, len(cover))
	siteIDs := make([]string, len(cover))
	for s := range cover {
		siteIDs[s] = fmt.Sprintf("s%02d", s)
		sites[s] = demand.CandidateSite{ID: siteIDs[s], Existing: existing[s]}
	}
	seconds := make([][]float64, len(weights))
	for d := range seconds {
		seconds[d] = make([]float64, len(cover))
		for s := range seconds[d] {
			seconds[d][s] = math.Inf(1)
		}
	}
	for s, rows := range cover {
		for _, d := range rows {
			seconds[d][s] = 60
		}
	}
	m, err := coverage.NewMatrix(demandIDs, siteIDs, seconds, 60)
	require.NoError(t, err)
	p, err := NewProblem(m, points, sites, pin)
	require.NoError(t, err)
	return p
}

func randomInstance(t *testing.T, seed int64, nDemand, nSites int) *Problem {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	weights := make([]float64, nDemand)
	for d := range weights {
		weights[d] = float64(r.Intn(10)) / 10
	}
	cover := make([][]int, nSites)
	for s := range cover {
		for d := 0; d < nDemand; d++ {
			if r.Float64() < 0.3 {
				cover[s] = append(cover[s], d)
			}
		}
	}
	return instance(t, weights, cover, nil, false)
}

// bruteForce returns the optimal covered weight over all subsets of size <= k.
func bruteForce(p *Problem, k int) float64 {
	n := p.NumCandidates()
	best := p.BaselineWeight()
	for mask := 0; mask < 1<<n; mask++ {
		var chosen []int
		for j := 0; j < n; j++ {
			if mask&(1<<j) != 0 {
				chosen = append(chosen, j)
			}
		}
		if len(chosen) > k {
			continue
		}
		best = math.Max(best, p.Evaluate(chosen))
	}
	return best
}

func TestOptimize_LineScenario(t *testing.T) {
	// Five demand nodes on a line 300s apart; sites at nodes 0, 2 and 4.
	demandIDs := []string{"n0", "n1", "n2", "n3", "n4"}
	siteIDs := []string{"s0", "s2", "s4"}
	sitePos := []int{0, 2, 4}
	seconds := make([][]float64, 5)
	points := make([]demand.DemandPoint, 5)
	for d := range seconds {
		points[d] = demand.DemandPoint{ID: demandIDs[d], Weight: 1}
		for _, pos := range sitePos {
			seconds[d] = append(seconds[d], 300*math.Abs(float64(d-pos)))
		}
	}
	m, err := coverage.NewMatrix(demandIDs, siteIDs, seconds, 360)
	require.NoError(t, err)
	sites := []demand.CandidateSite{{ID: "s0"}, {ID: "s2"}, {ID: "s4"}}
	p, err := NewProblem(m, points, sites, true)
	require.NoError(t, err)

	for _, mode := range []Mode{ModeApproximate, ModeExact} {
		t.Run(string(mode), func(t *testing.T) {
			sel, err := Optimize(context.Background(), p, Options{K: 1, Mode: mode})
			require.NoError(t, err)
			assert.Equal(t, []string{"s2"}, sel.Selected)
			assert.InDelta(t, 3, sel.CoveredWeight, 1e-9)
			assert.InDelta(t, 5, sel.TotalWeight, 1e-9)
			assert.Equal(t, 1, sel.Effective)
		})
	}
}

func TestGreedy_TieBreaksByLowestID(t *testing.T) {
	p := instance(t, []float64{1, 1}, [][]int{{1}, {0}}, nil, false)
	steps, chosen, err := Greedy(context.Background(), p, 1, 1)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "s00", steps[0].SiteID)
	assert.Equal(t, []int{0}, chosen)
}

func TestGreedy_StopsWithoutPositiveGain(t *testing.T) {
	p := instance(t, []float64{1, 0}, [][]int{{0}, {0}, {1}}, nil, false)
	steps, _, err := Greedy(context.Background(), p, 3, 1)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "s00", steps[0].SiteID)
	assert.InDelta(t, 1, steps[0].Cumulative, 1e-9)
}

func TestGreedy_ApproximationBound(t *testing.T) {
	ratio := 1 - 1/math.E
	for seed := int64(1); seed <= 20; seed++ {
		p := randomInstance(t, seed, 14, 8)
		for k := 1; k <= 4; k++ {
			steps, chosen, err := Greedy(context.Background(), p, k, 1)
			require.NoError(t, err)
			got := p.Evaluate(chosen)
			if len(steps) > 0 {
				assert.InDelta(t, got, steps[len(steps)-1].Cumulative, 1e-9)
			}
			opt := bruteForce(p, k)
			assert.GreaterOrEqual(t, got, ratio*opt-1e-9, "seed %d k %d", seed, k)
		}
	}
}

func TestOptimize_ExactMatchesBruteForce(t *testing.T) {
	for seed := int64(1); seed <= 12; seed++ {
		p := randomInstance(t, seed, 12, 7)
		for k := 1; k <= 3; k++ {
			sel, err := Optimize(context.Background(), p, Options{K: k, Mode: ModeExact})
			require.NoError(t, err)
			assert.Equal(t, StatusOptimal, sel.Status)
			assert.InDelta(t, bruteForce(p, k), sel.CoveredWeight, 1e-6, "seed %d k %d", seed, k)
			assert.LessOrEqual(t, sel.Effective, k)
			assert.GreaterOrEqual(t, sel.Bound, sel.CoveredWeight-1e-6)
		}
	}
}

func TestOptimize_BudgetMonotone(t *testing.T) {
	for _, mode := range []Mode{ModeApproximate, ModeExact} {
		t.Run(string(mode), func(t *testing.T) {
			for seed := int64(1); seed <= 8; seed++ {
				p := randomInstance(t, seed, 15, 8)
				prev := -1.0
				for k := 1; k <= 8; k++ {
					sel, err := Optimize(context.Background(), p, Options{K: k, Mode: mode})
					require.NoError(t, err)
					assert.GreaterOrEqual(t, sel.CoveredWeight, prev-1e-9, "seed %d k %d", seed, k)
					prev = sel.CoveredWeight
				}
			}
		})
	}
}

func TestOptimize_KExceedsCandidates(t *testing.T) {
	p := instance(t, []float64{1, 1, 1}, [][]int{{0}, {1}, {2}}, nil, false)
	for _, mode := range []Mode{ModeApproximate, ModeExact} {
		sel, err := Optimize(context.Background(), p, Options{K: 5, Mode: mode})
		require.NoError(t, err)
		assert.Equal(t, 5, sel.Requested)
		assert.Equal(t, 3, sel.Effective)
		assert.ElementsMatch(t, []string{"s00", "s01", "s02"}, sel.Selected)
		assert.InDelta(t, 3, sel.CoveredWeight, 1e-9)
	}
}

func TestOptimize_PinnedSites(t *testing.T) {
	// s00 is existing and covers d00, d01; s01 duplicates it; s02 covers d02.
	p := instance(t, []float64{1, 1, 0.5}, [][]int{{0, 1}, {0, 1}, {2}}, map[int]bool{0: true}, true)
	assert.Equal(t, []string{"s00"}, p.Pinned())
	assert.Equal(t, 2, p.NumCandidates())
	assert.InDelta(t, 2, p.BaselineWeight(), 1e-9)

	for _, mode := range []Mode{ModeApproximate, ModeExact} {
		sel, err := Optimize(context.Background(), p, Options{K: 1, Mode: mode})
		require.NoError(t, err)
		assert.Equal(t, []string{"s00", "s02"}, sel.Selected)
		assert.Equal(t, []string{"s02"}, sel.Chosen)
		assert.Equal(t, 1, sel.Effective)
		assert.InDelta(t, 2.5, sel.CoveredWeight, 1e-9)
	}

	unpinned := instance(t, []float64{1, 1, 0.5}, [][]int{{0, 1}, {0, 1}, {2}}, map[int]bool{0: true}, false)
	assert.Empty(t, unpinned.Pinned())
	assert.Equal(t, 3, unpinned.NumCandidates())
}

func TestOptimize_NothingSelectable(t *testing.T) {
	p := instance(t, []float64{1}, [][]int{{0}}, nil, false)
	sel, err := Optimize(context.Background(), p, Options{K: 0})
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, sel.Status)
	assert.Empty(t, sel.Selected)
	assert.Equal(t, 0, sel.Effective)

	pinnedOnly := instance(t, []float64{1}, [][]int{{0}}, map[int]bool{0: true}, true)
	sel, err = Optimize(context.Background(), pinnedOnly, Options{K: 3, Mode: ModeExact})
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, sel.Status)
	assert.Equal(t, []string{"s00"}, sel.Selected)
	assert.InDelta(t, 1, sel.CoveredWeight, 1e-9)
}

func TestOptimize_UnknownMode(t *testing.T) {
	p := instance(t, []float64{1}, [][]int{{0}}, nil, false)
	_, err := Optimize(context.Background(), p, Options{K: 1, Mode: "magic"})
	require.Error(t, err)

	_, err = ParseMode("magic")
	require.Error(t, err)
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeApproximate, m)
}

func TestGreedy_DeterministicAcrossWorkers(t *testing.T) {
	p := randomInstance(t, 42, 60, 120)
	seq, _, err := Greedy(context.Background(), p, 10, 1)
	require.NoError(t, err)
	for _, workers := range []int{2, 8, 16} {
		par, _, err := Greedy(context.Background(), p, 10, workers)
		require.NoError(t, err)
		assert.Equal(t, seq, par, "workers %d", workers)
	}
}

func TestGreedy_Cancelled(t *testing.T) {
	p := randomInstance(t, 3, 10, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Greedy(ctx, p, 2, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingSolver struct{ err error }

func (f failingSolver) Solve(context.Context, *Program, []float64, Limits) (*Solution, error) {
	return nil, f.err
}

type recordingSolver struct {
	incumbent []float64
}

func (r *recordingSolver) Solve(_ context.Context, p *Program, incumbent []float64, _ Limits) (*Solution, error) {
	r.incumbent = incumbent
	return &Solution{X: incumbent, Objective: p.Value(incumbent), Status: StatusFeasible, Bound: p.Value(incumbent)}, nil
}

func TestOptimize_SolverFailure(t *testing.T) {
	p := randomInstance(t, 7, 12, 6)
	opts := Options{K: 2, Mode: ModeExact, Solver: failingSolver{err: ErrNoIncumbent}}

	_, err := Optimize(context.Background(), p, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoIncumbent)

	opts.FallbackGreedy = true
	sel, err := Optimize(context.Background(), p, opts)
	require.NoError(t, err)
	assert.Equal(t, StatusFeasible, sel.Status)

	greedy, _, err := Greedy(context.Background(), p, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, greedy, sel.Steps)
}

func TestOptimize_GreedyIncumbentHandedToSolver(t *testing.T) {
	p := randomInstance(t, 9, 12, 6)
	rec := &recordingSolver{}
	sel, err := Optimize(context.Background(), p, Options{K: 2, Mode: ModeExact, Solver: rec})
	require.NoError(t, err)
	require.NotNil(t, rec.incumbent)
	assert.Equal(t, StatusFeasible, sel.Status)

	_, chosen, err := Greedy(context.Background(), p, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, p.Evaluate(chosen), sel.CoveredWeight, 1e-9)
}

func TestOptimize_ExactTimeLimitKeepsIncumbent(t *testing.T) {
	p := randomInstance(t, 11, 30, 14)
	greedy, _, err := Greedy(context.Background(), p, 4, 1)
	require.NoError(t, err)

	sel, err := Optimize(context.Background(), p, Options{K: 4, Mode: ModeExact, TimeLimit: time.Nanosecond})
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusOptimal, StatusFeasible}, sel.Status)
	require.NotEmpty(t, greedy)
	assert.GreaterOrEqual(t, sel.CoveredWeight, greedy[len(greedy)-1].Cumulative-1e-9)
}

func TestProperty_GreedyWithinBound(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	properties.Property("greedy covers at least (1-1/e) of optimum", prop.ForAll(
		func(seed int64) bool {
			p := randomInstance(t, seed, 10, 7)
			_, chosen, err := Greedy(context.Background(), p, 3, 1)
			if err != nil {
				return false
			}
			return p.Evaluate(chosen) >= (1-1/math.E)*bruteForce(p, 3)-1e-9
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
