package mclp

import (
	"context"
	"runtime"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// minParallelCandidates is the candidate count below which gains are
// evaluated on the calling goroutine.
const minParallelCandidates = 64

// Greedy picks up to k candidates, each time taking the largest marginal
// gain over the current covered set. Ties go to the lowest candidate id. It
// stops early when no remaining candidate adds positive weight. The returned
// indices are into Candidates, in pick order.
func Greedy(ctx context.Context, p *Problem, k, workers int) ([]Step, []int, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	covered := append([]bool(nil), p.baseline...)
	picked := make([]bool, len(p.candidates))
	gains := make([]float64, len(p.candidates))
	cumulative := p.baselineWeight

	var steps []Step
	var chosen []int
	for len(chosen) < k {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "mclp: greedy")
		}
		if err := p.evaluateGains(ctx, covered, picked, gains, workers); err != nil {
			return nil, nil, err
		}

		best := -1
		for j, g := range gains {
			if picked[j] || g <= 0 {
				continue
			}
			if best < 0 || g > gains[best] || (g == gains[best] && p.candidates[j] < p.candidates[best]) {
				best = j
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		for _, d := range p.coveredBy[best] {
			covered[d] = true
		}
		cumulative += gains[best]
		chosen = append(chosen, best)
		steps = append(steps, Step{SiteID: p.candidates[best], Gain: gains[best], Cumulative: cumulative})
	}
	return steps, chosen, nil
}

// evaluateGains fills gains for every unpicked candidate. Each worker owns a
// contiguous slice of candidates, so the result is independent of scheduling.
func (p *Problem) evaluateGains(ctx context.Context, covered, picked []bool, gains []float64, workers int) error {
	n := len(p.candidates)
	if n < minParallelCandidates || workers == 1 {
		for j := 0; j < n; j++ {
			if !picked[j] {
				gains[j] = p.gain(j, covered)
			}
		}
		return nil
	}

	chunk := (n + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := lo; j < hi; j++ {
				if !picked[j] {
					gains[j] = p.gain(j, covered)
				}
			}
			return nil
		})
	}
	return eris.Wrap(g.Wait(), "mclp: evaluate gains")
}
