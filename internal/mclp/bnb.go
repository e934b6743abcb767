package mclp

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	intTol   = 1e-6
	boundTol = 1e-9
)

// BranchAndBound solves binary programs by depth-first branching on the most
// fractional integer variable, bounding each node with the LP relaxation.
type BranchAndBound struct {
	// Tolerance passed to the simplex method. Zero means 1e-10.
	Tolerance float64
}

type bbNode struct {
	fixed map[int]float64
}

// Solve implements Solver.
func (b BranchAndBound) Solve(ctx context.Context, p *Program, incumbent []float64, limits Limits) (*Solution, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "mclp.bnb"))

	var best []float64
	bestVal := math.Inf(-1)
	if incumbent != nil {
		if !p.Feasible(incumbent, intTol) {
			return nil, eris.New("mclp: incumbent is infeasible")
		}
		best = append([]float64(nil), incumbent...)
		bestVal = p.Value(best)
	}

	sol := &Solution{Bound: math.Inf(1)}
	stack := []bbNode{{fixed: map[int]float64{}}}
	exhausted := true

	for len(stack) > 0 {
		if ctx.Err() != nil || (limits.MaxNodes > 0 && sol.Nodes >= limits.MaxNodes) {
			exhausted = false
			break
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sol.Nodes++

		x, val, err := b.relax(p, node.fixed)
		if errors.Is(err, errNodeInfeasible) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sol.Nodes == 1 {
			sol.Bound = val
		}
		if val <= bestVal+boundTol {
			continue
		}

		branch := mostFractional(p, x)
		if branch < 0 {
			for i, isInt := range p.Integer {
				if isInt {
					x[i] = math.Round(x[i])
				}
			}
			best, bestVal = x, p.Value(x)
			continue
		}

		down := bbNode{fixed: cloneFixed(node.fixed)}
		down.fixed[branch] = 0
		up := bbNode{fixed: cloneFixed(node.fixed)}
		up.fixed[branch] = 1
		stack = append(stack, down, up)
	}

	if best == nil {
		if exhausted {
			sol.Status = StatusInfeasible
			return sol, nil
		}
		return nil, ErrNoIncumbent
	}
	sol.X = best
	sol.Objective = bestVal
	sol.Status = StatusOptimal
	if !exhausted {
		sol.Status = StatusFeasible
	}
	if math.IsInf(sol.Bound, 1) {
		sol.Bound = 0
		for _, c := range p.Objective {
			sol.Bound += math.Max(c, 0)
		}
	}
	sol.Bound = math.Max(sol.Bound, bestVal)
	log.Debug("branch and bound finished",
		zap.String("status", string(sol.Status)),
		zap.Int("nodes", sol.Nodes),
		zap.Float64("objective", bestVal),
		zap.Float64("bound", sol.Bound),
	)
	return sol, nil
}

var errNodeInfeasible = eris.New("mclp: node infeasible")

// relax solves the LP relaxation of p with the given variables fixed. It
// returns the full solution vector and its objective value.
func (b BranchAndBound) relax(p *Program, fixed map[int]float64) ([]float64, float64, error) {
	n := p.NumVars()
	col := make([]int, n)
	var free []int
	for i := 0; i < n; i++ {
		if _, ok := fixed[i]; ok {
			col[i] = -1
			continue
		}
		col[i] = len(free)
		free = append(free, i)
	}

	x := make([]float64, n)
	constant := 0.0
	for i, v := range fixed {
		x[i] = v
		constant += p.Objective[i] * v
	}
	if len(free) == 0 {
		if !p.Feasible(x, intTol) {
			return nil, 0, errNodeInfeasible
		}
		return x, constant, nil
	}

	type row struct {
		coeffs map[int]float64
		rhs    float64
	}
	var rows []row
	for _, c := range p.Constraints {
		r := row{coeffs: map[int]float64{}, rhs: c.RHS}
		for k, v := range c.Vars {
			if col[v] < 0 {
				r.rhs -= c.Coeffs[k] * fixed[v]
				continue
			}
			r.coeffs[col[v]] += c.Coeffs[k]
		}
		if len(r.coeffs) == 0 {
			if r.rhs < -intTol {
				return nil, 0, errNodeInfeasible
			}
			continue
		}
		rows = append(rows, r)
	}
	for j := range free {
		rows = append(rows, row{coeffs: map[int]float64{j: 1}, rhs: 1})
	}

	// Standard form: minimise c'x subject to A x = b, x >= 0, one slack per row.
	m, nf := len(rows), len(free)
	a := mat.NewDense(m, nf+m, nil)
	rhs := make([]float64, m)
	cost := make([]float64, nf+m)
	for j, v := range free {
		cost[j] = -p.Objective[v]
	}
	feasibleStart := true
	for r, rw := range rows {
		sign := 1.0
		if rw.rhs < 0 {
			sign = -1
			feasibleStart = false
		}
		for j, v := range rw.coeffs {
			a.Set(r, j, sign*v)
		}
		a.Set(r, nf+r, sign)
		rhs[r] = sign * rw.rhs
	}
	var basic []int
	if feasibleStart {
		basic = make([]int, m)
		for r := range basic {
			basic[r] = nf + r
		}
	}

	tol := b.Tolerance
	if tol == 0 {
		tol = 1e-10
	}
	opt, sx, err := lp.Simplex(cost, a, rhs, tol, basic)
	if errors.Is(err, lp.ErrInfeasible) {
		return nil, 0, errNodeInfeasible
	}
	if err != nil {
		return nil, 0, eris.Wrap(err, "mclp: solve relaxation")
	}
	for j, v := range free {
		x[v] = clamp01(sx[j])
	}
	return x, constant - opt, nil
}

// mostFractional returns the integer variable furthest from integrality, the
// lowest index on ties, or -1 when x is integral.
func mostFractional(p *Program, x []float64) int {
	best, bestDist := -1, 0.5
	for i, isInt := range p.Integer {
		if !isInt {
			continue
		}
		frac := x[i] - math.Floor(x[i])
		if frac < intTol || frac > 1-intTol {
			continue
		}
		if d := math.Abs(frac - 0.5); best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func cloneFixed(m map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
