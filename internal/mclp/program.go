package mclp

import (
	"context"

	"github.com/rotisserie/eris"
)

// Status reports how a selection was obtained.
type Status string

const (
	// StatusOptimal means the exact search finished.
	StatusOptimal Status = "optimal"
	// StatusFeasible means a valid selection that is not proven optimal.
	StatusFeasible Status = "feasible"
	// StatusInfeasible means nothing was selectable.
	StatusInfeasible Status = "infeasible"
)

// ErrNoIncumbent is returned by a solver that ran out of budget before
// finding any feasible solution.
var ErrNoIncumbent = eris.New("mclp: no feasible solution found within limits")

// Constraint is a sparse row: sum(Coeffs[i] * x[Vars[i]]) <= RHS.
type Constraint struct {
	Vars   []int
	Coeffs []float64
	RHS    float64
}

// Program is a maximisation over variables bounded to [0, 1]. Variables
// flagged in Integer must take the value 0 or 1.
type Program struct {
	Objective   []float64
	Constraints []Constraint
	Integer     []bool
}

// NumVars returns the number of decision variables.
func (p *Program) NumVars() int { return len(p.Objective) }

// Value evaluates the objective at x.
func (p *Program) Value(x []float64) float64 {
	var v float64
	for i, c := range p.Objective {
		v += c * x[i]
	}
	return v
}

// Feasible reports whether x satisfies every constraint and bound within tol.
func (p *Program) Feasible(x []float64, tol float64) bool {
	if len(x) != p.NumVars() {
		return false
	}
	for _, v := range x {
		if v < -tol || v > 1+tol {
			return false
		}
	}
	for _, c := range p.Constraints {
		var lhs float64
		for i, v := range c.Vars {
			lhs += c.Coeffs[i] * x[v]
		}
		if lhs > c.RHS+tol {
			return false
		}
	}
	return true
}

func (p *Program) validate() error {
	n := p.NumVars()
	if len(p.Integer) != n {
		return eris.Errorf("mclp: program has %d variables but %d integrality flags", n, len(p.Integer))
	}
	for r, c := range p.Constraints {
		if len(c.Vars) != len(c.Coeffs) {
			return eris.Errorf("mclp: constraint %d: %d vars, %d coefficients", r, len(c.Vars), len(c.Coeffs))
		}
		for _, v := range c.Vars {
			if v < 0 || v >= n {
				return eris.Errorf("mclp: constraint %d references variable %d", r, v)
			}
		}
	}
	return nil
}

// Limits bound a solver run. The time limit travels on the context.
type Limits struct {
	MaxNodes int
}

// Solution is a solver outcome.
type Solution struct {
	X         []float64
	Objective float64
	Status    Status
	// Bound is an upper bound on the optimum from the root relaxation.
	Bound float64
	Nodes int
}

// Solver solves a Program. incumbent, when non-nil, is a feasible point the
// solver must never do worse than.
type Solver interface {
	Solve(ctx context.Context, p *Program, incumbent []float64, limits Limits) (*Solution, error)
}
