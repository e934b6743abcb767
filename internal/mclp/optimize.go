package mclp

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Mode selects the optimisation strategy.
type Mode string

const (
	// ModeApproximate runs the greedy heuristic.
	ModeApproximate Mode = "approximate"
	// ModeExact solves the integer program.
	ModeExact Mode = "exact"
)

// ParseMode parses a mode name. Empty means approximate.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeApproximate:
		return ModeApproximate, nil
	case ModeExact:
		return ModeExact, nil
	}
	return "", eris.Errorf("mclp: unknown mode %q (want approximate or exact)", s)
}

// Step is one pick in selection order.
type Step struct {
	SiteID     string  `json:"site_id"`
	Gain       float64 `json:"gain"`
	Cumulative float64 `json:"cumulative"`
}

// Options configures Optimize.
type Options struct {
	K              int
	Mode           Mode
	TimeLimit      time.Duration
	MaxNodes       int
	Solver         Solver // nil means BranchAndBound
	FallbackGreedy bool
	Workers        int
}

// Selection is the optimiser's answer.
type Selection struct {
	Mode      Mode   `json:"mode"`
	Status    Status `json:"status"`
	Requested int    `json:"requested"`
	Effective int    `json:"effective"`
	// Selected holds pinned ids followed by chosen ids in step order.
	Selected       []string      `json:"selected"`
	Pinned         []string      `json:"pinned"`
	Chosen         []string      `json:"chosen"`
	Steps          []Step        `json:"steps"`
	CoveredWeight  float64       `json:"covered_weight"`
	BaselineWeight float64       `json:"baseline_weight"`
	TotalWeight    float64       `json:"total_weight"`
	Bound          float64       `json:"bound,omitempty"`
	Nodes          int           `json:"nodes,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Optimize selects up to opts.K proposed sites for p.
func Optimize(ctx context.Context, p *Problem, opts Options) (*Selection, error) {
	log := zap.L().With(zap.String("component", "mclp"))
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = ModeApproximate
	}
	if opts.Mode != ModeApproximate && opts.Mode != ModeExact {
		return nil, eris.Errorf("mclp: unknown mode %q", opts.Mode)
	}

	sel := &Selection{
		Mode:           opts.Mode,
		Requested:      opts.K,
		Pinned:         p.Pinned(),
		BaselineWeight: p.baselineWeight,
		CoveredWeight:  p.baselineWeight,
		TotalWeight:    p.totalWeight,
	}
	if opts.K <= 0 || p.NumCandidates() == 0 {
		sel.Status = StatusInfeasible
		sel.finish(start)
		log.Info("nothing selectable",
			zap.Int("k", opts.K),
			zap.Int("candidates", p.NumCandidates()),
		)
		return sel, nil
	}

	steps, chosen, err := Greedy(ctx, p, opts.K, opts.Workers)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.Mode == ModeApproximate:
		sel.Status = StatusFeasible
		sel.Steps = steps
	case opts.K >= p.NumCandidates():
		all := make([]int, p.NumCandidates())
		for j := range all {
			all[j] = j
		}
		sel.Status = StatusOptimal
		sel.Steps = p.orderByContribution(all, true)
		sel.Bound = p.Evaluate(all)
	default:
		if err := p.solveExact(ctx, sel, chosen, opts); err != nil {
			if !opts.FallbackGreedy {
				return nil, err
			}
			log.Warn("exact solver failed, using greedy selection", zap.Error(err))
			sel.Status = StatusFeasible
			sel.Steps = steps
		}
	}

	sel.finish(start)
	log.Info("selection complete",
		zap.String("mode", string(sel.Mode)),
		zap.String("status", string(sel.Status)),
		zap.Int("requested", sel.Requested),
		zap.Int("effective", sel.Effective),
		zap.Float64("covered_weight", sel.CoveredWeight),
		zap.Duration("elapsed", sel.Elapsed),
	)
	return sel, nil
}

func (s *Selection) finish(start time.Time) {
	s.Selected = append([]string(nil), s.Pinned...)
	s.Chosen = nil
	cumulative := s.BaselineWeight
	for _, st := range s.Steps {
		s.Chosen = append(s.Chosen, st.SiteID)
		cumulative = st.Cumulative
	}
	s.Selected = append(s.Selected, s.Chosen...)
	s.Effective = len(s.Chosen)
	s.CoveredWeight = cumulative
	s.Elapsed = time.Since(start)
}

func (p *Problem) solveExact(ctx context.Context, sel *Selection, greedy []int, opts Options) error {
	prog, demandVars := p.program(opts.K)
	solver := opts.Solver
	if solver == nil {
		solver = BranchAndBound{}
	}
	if opts.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TimeLimit)
		defer cancel()
	}

	incumbent := p.programPoint(greedy, demandVars)
	sol, err := solver.Solve(ctx, prog, incumbent, Limits{MaxNodes: opts.MaxNodes})
	if err != nil {
		return eris.Wrap(err, "mclp: exact solve")
	}
	if sol.Status == StatusInfeasible || sol.X == nil {
		return eris.New("mclp: exact solve returned no selection")
	}

	var chosen []int
	for j := range p.candidates {
		if sol.X[j] > 0.5 {
			chosen = append(chosen, j)
		}
	}
	if len(chosen) > opts.K {
		return eris.Errorf("mclp: exact solve selected %d sites for k=%d", len(chosen), opts.K)
	}
	sel.Status = sol.Status
	sel.Steps = p.orderByContribution(chosen, false)
	sel.Bound = p.baselineWeight + sol.Bound
	sel.Nodes = sol.Nodes
	return nil
}

// program formulates the instance as: maximise sum(w_d z_d) subject to
// z_d <= sum(y_j covering d), sum(y_j) <= k, y binary, z in [0, 1]. Only
// demand rows that are uncovered by pinned sites, carry weight and can be
// covered by some candidate get a z variable.
func (p *Problem) program(k int) (*Program, []int) {
	n := len(p.candidates)
	rowsCovering := map[int][]int{}
	for j, rows := range p.coveredBy {
		for _, d := range rows {
			if !p.baseline[d] && p.weights[d] > 0 {
				rowsCovering[d] = append(rowsCovering[d], j)
			}
		}
	}
	demandVars := make([]int, 0, len(rowsCovering))
	for d := range rowsCovering {
		demandVars = append(demandVars, d)
	}
	sort.Ints(demandVars)

	prog := &Program{
		Objective: make([]float64, n+len(demandVars)),
		Integer:   make([]bool, n+len(demandVars)),
	}
	budget := Constraint{RHS: float64(k)}
	for j := 0; j < n; j++ {
		prog.Integer[j] = true
		budget.Vars = append(budget.Vars, j)
		budget.Coeffs = append(budget.Coeffs, 1)
	}
	prog.Constraints = append(prog.Constraints, budget)
	for i, d := range demandVars {
		z := n + i
		prog.Objective[z] = p.weights[d]
		c := Constraint{Vars: []int{z}, Coeffs: []float64{1}}
		for _, j := range rowsCovering[d] {
			c.Vars = append(c.Vars, j)
			c.Coeffs = append(c.Coeffs, -1)
		}
		prog.Constraints = append(prog.Constraints, c)
	}
	return prog, demandVars
}

// programPoint maps a set of chosen candidates to a feasible program point.
func (p *Problem) programPoint(chosen []int, demandVars []int) []float64 {
	n := len(p.candidates)
	x := make([]float64, n+len(demandVars))
	covered := make([]bool, len(p.weights))
	for _, j := range chosen {
		x[j] = 1
		for _, d := range p.coveredBy[j] {
			covered[d] = true
		}
	}
	for i, d := range demandVars {
		if covered[d] {
			x[n+i] = 1
		}
	}
	return x
}
