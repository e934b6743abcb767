// Package mclp selects facility sites that maximise weighted demand covered
// within the walking threshold (the maximal covering location problem).
package mclp

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/demand"
)

// Problem is an MCLP instance derived from a coverage matrix. Pinned sites
// form the baseline: the demand they cover is counted for free and excluded
// from every marginal gain.
type Problem struct {
	weights        []float64 // per demand row
	candidates     []string  // proposed site ids, matrix column order
	coveredBy      [][]int   // per candidate: demand rows
	pinned         []string
	baseline       []bool // demand rows covered by pinned sites
	baselineWeight float64
	totalWeight    float64
}

// NewProblem builds an instance. points must contain every matrix row's
// demand id; sites must contain every matrix column's site id. Existing
// sites are pinned when pinExisting is set and are otherwise ordinary
// candidates.
func NewProblem(m *coverage.Matrix, points []demand.DemandPoint, sites []demand.CandidateSite, pinExisting bool) (*Problem, error) {
	if err := demand.ValidateDemand(points); err != nil {
		return nil, err
	}
	weightByID := make(map[string]float64, len(points))
	for _, p := range points {
		weightByID[p.ID] = p.Weight
	}
	existing := make(map[string]bool, len(sites))
	known := make(map[string]bool, len(sites))
	for _, s := range sites {
		existing[s.ID] = s.Existing
		known[s.ID] = true
	}

	p := &Problem{
		weights:  make([]float64, m.NumDemand()),
		baseline: make([]bool, m.NumDemand()),
	}
	for d := 0; d < m.NumDemand(); d++ {
		w, ok := weightByID[m.DemandID(d)]
		if !ok {
			return nil, eris.Errorf("mclp: no weight for demand %q", m.DemandID(d))
		}
		p.weights[d] = w
		p.totalWeight += w
	}
	for s := 0; s < m.NumSites(); s++ {
		id := m.SiteID(s)
		if !known[id] {
			return nil, eris.Errorf("mclp: matrix site %q not in site list", id)
		}
		if pinExisting && existing[id] {
			p.pinned = append(p.pinned, id)
			for _, d := range m.CoveredBy(s) {
				p.baseline[d] = true
			}
			continue
		}
		p.candidates = append(p.candidates, id)
		p.coveredBy = append(p.coveredBy, m.CoveredBy(s))
	}
	for d, covered := range p.baseline {
		if covered {
			p.baselineWeight += p.weights[d]
		}
	}
	return p, nil
}

// NumCandidates returns the number of proposed (non-pinned) sites.
func (p *Problem) NumCandidates() int { return len(p.candidates) }

// Candidates returns the proposed site ids.
func (p *Problem) Candidates() []string { return append([]string(nil), p.candidates...) }

// Pinned returns the pinned site ids.
func (p *Problem) Pinned() []string { return append([]string(nil), p.pinned...) }

// BaselineWeight is the demand weight covered by pinned sites alone.
func (p *Problem) BaselineWeight() float64 { return p.baselineWeight }

// TotalWeight is the weight of all demand, covered or not.
func (p *Problem) TotalWeight() float64 { return p.totalWeight }

// Evaluate returns the weight covered by the pinned sites plus the given
// candidates (indices into Candidates).
func (p *Problem) Evaluate(chosen []int) float64 {
	covered := append([]bool(nil), p.baseline...)
	total := p.baselineWeight
	for _, j := range chosen {
		for _, d := range p.coveredBy[j] {
			if !covered[d] {
				covered[d] = true
				total += p.weights[d]
			}
		}
	}
	return total
}

// gain is the weight candidate j adds on top of covered.
func (p *Problem) gain(j int, covered []bool) float64 {
	var g float64
	for _, d := range p.coveredBy[j] {
		if !covered[d] {
			g += p.weights[d]
		}
	}
	return g
}

// orderByContribution sequences chosen candidates by repeatedly taking the
// one with the largest remaining marginal gain (ties to the lowest id).
// Candidates contributing nothing are dropped unless keepZero is set.
func (p *Problem) orderByContribution(chosen []int, keepZero bool) []Step {
	covered := append([]bool(nil), p.baseline...)
	remaining := append([]int(nil), chosen...)
	sort.Slice(remaining, func(a, b int) bool { return p.candidates[remaining[a]] < p.candidates[remaining[b]] })

	cumulative := p.baselineWeight
	var steps []Step
	for len(remaining) > 0 {
		best, bestGain := 0, -1.0
		for i, j := range remaining {
			if g := p.gain(j, covered); g > bestGain {
				best, bestGain = i, g
			}
		}
		j := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
		if bestGain <= 0 && !keepZero {
			break
		}
		for _, d := range p.coveredBy[j] {
			covered[d] = true
		}
		cumulative += bestGain
		steps = append(steps, Step{SiteID: p.candidates[j], Gain: bestGain, Cumulative: cumulative})
	}
	return steps
}
